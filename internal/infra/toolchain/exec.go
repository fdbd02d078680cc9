// Package toolchain drives the host build tools: lockfile regeneration,
// dependency install, smoke build and registry probing.
package toolchain

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/vietddude/selfheal/internal/core/domain"
)

// Config describes the project and the commands used to repair it.
type Config struct {
	WorkDir  string `yaml:"work_dir"`
	Manifest string `yaml:"manifest"`
	Lockfile string `yaml:"lockfile"`

	// ArtifactDir is packed into the cache payload after a successful install.
	ArtifactDir string `yaml:"artifact_dir"`

	RegenerateCmd []string `yaml:"regenerate_cmd"`
	InstallCmd    []string `yaml:"install_cmd"`
	SmokeCmd      []string `yaml:"smoke_cmd"`
	ListDepsCmd   []string `yaml:"list_deps_cmd"`

	// Versions maps tool name to the command printing its version; the
	// output feeds the environment fingerprint.
	Versions map[string][]string `yaml:"versions"`

	ProbeURL       string        `yaml:"probe_url"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DefaultConfig returns an npm setup.
func DefaultConfig() Config {
	return Config{
		WorkDir:        ".",
		Manifest:       "package.json",
		Lockfile:       "package-lock.json",
		ArtifactDir:    "node_modules",
		RegenerateCmd:  []string{"npm", "install", "--package-lock-only", "--ignore-scripts"},
		InstallCmd:     []string{"npm", "ci", "--ignore-scripts"},
		SmokeCmd:       []string{"npm", "run", "build", "--if-present"},
		ListDepsCmd:    []string{"npm", "ls", "--all", "--parseable"},
		Versions:       map[string][]string{"node": {"node", "--version"}, "npm": {"npm", "--version"}},
		ProbeURL:       "https://registry.npmjs.org/-/ping",
		CommandTimeout: 10 * time.Minute,
	}
}

type runFunc func(ctx context.Context, dir string, argv []string) ([]byte, error)

// Exec implements the recovery toolchain with os/exec.
type Exec struct {
	cfg    Config
	client *http.Client
	run    runFunc
}

// New creates an exec toolchain.
func New(cfg Config) (*Exec, error) {
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.Manifest == "" {
		return nil, errors.New("toolchain: manifest path is required")
	}
	if len(cfg.InstallCmd) == 0 {
		return nil, errors.New("toolchain: install command is required")
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}
	return &Exec{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		run:    runCommand,
	}, nil
}

func runCommand(ctx context.Context, dir string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, tail(stderr.String(), 512))
	}
	return out, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func (e *Exec) exec(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	out, err := e.run(ctx, e.cfg.WorkDir, argv)
	slog.Debug("Toolchain command finished",
		"cmd", strings.Join(argv, " "),
		"duration", time.Since(start),
		"error", err,
	)
	return out, err
}

func (e *Exec) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(e.cfg.WorkDir, name)
}

// Fingerprint computes the environment fingerprint of the working copy.
func (e *Exec) Fingerprint(ctx context.Context) (string, error) {
	manifest, err := os.ReadFile(e.path(e.cfg.Manifest))
	if err != nil {
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}
	tools := make(map[string]string, len(e.cfg.Versions))
	for name, argv := range e.cfg.Versions {
		out, err := e.exec(ctx, argv)
		if err != nil {
			return "", fmt.Errorf("failed to read %s version: %w", name, err)
		}
		tools[name] = strings.TrimSpace(string(out))
	}
	platform := runtime.GOOS + "/" + runtime.GOARCH
	return domain.NewEnvironmentFingerprint(platform, tools, manifest), nil
}

// RegenerateLockfile removes the lockfile and rebuilds it from the manifest.
func (e *Exec) RegenerateLockfile(ctx context.Context, env string) error {
	if e.cfg.Lockfile != "" {
		if err := os.Remove(e.path(e.cfg.Lockfile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove lockfile: %w", err)
		}
	}
	_, err := e.exec(ctx, e.cfg.RegenerateCmd)
	return err
}

// Install runs a clean install and returns the packed artifact directory
// plus the manifest fingerprint it was built from.
func (e *Exec) Install(ctx context.Context, env string) ([]byte, string, error) {
	manifest, err := os.ReadFile(e.path(e.cfg.Manifest))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read manifest: %w", err)
	}
	if _, err := e.exec(ctx, e.cfg.InstallCmd); err != nil {
		return nil, "", err
	}

	var payload []byte
	if e.cfg.ArtifactDir != "" {
		payload, err = pack(e.path(e.cfg.ArtifactDir))
	} else if e.cfg.Lockfile != "" {
		payload, err = os.ReadFile(e.path(e.cfg.Lockfile))
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to collect install output: %w", err)
	}
	return payload, domain.ManifestFingerprint(manifest), nil
}

// SmokeBuild runs the configured smoke command.
func (e *Exec) SmokeBuild(ctx context.Context, env string) error {
	_, err := e.exec(ctx, e.cfg.SmokeCmd)
	return err
}

// Probe checks that the package registry answers.
func (e *Exec) Probe(ctx context.Context) error {
	if e.cfg.ProbeURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.ProbeURL, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s failed: %w", e.cfg.ProbeURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", e.cfg.ProbeURL, resp.StatusCode)
	}
	return nil
}

// DependencyCount counts the lines printed by the dependency listing command.
func (e *Exec) DependencyCount(ctx context.Context, env string) (int, error) {
	if len(e.cfg.ListDepsCmd) == 0 {
		return 0, nil
	}
	out, err := e.exec(ctx, e.cfg.ListDepsCmd)
	if err != nil && len(out) == 0 {
		return 0, err
	}
	var n int
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

// pack writes dir as a gzipped tarball with stable ordering and zeroed
// modification times so identical trees produce identical payloads.
func pack(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() && !d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.ModTime = time.Time{}
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
