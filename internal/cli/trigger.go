package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/selfheal/internal/core/domain"
)

var (
	triggerSource        string
	triggerEnv           string
	triggerForcedPattern string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger [raw signal...]",
	Short: "Run one failure event through the pipeline and print the outcome",
	Long: `Runs a manual failure event through classification, risk assessment and
recovery. The signal is read from the arguments, or from stdin when none are
given. Without --env the fingerprint of the configured working copy is used.`,
	Run: runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&triggerSource, "source", "cli", "event source")
	triggerCmd.Flags().StringVar(&triggerEnv, "env", "", "environment fingerprint")
	triggerCmd.Flags().StringVar(&triggerForcedPattern, "forced-pattern", "", "skip classification and use this pattern")
	rootCmd.AddCommand(triggerCmd)
}

func runTrigger(cmd *cobra.Command, args []string) {
	app := newEngine(cmd)
	ctx := context.Background()
	defer func() {
		_ = app.Stop(ctx)
	}()

	raw := strings.Join(args, " ")
	if raw == "" {
		data, err := readStdin()
		if err != nil {
			slog.Error("Failed to read signal from stdin", "error", err)
			os.Exit(1)
		}
		raw = data
	}
	if strings.TrimSpace(raw) == "" {
		slog.Error("A raw failure signal is required")
		os.Exit(1)
	}

	env := triggerEnv
	if env == "" {
		fp, err := app.Fingerprint(ctx)
		if err != nil {
			slog.Error("Failed to fingerprint environment, pass --env", "error", err)
			os.Exit(1)
		}
		env = fp
	}

	forced := domain.PatternID(triggerForcedPattern)
	if forced != "" && !forced.Automatable() {
		slog.Error("Forced pattern must be automatable", "pattern", forced)
		os.Exit(1)
	}

	out, err := app.Submit(ctx, domain.FailureEvent{
		Source:                 triggerSource,
		RawSignal:              raw,
		Timestamp:              time.Now(),
		EnvironmentFingerprint: env,
		Trigger:                domain.TriggerManual,
		ForcedPattern:          forced,
	})
	if err != nil {
		slog.Error("Failed to handle event", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func readStdin() (string, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return "", err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return "", nil // interactive terminal, nothing piped
	}
	data, err := io.ReadAll(os.Stdin)
	return string(data), err
}
