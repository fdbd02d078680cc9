package recovery

import "context"

// Toolchain is the host build tooling the built-in steps drive.
type Toolchain interface {
	// RegenerateLockfile rewrites the lockfile from the dependency manifest.
	RegenerateLockfile(ctx context.Context, env string) error

	// Install performs a clean dependency install and returns the installed
	// tree as a payload plus the manifest fingerprint it was resolved from.
	Install(ctx context.Context, env string) (payload []byte, manifest string, err error)

	// SmokeBuild runs a minimal build against the installed dependencies.
	SmokeBuild(ctx context.Context, env string) error

	// Probe checks that the package registry or upstream service answers.
	Probe(ctx context.Context) error
}
