package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"acsmconv/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The activation directory is populated with a fake registered device.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.UploadDir = filepath.Join(base, "uploads")
	cfgVal.Paths.WorkspaceDir = filepath.Join(base, "workspaces")
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Activation.Dir = filepath.Join(base, "adept")
	cfgVal.HTTP.Bind = "127.0.0.1:0"
	cfgVal.Tools.KillGrace = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	WriteActivation(t, cfgVal.Activation.Dir, "test-device")

	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithoutActivation removes the fake device so activation checks fail.
func WithoutActivation() ConfigOption {
	return func(b *configBuilder) {
		if err := os.RemoveAll(b.cfg.Activation.Dir); err != nil {
			b.t.Fatalf("remove activation dir: %v", err)
		}
	}
}

// WithMaxConcurrentJobs overrides the registry ceiling.
func WithMaxConcurrentJobs(limit int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Registry.MaxConcurrentJobs = limit
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// points the tool settings at them. If names is empty, the libgourou and
// Calibre binaries are stubbed with scripts that exit 0.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"acsmdownloader", "adept_remove", "adept_activate", "ebook-convert"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		for _, name := range names {
			path := WriteScript(b.t, binDir, name, "#!/bin/sh\nexit 0\n")
			switch name {
			case "acsmdownloader":
				b.cfg.Tools.FulfillBinary = path
			case "adept_remove":
				b.cfg.Tools.StripBinary = path
			case "adept_activate":
				b.cfg.Tools.ActivateBinary = path
			case "ebook-convert":
				b.cfg.Tools.ConvertBinary = path
			}
		}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
