package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"acsmconv/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("PORT", "")
	t.Setenv("ACSMCONV_ACTIVATION_DIR", "")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantUploads := filepath.Join(tempHome, ".local", "share", "acsmconv", "uploads")
	if cfg.Paths.UploadDir != wantUploads {
		t.Fatalf("unexpected upload dir: got %q want %q", cfg.Paths.UploadDir, wantUploads)
	}
	if cfg.Activation.Dir != filepath.Join(tempHome, ".config", "adept") {
		t.Fatalf("unexpected activation dir: %q", cfg.Activation.Dir)
	}
	if cfg.HTTP.Bind != "127.0.0.1:8080" {
		t.Fatalf("unexpected bind: %q", cfg.HTTP.Bind)
	}
	if cfg.FulfillTimeout() != 120*time.Second {
		t.Fatalf("unexpected fulfill timeout: %s", cfg.FulfillTimeout())
	}
	if cfg.StripTimeout() != 60*time.Second {
		t.Fatalf("unexpected strip timeout: %s", cfg.StripTimeout())
	}
	if !cfg.Registry.SerializeFulfillment {
		t.Fatal("expected fulfillment serialization enabled by default")
	}
	if cfg.Output.DefaultFormat != "epub" {
		t.Fatalf("unexpected default format: %q", cfg.Output.DefaultFormat)
	}
	if cfg.DatabasePath() != filepath.Join(tempHome, ".local", "share", "acsmconv", "state", "jobs.db") {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath())
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("PORT", "")
	t.Setenv("ACSMCONV_ACTIVATION_DIR", "")

	configPath := filepath.Join(t.TempDir(), "config.toml")
	payload := struct {
		Paths struct {
			UploadDir string `toml:"upload_dir"`
			OutputDir string `toml:"output_dir"`
		} `toml:"paths"`
		Tools struct {
			ConvertArgs []string `toml:"convert_args"`
		} `toml:"tools"`
		Output struct {
			DefaultFormat string `toml:"default_format"`
		} `toml:"output"`
		Registry struct {
			MaxConcurrentJobs int `toml:"max_concurrent_jobs"`
		} `toml:"registry"`
	}{}
	payload.Paths.UploadDir = "~/in"
	payload.Paths.OutputDir = "~/out"
	payload.Tools.ConvertArgs = []string{" --no-default-epub-cover ", ""}
	payload.Output.DefaultFormat = ".MOBI"
	payload.Registry.MaxConcurrentJobs = 4

	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config to exist")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Paths.UploadDir != filepath.Join(tempHome, "in") {
		t.Fatalf("unexpected upload dir: %q", cfg.Paths.UploadDir)
	}
	if cfg.Output.DefaultFormat != "mobi" {
		t.Fatalf("expected normalized format mobi, got %q", cfg.Output.DefaultFormat)
	}
	if len(cfg.Tools.ConvertArgs) != 1 || cfg.Tools.ConvertArgs[0] != "--no-default-epub-cover" {
		t.Fatalf("unexpected convert args: %v", cfg.Tools.ConvertArgs)
	}
	if cfg.Registry.MaxConcurrentJobs != 4 {
		t.Fatalf("unexpected max concurrent jobs: %d", cfg.Registry.MaxConcurrentJobs)
	}
	if cfg.Tools.FulfillBinary != "acsmdownloader" {
		t.Fatalf("expected default fulfill binary, got %q", cfg.Tools.FulfillBinary)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("PORT", "9191")
	t.Setenv("ACSMCONV_ACTIVATION_DIR", "~/custom-adept")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HTTP.Bind != "0.0.0.0:9191" {
		t.Fatalf("expected PORT to override bind, got %q", cfg.HTTP.Bind)
	}
	if cfg.Activation.Dir != filepath.Join(tempHome, "custom-adept") {
		t.Fatalf("expected env activation dir, got %q", cfg.Activation.Dir)
	}
}

func TestCreateSample(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	content := string(data)
	for _, section := range []string{"[paths]", "[activation]", "[tools]", "[registry]", "[http]"} {
		if !strings.Contains(content, section) {
			t.Fatalf("sample config missing %s", section)
		}
	}

	t.Setenv("HOME", t.TempDir())
	t.Setenv("PORT", "")
	t.Setenv("ACSMCONV_ACTIVATION_DIR", "")
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config should load cleanly: %v", err)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	base := func() config.Config {
		cfg := config.Default()
		cfg.Paths.UploadDir = "/tmp/a"
		cfg.Paths.WorkspaceDir = "/tmp/b"
		cfg.Paths.OutputDir = "/tmp/c"
		cfg.Paths.StateDir = "/tmp/d"
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero concurrency", func(c *config.Config) { c.Registry.MaxConcurrentJobs = 0 }, "max_concurrent_jobs"},
		{"zero strip timeout", func(c *config.Config) { c.Tools.StripTimeout = 0 }, "strip_timeout"},
		{"shared directories", func(c *config.Config) { c.Paths.OutputDir = c.Paths.UploadDir }, "same directory"},
		{"negative retention", func(c *config.Config) { c.Output.RetentionHours = -1 }, "retention_hours"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			if err := cfg.Validate(); err != nil {
				t.Fatalf("baseline should validate: %v", err)
			}
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.UploadDir = filepath.Join(root, "uploads")
	cfg.Paths.WorkspaceDir = filepath.Join(root, "work")
	cfg.Paths.OutputDir = filepath.Join(root, "out")
	cfg.Paths.StateDir = filepath.Join(root, "state")
	cfg.Activation.Dir = filepath.Join(root, "adept")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.UploadDir, cfg.Paths.WorkspaceDir, cfg.Paths.OutputDir, cfg.Paths.StateDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
	if _, err := os.Stat(cfg.Activation.Dir); !os.IsNotExist(err) {
		t.Fatalf("activation dir must not be created, stat err=%v", err)
	}
}
