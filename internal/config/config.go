package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	UploadDir    string `toml:"upload_dir"`
	WorkspaceDir string `toml:"workspace_dir"`
	OutputDir    string `toml:"output_dir"`
	StateDir     string `toml:"state_dir"`
}

// Activation points at the ADEPT device activation directory (device.xml,
// activation.xml, devicesalt).
type Activation struct {
	Dir string `toml:"dir"`
}

// Tools contains external binary locations and their timeouts (seconds).
type Tools struct {
	FulfillBinary   string   `toml:"fulfill_binary"`
	StripBinary     string   `toml:"strip_binary"`
	ActivateBinary  string   `toml:"activate_binary"`
	ConvertBinary   string   `toml:"convert_binary"`
	ConvertArgs     []string `toml:"convert_args"`
	FulfillTimeout  int      `toml:"fulfill_timeout"`
	StripTimeout    int      `toml:"strip_timeout"`
	ConvertTimeout  int      `toml:"convert_timeout"`
	ActivateTimeout int      `toml:"activate_timeout"`
	KillGrace       int      `toml:"kill_grace"`
}

// Registry bounds concurrent job execution.
type Registry struct {
	MaxConcurrentJobs    int  `toml:"max_concurrent_jobs"`
	SerializeFulfillment bool `toml:"serialize_fulfillment"`
}

// Output contains configuration for finished artifacts.
type Output struct {
	DefaultFormat       string `toml:"default_format"`
	RetentionHours      int    `toml:"retention_hours"`
	SweepInterval       int    `toml:"sweep_interval"`
	DeleteAfterDownload bool   `toml:"delete_after_download"`
}

// Jobs contains job record and workspace housekeeping settings.
type Jobs struct {
	RetentionHours        int `toml:"retention_hours"`
	StaleWorkspaceMinutes int `toml:"stale_workspace_minutes"`
}

// HTTP contains configuration for the daemon API.
type HTTP struct {
	Bind             string `toml:"bind"`
	MaxUploadBytes   int64  `toml:"max_upload_bytes"`
	UploadsPerMinute int    `toml:"uploads_per_minute"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for acsmconv.
//
// Configuration sections by subsystem:
//   - Paths: upload, workspace, output, and state directories
//   - Activation: ADEPT device credentials directory
//   - Tools: libgourou and Calibre binaries plus per-stage timeouts
//   - Registry: concurrency ceiling and fulfillment serialization
//   - Output: artifact format default and retention
//   - Jobs: job record retention and stale workspace reclamation
//   - HTTP: API bind address and upload limits
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Activation Activation `toml:"activation"`
	Tools      Tools      `toml:"tools"`
	Registry   Registry   `toml:"registry"`
	Output     Output     `toml:"output"`
	Jobs       Jobs       `toml:"jobs"`
	HTTP       HTTP       `toml:"http"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/acsmconv/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("acsmconv.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon and CLI write into.
// The activation directory is deliberately left alone: it is created only by
// device registration.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.UploadDir, c.Paths.WorkspaceDir, c.Paths.OutputDir, c.Paths.StateDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the job store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "jobs.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "acsmconv.lock")
}

// ActivationLockDir holds the cross-process fulfillment locks.
func (c *Config) ActivationLockDir() string {
	return filepath.Join(c.Paths.StateDir, "locks")
}

// CoverDir returns where extracted book covers are cached.
func (c *Config) CoverDir() string {
	return filepath.Join(c.Paths.StateDir, "covers")
}

// LogPath returns the daemon log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.StateDir, "acsmconv.log")
}

// FulfillTimeout returns the fulfillment tool deadline.
func (c *Config) FulfillTimeout() time.Duration {
	return seconds(c.Tools.FulfillTimeout)
}

// StripTimeout returns the DRM removal tool deadline.
func (c *Config) StripTimeout() time.Duration {
	return seconds(c.Tools.StripTimeout)
}

// ConvertTimeout returns the conversion tool deadline.
func (c *Config) ConvertTimeout() time.Duration {
	return seconds(c.Tools.ConvertTimeout)
}

// ActivateTimeout returns the device registration deadline.
func (c *Config) ActivateTimeout() time.Duration {
	return seconds(c.Tools.ActivateTimeout)
}

// KillGrace is how long a cancelled tool gets between SIGTERM and SIGKILL.
func (c *Config) KillGrace() time.Duration {
	return seconds(c.Tools.KillGrace)
}

// OutputRetention returns how long finished artifacts stay in the output area.
func (c *Config) OutputRetention() time.Duration {
	return time.Duration(c.Output.RetentionHours) * time.Hour
}

// SweepInterval returns how often the daemon runs retention sweeps.
func (c *Config) SweepInterval() time.Duration {
	return seconds(c.Output.SweepInterval)
}

// JobRetention returns how long terminal job records are kept.
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.Jobs.RetentionHours) * time.Hour
}

// StaleWorkspaceAge returns the age after which orphaned workspaces are reclaimed.
func (c *Config) StaleWorkspaceAge() time.Duration {
	return time.Duration(c.Jobs.StaleWorkspaceMinutes) * time.Minute
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
