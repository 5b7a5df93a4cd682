package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateTools(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	if err := c.validateRetention(); err != nil {
		return err
	}
	if err := c.validateHTTP(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	dirs := map[string]string{
		"paths.upload_dir":    c.Paths.UploadDir,
		"paths.workspace_dir": c.Paths.WorkspaceDir,
		"paths.output_dir":    c.Paths.OutputDir,
	}
	seen := make(map[string]string, len(dirs))
	for key, dir := range dirs {
		if dir == "" {
			return fmt.Errorf("%s must be set", key)
		}
		cleaned := filepath.Clean(dir)
		if other, ok := seen[cleaned]; ok {
			return fmt.Errorf("%s and %s must not point at the same directory", key, other)
		}
		seen[cleaned] = key
	}
	if c.Paths.StateDir == "" {
		return errors.New("paths.state_dir must be set")
	}
	return nil
}

func (c *Config) validateTools() error {
	return ensurePositiveMap(map[string]int{
		"tools.fulfill_timeout":  c.Tools.FulfillTimeout,
		"tools.strip_timeout":    c.Tools.StripTimeout,
		"tools.convert_timeout":  c.Tools.ConvertTimeout,
		"tools.activate_timeout": c.Tools.ActivateTimeout,
		"tools.kill_grace":       c.Tools.KillGrace,
	})
}

func (c *Config) validateRegistry() error {
	if c.Registry.MaxConcurrentJobs <= 0 {
		return errors.New("registry.max_concurrent_jobs must be positive")
	}
	return nil
}

func (c *Config) validateRetention() error {
	if c.Output.RetentionHours < 0 {
		return errors.New("output.retention_hours must be >= 0")
	}
	if c.Output.SweepInterval <= 0 {
		return errors.New("output.sweep_interval must be positive")
	}
	if c.Jobs.RetentionHours < 0 {
		return errors.New("jobs.retention_hours must be >= 0")
	}
	if c.Jobs.StaleWorkspaceMinutes <= 0 {
		return errors.New("jobs.stale_workspace_minutes must be positive")
	}
	return nil
}

func (c *Config) validateHTTP() error {
	if c.HTTP.UploadsPerMinute < 0 {
		return errors.New("http.uploads_per_minute must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
