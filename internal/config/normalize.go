package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeActivation(); err != nil {
		return err
	}
	c.normalizeTools()
	c.normalizeOutput()
	c.normalizeHTTP()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	fields := []struct {
		key      string
		value    *string
		fallback string
	}{
		{"paths.upload_dir", &c.Paths.UploadDir, defaultUploadDir},
		{"paths.workspace_dir", &c.Paths.WorkspaceDir, defaultWorkspaceDir},
		{"paths.output_dir", &c.Paths.OutputDir, defaultOutputDir},
		{"paths.state_dir", &c.Paths.StateDir, defaultStateDir},
	}
	for _, field := range fields {
		if strings.TrimSpace(*field.value) == "" {
			*field.value = field.fallback
		}
		expanded, err := expandPath(strings.TrimSpace(*field.value))
		if err != nil {
			return fmt.Errorf("%s: %w", field.key, err)
		}
		*field.value = expanded
	}
	return nil
}

func (c *Config) normalizeActivation() error {
	if value, ok := os.LookupEnv("ACSMCONV_ACTIVATION_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Activation.Dir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Activation.Dir) == "" {
		c.Activation.Dir = defaultActivationDir
	}
	var err error
	if c.Activation.Dir, err = expandPath(strings.TrimSpace(c.Activation.Dir)); err != nil {
		return fmt.Errorf("activation.dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeTools() {
	c.Tools.FulfillBinary = strings.TrimSpace(c.Tools.FulfillBinary)
	if c.Tools.FulfillBinary == "" {
		c.Tools.FulfillBinary = defaultFulfillBinary
	}
	c.Tools.StripBinary = strings.TrimSpace(c.Tools.StripBinary)
	if c.Tools.StripBinary == "" {
		c.Tools.StripBinary = defaultStripBinary
	}
	c.Tools.ActivateBinary = strings.TrimSpace(c.Tools.ActivateBinary)
	if c.Tools.ActivateBinary == "" {
		c.Tools.ActivateBinary = defaultActivateBinary
	}
	// Empty ConvertBinary means "discover ebook-convert at runtime".
	c.Tools.ConvertBinary = strings.TrimSpace(c.Tools.ConvertBinary)

	args := make([]string, 0, len(c.Tools.ConvertArgs))
	for _, arg := range c.Tools.ConvertArgs {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			args = append(args, trimmed)
		}
	}
	c.Tools.ConvertArgs = args
}

func (c *Config) normalizeOutput() {
	format := strings.ToLower(strings.TrimSpace(c.Output.DefaultFormat))
	format = strings.TrimPrefix(format, ".")
	if format == "" {
		format = defaultOutputFormat
	}
	c.Output.DefaultFormat = format
}

func (c *Config) normalizeHTTP() {
	c.HTTP.Bind = strings.TrimSpace(c.HTTP.Bind)
	if port, ok := os.LookupEnv("PORT"); ok && strings.TrimSpace(port) != "" {
		c.HTTP.Bind = "0.0.0.0:" + strings.TrimSpace(port)
	}
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = defaultHTTPBind
	}
	if c.HTTP.MaxUploadBytes <= 0 {
		c.HTTP.MaxUploadBytes = defaultMaxUploadBytes
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
