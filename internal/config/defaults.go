package config

const (
	defaultUploadDir             = "~/.local/share/acsmconv/uploads"
	defaultWorkspaceDir          = "~/.local/share/acsmconv/workspaces"
	defaultOutputDir             = "~/.local/share/acsmconv/output"
	defaultStateDir              = "~/.local/share/acsmconv/state"
	defaultActivationDir         = "~/.config/adept"
	defaultFulfillBinary         = "acsmdownloader"
	defaultStripBinary           = "adept_remove"
	defaultActivateBinary        = "adept_activate"
	defaultFulfillTimeout        = 120
	defaultStripTimeout          = 60
	defaultConvertTimeout        = 600
	defaultActivateTimeout       = 30
	defaultKillGrace             = 5
	defaultMaxConcurrentJobs     = 2
	defaultOutputFormat          = "epub"
	defaultOutputRetentionHours  = 24
	defaultSweepInterval         = 900
	defaultJobRetentionHours     = 168
	defaultStaleWorkspaceMinutes = 120
	defaultHTTPBind              = "127.0.0.1:8080"
	defaultMaxUploadBytes        = 1 << 20
	defaultUploadsPerMinute      = 30
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			UploadDir:    defaultUploadDir,
			WorkspaceDir: defaultWorkspaceDir,
			OutputDir:    defaultOutputDir,
			StateDir:     defaultStateDir,
		},
		Activation: Activation{
			Dir: defaultActivationDir,
		},
		Tools: Tools{
			FulfillBinary:   defaultFulfillBinary,
			StripBinary:     defaultStripBinary,
			ActivateBinary:  defaultActivateBinary,
			FulfillTimeout:  defaultFulfillTimeout,
			StripTimeout:    defaultStripTimeout,
			ConvertTimeout:  defaultConvertTimeout,
			ActivateTimeout: defaultActivateTimeout,
			KillGrace:       defaultKillGrace,
		},
		Registry: Registry{
			MaxConcurrentJobs:    defaultMaxConcurrentJobs,
			SerializeFulfillment: true,
		},
		Output: Output{
			DefaultFormat:       defaultOutputFormat,
			RetentionHours:      defaultOutputRetentionHours,
			SweepInterval:       defaultSweepInterval,
			DeleteAfterDownload: true,
		},
		Jobs: Jobs{
			RetentionHours:        defaultJobRetentionHours,
			StaleWorkspaceMinutes: defaultStaleWorkspaceMinutes,
		},
		HTTP: HTTP{
			Bind:             defaultHTTPBind,
			MaxUploadBytes:   defaultMaxUploadBytes,
			UploadsPerMinute: defaultUploadsPerMinute,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
