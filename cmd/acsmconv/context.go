package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"acsmconv/internal/api"
	"acsmconv/internal/config"
	"acsmconv/internal/queue"
	"acsmconv/internal/queueaccess"
)

const daemonPingTimeout = 750 * time.Millisecond

type commandContext struct {
	configFlag *string

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.configPath = resolved
		c.configExists = exists
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// daemonClient returns an API client when a daemon answers on the configured
// bind address, or nil.
func (c *commandContext) daemonClient(ctx context.Context) *api.Client {
	cfg := c.configValue()
	if cfg == nil {
		return nil
	}
	client, err := api.NewClient(cfg.HTTP.Bind)
	if err != nil || client == nil {
		return nil
	}
	if !client.Ping(ctx, daemonPingTimeout) {
		return nil
	}
	return client
}

// withSession runs fn against the daemon API when it answers and against the
// job store otherwise.
func (c *commandContext) withSession(cmd *cobra.Command, fn func(queueaccess.Access) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	client, err := api.NewClient(cfg.HTTP.Bind)
	if err != nil {
		return fmt.Errorf("daemon address: %w", err)
	}
	session, err := queueaccess.OpenWithFallback(cmd.Context(), client, func() (*queue.Store, error) {
		return queue.Open(cfg.DatabasePath())
	})
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(session.Access)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
