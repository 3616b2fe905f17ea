package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/loqalabs/standup-recorder/internal/bus"
	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/store"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

// logger is quiet: command output goes to stdout, diagnostics are dropped.
func (c *commandContext) logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// withStore opens the history store for the duration of fn. The store holds
// an exclusive lock, so this fails while the daemon is running.
func (c *commandContext) withStore(ctx context.Context, fn func(*store.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.Store, c.logger())
	if err != nil {
		return fmt.Errorf("open history (is standupd running? use GET /api/reports instead): %w", err)
	}
	defer st.Close()
	return fn(st)
}

// withBus connects to the daemon's NATS server.
func (c *commandContext) withBus(ctx context.Context, fn func(*bus.Client) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	client, err := bus.Connect(ctx, daemonBusConfig(cfg.Bus), c.logger())
	if err != nil {
		return fmt.Errorf("connect to standupd: %w", err)
	}
	defer client.Close()
	return fn(client)
}

// daemonBusConfig points at the embedded server when the daemon runs one.
func daemonBusConfig(cfg config.BusConfig) config.BusConfig {
	out := cfg
	out.StoreDir = ""
	if cfg.Embedded {
		host := cfg.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		out.Servers = []string{fmt.Sprintf("nats://%s:%d", host, cfg.Port)}
	}
	return out
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
