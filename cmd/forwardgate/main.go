// Command forwardgate runs the forwarding HTTP/1.1 proxy described in the
// repository's design: a bounded-concurrency accept loop that applies a
// host blocklist to each connection before forwarding plain HTTP requests
// or tunneling CONNECT traffic.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forwardgate/forwardgate/internal/accesslog"
	"github.com/forwardgate/forwardgate/internal/config"
	"github.com/forwardgate/forwardgate/internal/obslog"
	"github.com/forwardgate/forwardgate/internal/ruleset"
	"github.com/forwardgate/forwardgate/internal/supervisor"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-path>\n", filepath.Base(os.Args[0]))
		os.Exit(1)
	}

	if err := run(os.Args[1]); err != nil {
		obslog.For("main").Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	obslog.Init(cfg.LogLevel)
	log := obslog.For("main")

	if dir := filepath.Dir(cfg.LogFile); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
	}

	accessLog, err := accesslog.Open(cfg.LogFile, func(err error) {
		log.Warn().Err(err).Msg("access log write failed")
	})
	if err != nil {
		return fmt.Errorf("opening access log: %w", err)
	}
	defer accessLog.Close()

	rules := ruleset.New(cfg.BlockedDomainsFile, func(err error) {
		log.Warn().Err(err).Str("file", cfg.BlockedDomainsFile).
			Msg("rule file unreadable; degrading to fully permissive")
	})

	sv := supervisor.New(supervisor.Config{
		InitialReadTimeout: cfg.IOTimeout,
		ConnectTimeout:     cfg.ConnectTimeout,
		IOTimeout:          cfg.IOTimeout,
		ShutdownGrace:      cfg.ShutdownGrace,
		ConcurrencyLimit:   cfg.ThreadPoolSize,
	}, rules, accessLog)

	log.Info().
		Str("addr", cfg.Addr()).
		Int("concurrency", cfg.ThreadPoolSize).
		Int("backlog", cfg.Backlog).
		Str("rule_file", cfg.BlockedDomainsFile).
		Str("log_file", cfg.LogFile).
		Msg("forwardgate starting")

	if err := supervisor.RunUntilSignal(sv, cfg.Addr()); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	log.Info().Msg("forwardgate stopped")
	return nil
}
