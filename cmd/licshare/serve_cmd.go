package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/pslog"
)

func newServeCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"show"},
		Short:   "Run a node, print the shared licences and keep serving peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := startSession(cmd, baseLogger, "cli.serve")
			if err != nil {
				return err
			}
			defer s.close()
			s.sync(ctx)
			fmt.Fprint(cmd.OutOrStdout(), s.node.Dump())

			var logger atomic.Pointer[pslog.Logger]
			logger.Store(&s.logger)
			if path := viper.ConfigFileUsed(); path != "" {
				err := watchConfig(ctx, path, s.logger, func() {
					if err := viper.ReadInConfig(); err != nil {
						s.logger.Warn("cli.config.reload_failed", "path", path, "error", err)
						return
					}
					level := viper.GetString("log-level")
					next := svcfields.WithSubsystem(levelLogger(baseLogger, level), "cli.serve")
					logger.Store(&next)
					next.Info("cli.config.reloaded", "path", path, "log_level", level)
				})
				if err != nil {
					s.logger.Warn("cli.config.watch_failed", "path", path, "error", err)
				}
			}

			info := s.node.Info()
			s.logger.Info("cli.serve.running", "realm", info.Realm, "identity", info.Identity, "writer", info.Writer, "listen", s.cfg.Listen)
			ticker := time.NewTicker(s.cfg.DumpInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					reportState(*logger.Load(), s)
				}
			}
		},
	}
}

func reportState(logger pslog.Logger, s *session) {
	var licences, usages int
	for range s.node.AllRegistered() {
		licences++
	}
	var holders []string
	for u := range s.node.AllUsage() {
		usages++
		holders = append(holders, u.LicenceID+"="+u.User)
	}
	info := s.node.Info()
	logger.Info("cli.serve.state",
		"licences", licences,
		"usages", usages,
		"holders", holders,
		"peers", info.Peers,
		"length", info.Length,
		"started", humanize.Time(info.StartedAt),
	)
}

// watchConfig calls onChange whenever path is written or replaced. The
// parent directory is watched so editors that rename over the file are seen.
func watchConfig(ctx context.Context, path string, logger pslog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Debug("cli.config.watch_error", "error", err)
			}
		}
	}()
	return nil
}
