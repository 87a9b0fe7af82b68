package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/licshare"
	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/pslog"
)

const shutdownTimeout = 10 * time.Second

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("LICSHARE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "licshare")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "licshare: %s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "licshare",
		Short:         "licshare shares a pool of licences between peers over a replicated log",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Register the sample licences, then show them
  licshare register
  licshare show

  # Two peers on one realm; the second dials the first
  licshare serve --realm team-a --listen :9450
  licshare use -l c1 --realm team-a --peer host-a:9450 --hold

  # Try the register/use/release loop against a shared realm
  licshare scenario --realm team-a --listen :9451 --peer host-a:9450
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path, err := loadConfigFile()
			if err != nil {
				return err
			}
			if path != "" {
				svcfields.WithSubsystem(baseLogger, "cli.root").Debug("config.loaded", "path", path)
			}
			return nil
		},
	}

	defaultDataDir, err := licshare.DefaultDataDir()
	if err != nil {
		defaultDataDir = ""
	}
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to a YAML config file (defaults to $HOME/.licshare/config.yaml when present)")
	flags.StringP("mandate", "m", licshare.DefaultMandate, "storage namespace of the local feeds")
	flags.StringP("realm", "r", "", "rendezvous realm (defaults to a prefix of the local writer key)")
	flags.StringSliceP("writers", "w", nil, "remote writer keys to merge before any peer connects")
	flags.StringSliceP("indexes", "i", nil, "remote reader keys to track before any peer connects")
	flags.String("identity", "", "user the node acquires leases as (defaults to <hostname>/<mandate>)")
	flags.String("data-dir", defaultDataDir, "directory holding the feeds (empty keeps them in memory)")
	flags.String("listen", "", "TCP address to accept peers on")
	flags.StringSlice("peer", nil, "peer address to dial (repeatable)")
	flags.Duration("lease-timeout", licshare.DefaultLeaseTimeout, "auto-release window for leases held by other peers")
	flags.Duration("sync-timeout", licshare.DefaultSyncTimeout, "how long one-shot commands wait for peers before acting")
	flags.Duration("dump-interval", licshare.DefaultDumpInterval, "interval of the periodic dump in serve mode")
	flags.BoolP("debug", "d", false, "print node info and the full view after every rebuild")
	flags.String("metrics-listen", licshare.DefaultMetricsListen, "address serving Prometheus metrics (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	bindFlags(flags)

	cmd.AddCommand(newServeCommand(baseLogger))
	cmd.AddCommand(newRegisterCommand(baseLogger))
	cmd.AddCommand(newUseCommand(baseLogger))
	cmd.AddCommand(newReleaseCommand(baseLogger))
	cmd.AddCommand(newScenarioCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

var configKeys = []string{
	"config", "mandate", "realm", "writers", "indexes", "identity", "data-dir",
	"listen", "peer", "lease-timeout", "sync-timeout", "dump-interval", "debug",
	"metrics-listen", "otlp-endpoint", "log-level",
}

// bindFlags makes every config key resolvable through viper with the
// precedence flag > LICSHARE_* env > config file > flag default.
func bindFlags(flags *pflag.FlagSet) {
	viper.SetEnvPrefix("LICSHARE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, name := range configKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
}

func bindConfig() (licshare.Config, error) {
	cfg := licshare.Config{
		Mandate:       viper.GetString("mandate"),
		Realm:         viper.GetString("realm"),
		Writers:       viper.GetStringSlice("writers"),
		Indexes:       viper.GetStringSlice("indexes"),
		Identity:      viper.GetString("identity"),
		DataDir:       viper.GetString("data-dir"),
		Listen:        viper.GetString("listen"),
		Peers:         viper.GetStringSlice("peer"),
		LeaseTimeout:  viper.GetDuration("lease-timeout"),
		SyncTimeout:   viper.GetDuration("sync-timeout"),
		DumpInterval:  viper.GetDuration("dump-interval"),
		Debug:         viper.GetBool("debug"),
		MetricsListen: viper.GetString("metrics-listen"),
		OTLPEndpoint:  viper.GetString("otlp-endpoint"),
	}
	if cfg.DataDir != "" {
		dir, err := expandPath(cfg.DataDir)
		if err != nil {
			return licshare.Config{}, fmt.Errorf("expand data dir %q: %w", cfg.DataDir, err)
		}
		cfg.DataDir = dir
	}
	if err := cfg.Validate(); err != nil {
		return licshare.Config{}, err
	}
	return cfg, nil
}

// levelLogger applies the configured log level to base.
func levelLogger(base pslog.Logger, raw string) pslog.Logger {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "info"
	}
	if level, ok := pslog.ParseLevel(raw); ok {
		return base.LogLevel(level)
	}
	base.Warn("cli.log_level.invalid", "value", raw)
	return base
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := licshare.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, licshare.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// session is a started node plus the logger commands report through.
type session struct {
	node   *licshare.Node
	cfg    licshare.Config
	logger pslog.Logger
}

func startSession(cmd *cobra.Command, baseLogger pslog.Logger, subsystem string) (*session, error) {
	cfg, err := bindConfig()
	if err != nil {
		return nil, err
	}
	logger := levelLogger(baseLogger, viper.GetString("log-level"))
	node, err := licshare.New(cfg, licshare.WithLogger(logger), licshare.WithOutput(cmd.ErrOrStderr()))
	if err != nil {
		return nil, err
	}
	if err := node.Start(cmd.Context()); err != nil {
		return nil, err
	}
	return &session{node: node, cfg: node.Config(), logger: svcfields.WithSubsystem(logger, subsystem)}, nil
}

// sync waits up to the sync timeout for a peer and its history. A node
// without configured peers acts on its local view straight away.
func (s *session) sync(ctx context.Context) {
	if len(s.cfg.Peers) == 0 && s.cfg.Listen == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()
	if err := s.node.WaitJoined(ctx, 1); err != nil {
		s.logger.Warn("cli.sync.no_peers", "timeout", s.cfg.SyncTimeout)
		return
	}
	if err := s.node.Sync(ctx); err != nil {
		s.logger.Warn("cli.sync.incomplete", "error", err)
	}
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.node.Close(ctx); err != nil {
		s.logger.Warn("cli.node.close_failed", "error", err)
	}
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
