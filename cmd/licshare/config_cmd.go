package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/licshare"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage licshare configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.licshare/config.yaml"
	if dir, err := licshare.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, licshare.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default licshare configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := licshare.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, licshare.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent root flags; keys match flag names so
// viper reads the file back unchanged.
type configDefaults struct {
	Mandate       string   `yaml:"mandate"`
	Realm         string   `yaml:"realm"`
	Writers       []string `yaml:"writers"`
	Indexes       []string `yaml:"indexes"`
	Identity      string   `yaml:"identity"`
	DataDir       string   `yaml:"data-dir"`
	Listen        string   `yaml:"listen"`
	Peer          []string `yaml:"peer"`
	LeaseTimeout  string   `yaml:"lease-timeout"`
	SyncTimeout   string   `yaml:"sync-timeout"`
	DumpInterval  string   `yaml:"dump-interval"`
	Debug         bool     `yaml:"debug"`
	MetricsListen string   `yaml:"metrics-listen"`
	OTLPEndpoint  string   `yaml:"otlp-endpoint"`
	LogLevel      string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	dataDir := ""
	if dir, err := licshare.DefaultDataDir(); err == nil {
		dataDir = dir
	}
	defaults := configDefaults{
		Mandate:       licshare.DefaultMandate,
		Writers:       []string{},
		Indexes:       []string{},
		DataDir:       dataDir,
		Peer:          []string{},
		LeaseTimeout:  licshare.DefaultLeaseTimeout.String(),
		SyncTimeout:   licshare.DefaultSyncTimeout.String(),
		DumpInterval:  licshare.DefaultDumpInterval.String(),
		MetricsListen: licshare.DefaultMetricsListen,
		LogLevel:      "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
