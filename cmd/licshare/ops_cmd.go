package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/licshare"
	"pkt.systems/licshare/api"
	"pkt.systems/pslog"
)

// sampleLicences is the set registered when register is called without
// arguments.
var sampleLicences = []string{"token:comptabilité", "token:salaire", "token:facturation"}

func newRegisterCommand(baseLogger pslog.Logger) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "register [data...]",
		Short: "Register licences and print every registered licence",
		Long: `Register licences. Each data argument is registered under the sha256 of
its contents. With --id a single licence is registered under that id. Without
arguments a sample set is registered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id != "" && len(args) > 1 {
				return fmt.Errorf("--id takes at most one data argument")
			}
			ctx := cmd.Context()
			s, err := startSession(cmd, baseLogger, "cli.register")
			if err != nil {
				return err
			}
			defer s.close()
			s.sync(ctx)
			switch {
			case id != "":
				data := ""
				if len(args) == 1 {
					data = args[0]
				}
				if err := s.node.Register(ctx, id, data); err != nil {
					return err
				}
			default:
				if len(args) == 0 {
					args = sampleLicences
				}
				for _, data := range args {
					if _, err := s.node.RegisterData(ctx, data); err != nil {
						return err
					}
				}
			}
			return printLicences(cmd.OutOrStdout(), s.node)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "register a single licence under this id")
	return cmd
}

func newUseCommand(baseLogger pslog.Logger) *cobra.Command {
	var licence, user string
	var hold bool
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "use",
		Short: "Acquire a licence",
		RunE: func(cmd *cobra.Command, args []string) error {
			if licence == "" {
				return fmt.Errorf("--licence is required")
			}
			ctx := cmd.Context()
			s, err := startSession(cmd, baseLogger, "cli.use")
			if err != nil {
				return err
			}
			defer s.close()
			s.sync(ctx)
			if user == "" {
				user = s.cfg.Identity
			}
			if err := printLicences(cmd.OutOrStdout(), s.node); err != nil {
				return err
			}
			if err := printUsage(cmd.OutOrStdout(), s.node); err != nil {
				return err
			}
			ok, err := s.node.Use(ctx, licence, user)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "usable: %v\n", ok)
			if !ok {
				return fmt.Errorf("licence %s is not available", api.CanonicalLicenceID(licence))
			}
			if !hold {
				return nil
			}
			s.logger.Info("cli.use.holding", "licence", api.CanonicalLicenceID(licence), "user", user)
			err = s.node.KeepAlive(ctx, licence, user, every)
			if errors.Is(err, licshare.ErrLeaseLost) {
				return err
			}
			releaseCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := s.node.Release(releaseCtx, licence); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", api.CanonicalLicenceID(licence))
			return nil
		},
	}
	cmd.Flags().StringVarP(&licence, "licence", "l", "", "licence id (c1 or licence@c1)")
	cmd.Flags().StringVar(&user, "user", "", "user to acquire as (defaults to --identity, itself <hostname>/<mandate>)")
	cmd.Flags().BoolVar(&hold, "hold", false, "keep renewing until interrupted, then release")
	cmd.Flags().DurationVar(&every, "renew-every", 0, "renewal interval with --hold (defaults to half the lease timeout)")
	return cmd
}

func newReleaseCommand(baseLogger pslog.Logger) *cobra.Command {
	var licence string
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release a licence",
		RunE: func(cmd *cobra.Command, args []string) error {
			if licence == "" {
				return fmt.Errorf("--licence is required")
			}
			ctx := cmd.Context()
			s, err := startSession(cmd, baseLogger, "cli.release")
			if err != nil {
				return err
			}
			defer s.close()
			s.sync(ctx)
			if err := s.node.Release(ctx, licence); err != nil {
				return err
			}
			return printUsage(cmd.OutOrStdout(), s.node)
		},
	}
	cmd.Flags().StringVarP(&licence, "licence", "l", "", "licence id (c1 or licence@c1)")
	return cmd
}

// Intervals of the scenario loop.
var (
	scenarioHold       = 10 * time.Second
	scenarioAfterUse   = 5 * time.Second
	scenarioRetryDelay = 2 * time.Second
)

func newScenarioCommand(baseLogger pslog.Logger) *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Register c1 and loop: use it for a while, release, retry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := startSession(cmd, baseLogger, "cli.scenario")
			if err != nil {
				return err
			}
			defer s.close()
			s.sync(ctx)
			if err := s.node.Register(ctx, "c1", "token:comptabilité"); err != nil {
				return err
			}
			return runScenario(ctx, cmd.OutOrStdout(), s.node, s.cfg.Identity, rounds)
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 0, "stop after this many successful uses (0 runs until interrupted)")
	return cmd
}

func runScenario(ctx context.Context, out io.Writer, node *licshare.Node, user string, rounds int) error {
	const licence = "licence@c1"
	used := 0
	for {
		fmt.Fprintln(out, "try using...")
		ok, err := node.Use(ctx, licence, user)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "usable: %v\n", ok)
		wait := scenarioRetryDelay
		if ok {
			fmt.Fprintf(out, "using for %s\n", scenarioHold)
			if !sleep(ctx, scenarioHold) {
				return nil
			}
			if err := node.Release(ctx, licence); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Fprintln(out, "using... done")
			used++
			if rounds > 0 && used >= rounds {
				return nil
			}
			wait = scenarioAfterUse
		} else {
			fmt.Fprintln(out, "using... failed")
		}
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func printLicences(w io.Writer, node *licshare.Node) error {
	for l := range node.AllRegistered() {
		if _, err := fmt.Fprintf(w, "%s: %s\n", api.LicenceKey(l.ID), l.Data); err != nil {
			return err
		}
	}
	return nil
}

func printUsage(w io.Writer, node *licshare.Node) error {
	for u := range node.AllUsage() {
		if _, err := fmt.Fprintf(w, "%s: held by %s\n", u.LicenceID, u.User); err != nil {
			return err
		}
	}
	return nil
}
