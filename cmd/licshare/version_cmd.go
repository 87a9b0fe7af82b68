package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/licshare/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the licshare version",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := version.Read()
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s %s\n", b.Module, b.Version); err != nil {
				return err
			}
			if !verbose || b.Revision == "" {
				return nil
			}
			_, err := fmt.Fprintf(out, "revision %s (%s) modified=%v\n", b.Revision, b.Time.Format("2006-01-02T15:04:05Z"), b.Modified)
			return err
		},
	}
	cmd.Flags().BoolVar(&verbose, "vcs", false, "also print the VCS revision the binary was built from")
	return cmd
}
