package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/charcle/pkg/buildinfo"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return RunVersion(cmd.OutOrStdout(), buildinfo.Name, buildinfo.Version)
		},
	}
}

// RunVersion prints the application version.
func RunVersion(w io.Writer, appName, appVersion string) error {
	_, err := fmt.Fprintf(w, "%s version %s\n", appName, appVersion)
	return err
}
