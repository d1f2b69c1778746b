package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/paulschiretz/charcle/pkg/buildinfo"
	"github.com/paulschiretz/charcle/pkg/config"
	"github.com/paulschiretz/charcle/pkg/plog"
)

func newInitCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the current settings",
		Long: `Init writes ` + config.ConfigFileName + ` with the defaults, the values of an
existing config file and any flags given on the command line. Use it to pin
settings such as --from or --exclude for later runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return RunInit(cmd.Flags(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	addSyncFlags(c.Flags())
	_ = c.Flags().MarkHidden("list")
	_ = c.Flags().MarkHidden("quiet")
	c.Flags().Bool("force", false, "Overwrite an existing config file without asking")
	c.Flags().Bool("default", false, "Start from the defaults instead of the existing config file")
	return c
}

// RunInit handles the logic for the 'init' command.
func RunInit(flags *pflag.FlagSet, in io.Reader, out io.Writer) error {
	path, _ := flags.GetString("config")
	if path == "" {
		path = config.ConfigFileName
	}
	absConfigFilePath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("could not determine absolute config path for %s: %w", path, err)
	}

	force, _ := flags.GetBool("force")
	initDefault, _ := flags.GetBool("default")

	_, statErr := os.Stat(absConfigFilePath)
	exists := statErr == nil

	var baseConfig config.Config
	if initDefault || !exists {
		baseConfig = config.NewDefault()
	} else {
		// Keep the existing settings; a broken file is replaced by defaults.
		baseConfig, err = config.Load(absConfigFilePath)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	runConfig, err := config.MergeFlags(baseConfig, flags)
	if err != nil {
		return err
	}
	if err := runConfig.ValidateSettings(); err != nil {
		return err
	}

	if exists && !force {
		fmt.Fprintf(out, "WARNING: Configuration file already exists at %s.\n", absConfigFilePath)
		if initDefault {
			fmt.Fprintln(out, "Using --default will overwrite it with default values. All custom settings will be lost.")
		}
		if !PromptForConfirmation(in, out, "Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " init operation canceled.")
			return nil
		}
	}

	if err := config.Save(runConfig, absConfigFilePath); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(in io.Reader, out io.Writer, prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Fprintf(out, "%s %s: ", prompt, suffix)

	response, _ := bufio.NewReader(in).ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
