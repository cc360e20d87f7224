package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/ntpctl/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Long: `Load and validate a daemon configuration file without starting anything.
Defaults to the --config path.

Examples:
  ntpctl validate
  ntpctl validate /etc/ntpctl/ntpctl.yml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if len(args) == 1 {
			path = args[0]
		}
		return runValidate(path, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(out, "INVALID: %v\n", err)
		return err
	}
	fmt.Fprintf(out, "VALID: %s: %d listener(s), %d key(s), %d restriction(s), %d peer(s), %d trap(s)\n",
		path,
		len(cfg.Server.Listen),
		len(cfg.Keys),
		len(cfg.Restrict),
		len(cfg.Peers),
		len(cfg.Traps),
	)
	return nil
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
