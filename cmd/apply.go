package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var applyFile string

var applyCmd = &cobra.Command{
	Use:   "apply [directive...]",
	Short: "Apply configuration directives",
	Long: `Apply configuration directives through the daemon's remote configuration
path, as if sent by a configure request. Each argument is one directive, or
use -f to read directives from a file ("-" for stdin).

Examples:
  ntpctl apply "setvar location = rack 4 default"
  ntpctl apply -f changes.conf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := applyText(args, applyFile, cmd.InOrStdin())
		if err != nil {
			return err
		}
		return runApply(cmd.Context(), daemonClient(), cmd.OutOrStdout(), text)
	},
}

func applyText(args []string, file string, stdin io.Reader) (string, error) {
	switch {
	case file == "-":
		b, err := io.ReadAll(stdin)
		return string(b), err
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read file %s: %w", file, err)
		}
		return string(b), nil
	case len(args) > 0:
		return strings.Join(args, "\n"), nil
	}
	return "", fmt.Errorf("no directives given")
}

func runApply(ctx context.Context, client DaemonClient, out io.Writer, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("no directives given")
	}
	if err := client.ApplyConfig(ctx, text); err != nil {
		return fmt.Errorf("failed to apply configuration: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration applied")
	return nil
}

func init() {
	applyCmd.Flags().StringVarP(&applyFile, "file", "f", "", "file with one directive per line")
	rootCmd.AddCommand(applyCmd)
}
