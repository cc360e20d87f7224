package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/ntpctl/internal/command"
)

// trapsCmd represents the traps command group
var trapsCmd = &cobra.Command{
	Use:   "traps",
	Short: "Manage trap receivers",
	Long: `Manage the asynchronous trap receivers of the daemon.

Subcommands:
  list   - List trap receivers
  set    - Configure a trap receiver
  clear  - Remove a configured trap receiver`,
}

var trapsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trap receivers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrapsList(cmd.Context(), daemonClient(), cmd.OutOrStdout())
	},
}

var trapsSetCmd = &cobra.Command{
	Use:   "set <address>",
	Short: "Configure a trap receiver",
	Long: `Configure a trap receiver like the trap directive does.

Examples:
  ntpctl traps set 192.0.2.50
  ntpctl traps set 192.0.2.50 --port 2000 --interface 192.0.2.1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrapSet(cmd.Context(), daemonClient(), cmd.OutOrStdout(), trapParams(args[0]))
	},
}

var trapsClearCmd = &cobra.Command{
	Use:   "clear <address>",
	Short: "Remove a configured trap receiver",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTrapClear(cmd.Context(), daemonClient(), cmd.OutOrStdout(), trapParams(args[0]))
	},
}

var (
	trapPort      int
	trapInterface string
)

func trapParams(addr string) command.TrapParams {
	return command.TrapParams{Address: addr, Port: trapPort, Interface: trapInterface}
}

func runTrapsList(ctx context.Context, client DaemonClient, out io.Writer) error {
	list, err := client.Traps(ctx)
	if err != nil {
		return fmt.Errorf("failed to list traps: %w", err)
	}
	if len(list.Traps) == 0 {
		fmt.Fprintln(out, "No trap receivers.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tLOCAL\tVERSION\tSEQUENCE\tRESETS\tFLAGS")
	for _, t := range list.Traps {
		flags := "-"
		switch {
		case t.Configured && t.NonPrio:
			flags = "configured,nonprio"
		case t.Configured:
			flags = "configured"
		case t.NonPrio:
			flags = "nonprio"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", t.Addr, t.Local, t.Version, t.Sequence, t.Resets, flags)
	}
	return tw.Flush()
}

func runTrapSet(ctx context.Context, client DaemonClient, out io.Writer, p command.TrapParams) error {
	if err := client.SetTrap(ctx, p); err != nil {
		return fmt.Errorf("failed to set trap: %w", err)
	}
	fmt.Fprintf(out, "✓ Trap set for %s\n", p.Address)
	return nil
}

func runTrapClear(ctx context.Context, client DaemonClient, out io.Writer, p command.TrapParams) error {
	if err := client.ClearTrap(ctx, p); err != nil {
		return fmt.Errorf("failed to clear trap: %w", err)
	}
	fmt.Fprintf(out, "✓ Trap cleared for %s\n", p.Address)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{trapsSetCmd, trapsClearCmd} {
		c.Flags().IntVar(&trapPort, "port", 0, "receiver port (default 18447)")
		c.Flags().StringVar(&trapInterface, "interface", "", "local address traps are sent from")
	}
	trapsCmd.AddCommand(trapsListCmd, trapsSetCmd, trapsClearCmd)
	rootCmd.AddCommand(trapsCmd)
}
