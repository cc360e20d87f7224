package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/daemon"
)

var stopWait time.Duration

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the ntpctl daemon",
	Long: `Stop the ntpctl daemon gracefully.

This command sends a shutdown request over the Unix Domain Socket. If the
socket does not answer, the process named in the PID file gets SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), daemonClient(), cmd.OutOrStdout(), resolvePIDFile(), stopWait)
	},
}

// runStop asks over the socket first and falls back to the PID file.
func runStop(ctx context.Context, client DaemonClient, out io.Writer, pidPath string, wait time.Duration) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}
	if pidPath == "" {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintf(out, "socket unavailable (%v), signalling pid file %s\n", err, pidPath)
	if perr := daemon.StopByPIDFile(pidPath, wait); perr != nil {
		return fmt.Errorf("failed to stop daemon: %w", perr)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}

// resolvePIDFile returns the pid-file flag, else control.pid_file from the
// config file.
func resolvePIDFile() string {
	if pidFile != "" {
		return pidFile
	}
	if cfg, err := config.Load(configFile); err == nil {
		return cfg.Control.PIDFile
	}
	return ""
}

func init() {
	stopCmd.Flags().StringVarP(&pidFile, "pid-file", "p", "", "PID file used when the socket does not answer")
	stopCmd.Flags().DurationVar(&stopWait, "wait", 10*time.Second, "how long to wait for the process to exit")
	rootCmd.AddCommand(stopCmd)
}
