package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ntpctl/internal/daemon"
	"firestige.xyz/ntpctl/internal/log"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the ntpctl daemon in foreground",
	Long: `Run the ntpctl daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Open the mode-6 UDP listeners and the control engine
  4. Start UDS server for CLI control
  5. Start Kafka command consumer (if configured)
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			log.GetLogger().WithError(err).Error("daemon failed")
			os.Exit(1)
		}
	},
}

// startCmd starts the daemon in the background.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the ntpctl daemon in background",
	Long: `Start the ntpctl daemon as a detached process and wait until its control
socket answers. Does nothing if a daemon already answers on the socket.

Examples:
  ntpctl start                                  # default config and socket
  ntpctl start -c ntpctl.yml --log /tmp/d.log   # keep daemon stdout/stderr`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := daemon.Spawn(cmd.Context(), daemon.SpawnOptions{
			ConfigPath: configFile,
			SocketPath: resolveSocket(),
			PIDFile:    pidFile,
			LogPath:    startLogPath,
			Wait:       startWait,
		})
		if err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		if pid == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "daemon is already running")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Daemon started (pid %d)\n", pid)
		return nil
	},
}

var (
	pidFile      string
	startLogPath string
	startWait    time.Duration
)

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pid-file", "p", "",
		"PID file path (default: control.pid_file from the config file)")
	startCmd.Flags().StringVarP(&pidFile, "pid-file", "p", "",
		"PID file path (default: control.pid_file from the config file)")
	startCmd.Flags().StringVar(&startLogPath, "log", "", "file receiving daemon stdout and stderr")
	startCmd.Flags().DurationVar(&startWait, "wait", 3*time.Second, "how long to wait for the control socket")
	rootCmd.AddCommand(daemonCmd, startCmd)
}

func runDaemon() error {
	fmt.Println("Starting ntpctl daemon...")
	fmt.Printf("Config: %s\n", configFile)

	// Create daemon instance
	d, err := daemon.New(configFile, socketPath, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	// Start all components
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
