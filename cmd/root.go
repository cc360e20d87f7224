// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/system"
)

const (
	defaultConfigFile = "/etc/ntpctl/ntpctl.yml"
	defaultSocketPath = "/var/run/ntpctl.sock"
)

var (
	// Global flags
	configFile string
	socketPath string
	rpcTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ntpctl",
	Short: "ntpctl - NTP mode-6 control daemon and query tool",
	Long: `ntpctl serves the NTP mode-6 control protocol: the query and remote
configuration interface spoken by ntpq.

The daemon answers readstat, readvar, writevar, configure, saveconfig, ordered
list and MRU requests, delivers asynchronous traps, and is managed locally over
a Unix Domain Socket or remotely through Kafka commands.

The query subcommands talk mode 6 to any server, ntpd included.`,
	Version:      strings.TrimPrefix(system.Version, "ntpctl "),
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile,
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default: control.socket from the config file)")
	rootCmd.PersistentFlags().DurationVar(&rpcTimeout, "rpc-timeout", 10*time.Second,
		"timeout of daemon socket calls")
}

// resolveSocket returns the socket flag, else control.socket from the config
// file, else the built-in default.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, err := config.Load(configFile); err == nil && cfg.Control.Socket != "" {
		return cfg.Control.Socket
	}
	return defaultSocketPath
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
