package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/replay"
)

var (
	replayOut   string
	replayPort  uint16
	replayLimit int
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Replay captured mode-6 requests through an offline engine",
	Long: `Feed the mode-6 requests of a pcap or pcapng capture through a control
engine built from the configuration file, without opening any socket, and
print request, reply, error and drop counts as JSON.

Restrictions and the MRU list of the configuration apply as on a live server.
saveconfig writes to memory only.

Examples:
  ntpctl replay -c ntpctl.yml ntpq.pcap
  ntpctl replay ntpq.pcapng --out replies.pcap --port 1123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg *config.GlobalConfig
		if cmd.Flag("config").Changed {
			var err error
			if cfg, err = config.Load(configFile); err != nil {
				return err
			}
		}
		return runReplay(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], replayOut, replay.Options{
			Port:  replayPort,
			Limit: replayLimit,
		})
	},
}

// runReplay replays path. A nil cfg gets an engine with a monitored MRU list
// and no authentication key.
func runReplay(ctx context.Context, out io.Writer, cfg *config.GlobalConfig, path, outPath string, opts replay.Options) error {
	if cfg == nil {
		cfg = &config.GlobalConfig{
			Server:  config.ServerConfig{Authenticate: true},
			Monitor: config.MonitorConfig{Enabled: true, MaxDepth: 1024, MinDepth: 600, MaxAge: 3600},
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var w *replay.Writer
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", outPath, err)
		}
		defer f.Close()
		if w, err = replay.NewWriter(f); err != nil {
			return err
		}
	}

	off, err := replay.NewOffline(ctx, cfg, replay.NewCapture(w))
	if err != nil {
		return err
	}
	opts.Restrict = off.Restrict
	opts.MRU = off.MRU
	st, err := replay.New(off.Engine, opts).ReplayFile(ctx, path)
	if err != nil {
		return err
	}
	return printJSON(out, st)
}

func init() {
	replayCmd.Flags().StringVarP(&replayOut, "out", "o", "", "write the replies to this pcap file")
	replayCmd.Flags().Uint16Var(&replayPort, "port", 123, "server port of the captured requests")
	replayCmd.Flags().IntVar(&replayLimit, "limit", 0, "stop after this many control requests")
	rootCmd.AddCommand(replayCmd)
}
