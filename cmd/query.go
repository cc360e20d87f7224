package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"firestige.xyz/ntpctl/internal/command"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/ntpq"
)

// KeySecretEnv holds the key secret for authenticated queries. Without it the
// secret is prompted for.
const KeySecretEnv = "NTPCTL_KEY_SECRET"

// QueryClient is the mode-6 client API the query commands use.
// *ntpq.Client implements it.
type QueryClient interface {
	ReadStat(ctx context.Context) (uint16, []ntpq.AssocStatus, error)
	ReadVar(ctx context.Context, assoc uint16, names ...string) (uint16, ntpq.Vars, error)
	ReadClock(ctx context.Context, assoc uint16, names ...string) (uint16, ntpq.Vars, error)
	WriteVar(ctx context.Context, assoc uint16, vars ntpq.Vars) error
	Configure(ctx context.Context, text string) (string, error)
	SaveConfig(ctx context.Context, name string) (string, error)
	ReadOrdList(ctx context.Context, name string) (ntpq.Vars, error)
	MRUList(ctx context.Context, q ntpq.MRUQuery) ([]ntpq.MRUEntry, core.Timestamp, error)
	Close() error
}

var (
	queryHost    string
	queryTimeout time.Duration
	queryVersion uint8
	queryKeyID   uint32
	queryKeyType string
	querySignAll bool
	queryAssoc   uint16

	mrulistLimit    int
	mrulistFrags    int
	mrulistMinCount int
	mrulistLocal    string
)

// dialQuery is replaced in tests.
var dialQuery = func(ctx context.Context, auth bool) (QueryClient, error) {
	opts := ntpq.Options{
		Timeout: queryTimeout,
		Version: queryVersion,
		KeyID:   queryKeyID,
		SignAll: querySignAll,
	}
	if queryKeyID != 0 && (auth || querySignAll) {
		secret, err := readSecret(os.Stdin, os.Stderr, queryKeyID)
		if err != nil {
			return nil, err
		}
		signer, err := ntpq.NewKeySigner(queryKeyID, queryKeyType, secret)
		if err != nil {
			return nil, err
		}
		opts.Signer = signer
	}
	return ntpq.Dial(ctx, queryHost, opts)
}

// readSecret takes the key secret from the environment, else prompts on a
// terminal without echo, else reads one line from in.
func readSecret(in *os.File, prompt io.Writer, keyID uint32) (string, error) {
	if s := os.Getenv(KeySecretEnv); s != "" {
		return s, nil
	}
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(prompt, "Keyid %d Password: ", keyID)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("no key secret: set %s or pass it on stdin", KeySecretEnv)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// withQuery dials, runs fn and closes the client.
func withQuery(cmd *cobra.Command, auth bool, fn func(ctx context.Context, c QueryClient, out io.Writer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := dialQuery(ctx, auth)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", queryHost, err)
	}
	defer c.Close()
	return fn(ctx, c, cmd.OutOrStdout())
}

// queryCmd represents the query command group
var queryCmd = &cobra.Command{
	Use:     "query",
	Aliases: []string{"ntpq"},
	Short:   "Send mode-6 queries to an NTP server",
	Long: `Send NTP mode-6 control queries to an ntpctl daemon or any other server that
speaks the protocol.

Requests that change state (writevar, config, saveconfig, ifstats, reslist) are
signed with --key-id. The key secret comes from ` + KeySecretEnv + ` or a prompt.

Examples:
  ntpctl query readvar
  ntpctl query readvar --assoc 1 srcadr offset
  ntpctl query -H ntp1.example.net mrulist --limit 50
  ntpctl query --key-id 7 config "setvar location = rack 4"`,
}

var readvarCmd = &cobra.Command{
	Use:     "readvar [name...]",
	Aliases: []string{"rv"},
	Short:   "Read system or peer variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery(cmd, false, func(ctx context.Context, c QueryClient, out io.Writer) error {
			return runReadVar(ctx, c, out, queryAssoc, args, false)
		})
	},
}

var clockvarCmd = &cobra.Command{
	Use:     "clockvar [name...]",
	Aliases: []string{"cv"},
	Short:   "Read clock variables",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery(cmd, false, func(ctx context.Context, c QueryClient, out io.Writer) error {
			return runReadVar(ctx, c, out, queryAssoc, args, true)
		})
	},
}

var readstatCmd = &cobra.Command{
	Use:     "associations",
	Aliases: []string{"readstat", "as"},
	Short:   "List associations and their status words",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery(cmd, false, runReadStat)
	},
}

var writevarCmd = &cobra.Command{
	Use:     "writevar name=value...",
	Aliases: []string{"wv"},
	Short:   "Write system or peer variables",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vars, err := parseAssignments(args)
		if err != nil {
			return err
		}
		return withQuery(cmd, true, func(ctx context.Context, c QueryClient, out io.Writer) error {
			if err := c.WriteVar(ctx, queryAssoc, vars); err != nil {
				return err
			}
			fmt.Fprintln(out, "done! (no data returned)")
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:     "config <directive...>",
	Aliases: []string{":config"},
	Short:   "Send runtime configuration directives",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery(cmd, true, func(ctx context.Context, c QueryClient, out io.Writer) error {
			return runConfigure(ctx, c, out, strings.Join(args, " "))
		})
	},
}

var saveconfigCmd = &cobra.Command{
	Use:   "saveconfig <filename>",
	Short: "Ask the server to save its configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery(cmd, true, func(ctx context.Context, c QueryClient, out io.Writer) error {
			msg, err := c.SaveConfig(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(out, msg)
			return nil
		})
	},
}

var ifstatsCmd = &cobra.Command{
	Use:   "ifstats",
	Short: "Show the server's network interfaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery(cmd, true, func(ctx context.Context, c QueryClient, out io.Writer) error {
			return runOrdList(ctx, c, out, "ifstats")
		})
	},
}

var reslistCmd = &cobra.Command{
	Use:   "reslist",
	Short: "Show the server's restriction list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQuery(cmd, true, func(ctx context.Context, c QueryClient, out io.Writer) error {
			return runOrdList(ctx, c, out, "addr_restrictions")
		})
	},
}

var mrulistCmd = &cobra.Command{
	Use:   "mrulist",
	Short: "Walk the server's MRU list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := ntpq.MRUQuery{
			Limit:     mrulistLimit,
			Frags:     mrulistFrags,
			MinCount:  mrulistMinCount,
			LocalAddr: mrulistLocal,
		}
		return withQuery(cmd, false, func(ctx context.Context, c QueryClient, out io.Writer) error {
			return runMRUList(ctx, c, out, q)
		})
	},
}

func runReadVar(ctx context.Context, c QueryClient, out io.Writer, assoc uint16, names []string, clock bool) error {
	read := c.ReadVar
	if clock {
		read = c.ReadClock
	}
	status, vars, err := read(ctx, assoc, names...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "associd=%d status=%04x\n", assoc, status)
	fmt.Fprintln(out, vars.String())
	return nil
}

func runReadStat(ctx context.Context, c QueryClient, out io.Writer) error {
	status, assocs, err := c.ReadStat(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "associd=0 status=%04x\n", status)
	if len(assocs) == 0 {
		fmt.Fprintln(out, "No association IDs returned")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IND\tASSID\tSTATUS")
	for i, a := range assocs {
		fmt.Fprintf(tw, "%d\t%d\t%04x\n", i+1, a.AssocID, a.Status)
	}
	return tw.Flush()
}

func runConfigure(ctx context.Context, c QueryClient, out io.Writer, text string) error {
	msg, err := c.Configure(ctx, text)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, msg)
	if !strings.HasPrefix(msg, "Config Succeeded") {
		return fmt.Errorf("configuration rejected")
	}
	return nil
}

// runOrdList prints an ordered list one row per index, fields in reply order.
func runOrdList(ctx context.Context, c QueryClient, out io.Writer, name string) error {
	vars, err := c.ReadOrdList(ctx, name)
	if err != nil {
		return err
	}
	var (
		row  []string
		last = -1
	)
	flush := func() {
		if len(row) > 0 {
			fmt.Fprintln(out, strings.Join(row, " "))
		}
		row = row[:0]
	}
	for _, v := range vars {
		idx := -1
		if dot := strings.LastIndexByte(v.Name, '.'); dot >= 0 {
			idx = cast.ToInt(v.Name[dot+1:])
		}
		if idx != last {
			flush()
			last = idx
		}
		row = append(row, v.Name+"="+v.Value)
	}
	flush()
	return nil
}

func runMRUList(ctx context.Context, c QueryClient, out io.Writer, q ntpq.MRUQuery) error {
	entries, now, err := c.MRUList(ctx, q)
	if err != nil {
		return err
	}
	// newest first, like the daemon's own view
	rows := make([]command.MRUSummary, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		rows = append(rows, command.MRUSummary{
			Address:  core.AddrPortString(e.Addr),
			First:    e.First.Time(),
			Last:     e.Last.Time(),
			Count:    uint32(e.Count),
			Mode:     e.Mode,
			Version:  e.Version,
			Restrict: fmt.Sprintf("%#x", e.Restrict),
		})
	}
	printMRU(out, rows, now.Time())
	return nil
}

// parseAssignments turns name=value arguments into variables. A bare name
// is sent without a value.
func parseAssignments(args []string) (ntpq.Vars, error) {
	vars := make(ntpq.Vars, 0, len(args))
	for _, a := range args {
		name, value, _ := strings.Cut(a, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid assignment %q", a)
		}
		vars = append(vars, ntpq.Var{Name: name, Value: strings.TrimSpace(value)})
	}
	return vars, nil
}

func init() {
	pf := queryCmd.PersistentFlags()
	pf.StringVarP(&queryHost, "host", "H", "127.0.0.1", "server to query, host[:port]")
	pf.DurationVarP(&queryTimeout, "timeout", "t", ntpq.DefaultTimeout, "per-request timeout")
	pf.Uint8Var(&queryVersion, "version", 0, "protocol version of requests (default 4)")
	pf.Uint32VarP(&queryKeyID, "key-id", "k", 0, "key used to sign requests")
	pf.StringVar(&queryKeyType, "key-type", "SHA1", "digest of the key: MD5, SHA1, SHA256, SHA3-256 or AES128CMAC")
	pf.BoolVar(&querySignAll, "sign-all", false, "sign every request, not only the ones that change state")
	pf.Uint16VarP(&queryAssoc, "assoc", "a", 0, "association ID; 0 addresses the system")

	mrulistCmd.Flags().IntVarP(&mrulistLimit, "limit", "n", 0, "stop after this many entries")
	mrulistCmd.Flags().IntVar(&mrulistFrags, "frags", 0, "fragments per reply page (default 16)")
	mrulistCmd.Flags().IntVar(&mrulistMinCount, "mincount", 0, "skip entries seen fewer times")
	mrulistCmd.Flags().StringVar(&mrulistLocal, "laddr", "", "only traffic received on this local address")

	queryCmd.AddCommand(readvarCmd, clockvarCmd, readstatCmd, writevarCmd, configCmd,
		saveconfigCmd, ifstatsCmd, reslistCmd, mrulistCmd)
	rootCmd.AddCommand(queryCmd)
}
