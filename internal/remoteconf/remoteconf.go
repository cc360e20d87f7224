// Package remoteconf applies configuration directives received over the
// control protocol and writes the running configuration out.
package remoteconf

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/log"
	"firestige.xyz/ntpctl/internal/peer"
	"firestige.xyz/ntpctl/internal/restrict"
)

const resolveTimeout = 5 * time.Second

// Engine is the part of the control engine that directives change.
type Engine interface {
	SetSysVar(def string, flags control.VarFlags)
	SysVars() []control.ExtVar
	SetTrap(addr, local netip.AddrPort, kind control.TrapType, version uint8) bool
	Traps() []control.TrapInfo
}

// KeyTrust changes whether a key may authenticate.
type KeyTrust interface {
	SetTrusted(id uint32, trusted bool) error
}

// Applier is the runtime configuration collaborator of the control engine.
type Applier struct {
	engine   Engine
	peers    *peer.Table
	restrict *restrict.List
	keys     KeyTrust
	resolver peer.Resolver
	trapPort int

	mu     sync.Mutex
	logger log.Logger
}

// New returns an applier. keys and resolver may be nil.
func New(engine Engine, peers *peer.Table, rl *restrict.List, keys KeyTrust, resolver peer.Resolver) *Applier {
	return &Applier{
		engine:   engine,
		peers:    peers,
		restrict: rl,
		keys:     keys,
		resolver: resolver,
		trapPort: control.TrapPort,
		logger:   log.GetLogger().WithField("module", "remoteconf"),
	}
}

// ApplyRemote runs each line of text as a directive. Lines that fail are
// skipped; the returned message lists every failure.
func (a *Applier) ApplyRemote(src netip.AddrPort, text string) (int, string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		errs  error
		count int
	)
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := a.apply(tokenize(line)); err != nil {
			count++
			errs = multierr.Append(errs, fmt.Errorf("line %d: %w", i+1, err))
			continue
		}
		a.logger.WithField("src", src.Addr().String()).Infof("applied %q", line)
	}
	if errs == nil {
		return 0, ""
	}
	return count, errs.Error()
}

func (a *Applier) apply(tok []string) error {
	switch strings.ToLower(tok[0]) {
	case "setvar":
		return a.setvar(tok[1:])
	case "trap":
		return a.trap(tok[1:])
	case "restrict":
		return a.addRestrict(tok[1:])
	case "unrestrict":
		return a.unrestrict(tok[1:])
	case "server", "peer":
		return a.addPeer(strings.ToLower(tok[0]), tok[1:])
	case "unpeer":
		return a.unpeer(tok[1:])
	case "trustedkey", "untrustedkey":
		return a.trust(strings.ToLower(tok[0]) == "trustedkey", tok[1:])
	default:
		return fmt.Errorf("unknown directive %q", tok[0])
	}
}

// tokenize splits on blanks; double quotes group a value and are removed.
func tokenize(line string) []string {
	var (
		out   []string
		cur   strings.Builder
		quote bool
		have  bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			quote = !quote
			have = true
		case !quote && (r == ' ' || r == '\t'):
			if have {
				out = append(out, cur.String())
				cur.Reset()
				have = false
			}
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	if have {
		out = append(out, cur.String())
	}
	return out
}

// setvar name = value [default]
func (a *Applier) setvar(args []string) error {
	rest := strings.Join(args, " ")
	isDefault := false
	if strings.HasSuffix(rest, " default") {
		isDefault = true
		rest = strings.TrimSuffix(rest, " default")
	}
	name, value, ok := strings.Cut(rest, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" || strings.ContainsAny(name, ", \t") {
		return fmt.Errorf("setvar requires name = value")
	}
	flags := control.CanRead
	if isDefault {
		flags |= control.Def
	}
	a.engine.SetSysVar(name+"="+strings.TrimSpace(value), flags)
	return nil
}

// options decodes "keyword value" and bare flag keywords into out. flags
// names the keywords that take no value.
func options(args []string, flags map[string]bool, out interface{}) error {
	raw := make(map[string]interface{})
	for i := 0; i < len(args); i++ {
		k := strings.ToLower(args[i])
		if flags[k] {
			raw[k] = true
			continue
		}
		if i+1 >= len(args) {
			return fmt.Errorf("option %q requires a value", args[i])
		}
		raw[k] = args[i+1]
		i++
	}
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return err
	}
	if len(md.Unused) > 0 {
		return fmt.Errorf("unknown option %q", md.Unused[0])
	}
	return nil
}

type trapOptions struct {
	Port      int    `mapstructure:"port"`
	Interface string `mapstructure:"interface"`
}

// trap addr [port n] [interface addr]
func (a *Applier) trap(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("trap requires an address")
	}
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid trap address %q: %w", args[0], err)
	}
	opts := trapOptions{Port: a.trapPort}
	if err := options(args[1:], nil, &opts); err != nil {
		return err
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return fmt.Errorf("invalid trap port %d", opts.Port)
	}
	var local netip.AddrPort
	if opts.Interface != "" {
		ia, err := netip.ParseAddr(opts.Interface)
		if err != nil {
			return fmt.Errorf("invalid trap interface %q: %w", opts.Interface, err)
		}
		local = netip.AddrPortFrom(ia.Unmap(), peer.NTPPort)
	}
	dst := netip.AddrPortFrom(addr.Unmap(), uint16(opts.Port))
	if !a.engine.SetTrap(dst, local, control.TrapTypeConfig, control.Version) {
		return fmt.Errorf("can't set trap for %s, no resources", dst)
	}
	return nil
}

// restrict addr [mask m] flag...
func (a *Applier) addRestrict(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("restrict requires an address")
	}
	address, mask, flags := args[0], "", args[1:]
	if len(flags) >= 2 && strings.EqualFold(flags[0], "mask") {
		mask, flags = flags[1], flags[2:]
	}
	access, match, err := core.ParseRestrictFlags(flags)
	if err != nil {
		return err
	}
	if address == "default" {
		a.restrict.Add(netip.IPv4Unspecified(), netip.IPv4Unspecified(), access, match)
		a.restrict.Add(netip.IPv6Unspecified(), netip.IPv6Unspecified(), access, match)
		return nil
	}
	addr, m, err := restrict.ParsePrefix(address, mask)
	if err != nil {
		return err
	}
	a.restrict.Add(addr, m, access, match)
	return nil
}

// unrestrict addr [mask m]
func (a *Applier) unrestrict(args []string) error {
	if len(args) != 1 && !(len(args) == 3 && strings.EqualFold(args[1], "mask")) {
		return fmt.Errorf("unrestrict requires an address and an optional mask")
	}
	mask := ""
	if len(args) == 3 {
		mask = args[2]
	}
	addr, m, err := restrict.ParsePrefix(args[0], mask)
	if err != nil {
		return err
	}
	if !a.restrict.Remove(addr, m) {
		return fmt.Errorf("no restriction for %s", args[0])
	}
	return nil
}

// server|peer addr [key n] [minpoll n] [maxpoll n] [prefer] [nts]
func (a *Applier) addPeer(mode string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%s requires an address", mode)
	}
	pc := config.PeerConfig{Address: args[0], Mode: mode, MinPoll: 6, MaxPoll: 10}
	if err := options(args[1:], map[string]bool{"prefer": true, "nts": true}, &pc); err != nil {
		return err
	}
	if pc.MinPoll > pc.MaxPoll {
		return fmt.Errorf("minpoll %d exceeds maxpoll %d", pc.MinPoll, pc.MaxPoll)
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	p, err := peer.FromConfig(ctx, a.resolver, pc)
	if err != nil {
		return err
	}
	if _, err := a.peers.Add(p); err != nil {
		return fmt.Errorf("%s %s: %w", mode, args[0], err)
	}
	return nil
}

// unpeer addr|assoc
func (a *Applier) unpeer(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("unpeer requires an address or association id")
	}
	if addr, err := netip.ParseAddr(args[0]); err == nil {
		p, ok := a.peers.FindByAddr(addr.Unmap())
		if !ok {
			return fmt.Errorf("no association for %s: %w", args[0], core.ErrPeerNotFound)
		}
		a.peers.Remove(p.AssocID)
		return nil
	}
	id, err := cast.ToUint16E(args[0])
	if err != nil {
		return fmt.Errorf("invalid association %q", args[0])
	}
	if !a.peers.Remove(id) {
		return fmt.Errorf("no association %d: %w", id, core.ErrPeerNotFound)
	}
	return nil
}

// trustedkey id... / untrustedkey id...
func (a *Applier) trust(trusted bool, args []string) error {
	if a.keys == nil {
		return fmt.Errorf("no key store")
	}
	if len(args) == 0 {
		return fmt.Errorf("key id required")
	}
	var errs error
	for _, s := range args {
		id, err := cast.ToUint32E(s)
		if err != nil || id == 0 {
			errs = multierr.Append(errs, fmt.Errorf("invalid key id %q", s))
			continue
		}
		errs = multierr.Append(errs, a.keys.SetTrusted(id, trusted))
	}
	return errs
}

// ─── saveconfig ───

type savedRoot struct {
	Ntpctl savedConfig `yaml:"ntpctl" toml:"ntpctl"`
}

type savedConfig struct {
	Restrict []savedRestrict `yaml:"restrict,omitempty" toml:"restrict,omitempty"`
	Peers    []savedPeer     `yaml:"peers,omitempty" toml:"peers,omitempty"`
	SetVar   []savedVar      `yaml:"setvar,omitempty" toml:"setvar,omitempty"`
	Traps    []savedTrap     `yaml:"traps,omitempty" toml:"traps,omitempty"`
}

type savedRestrict struct {
	Address string   `yaml:"address" toml:"address"`
	Mask    string   `yaml:"mask,omitempty" toml:"mask,omitempty"`
	Flags   []string `yaml:"flags,omitempty" toml:"flags,omitempty"`
}

type savedPeer struct {
	Address string `yaml:"address" toml:"address"`
	Mode    string `yaml:"mode" toml:"mode"`
	Key     uint32 `yaml:"key,omitempty" toml:"key,omitempty"`
	MinPoll int    `yaml:"minpoll" toml:"minpoll"`
	MaxPoll int    `yaml:"maxpoll" toml:"maxpoll"`
	Prefer  bool   `yaml:"prefer,omitempty" toml:"prefer,omitempty"`
	NTS     bool   `yaml:"nts,omitempty" toml:"nts,omitempty"`
	Stratum int    `yaml:"stratum,omitempty" toml:"stratum,omitempty"`
}

type savedVar struct {
	Name    string `yaml:"name" toml:"name"`
	Value   string `yaml:"value" toml:"value"`
	Default bool   `yaml:"default,omitempty" toml:"default,omitempty"`
}

type savedTrap struct {
	Address   string `yaml:"address" toml:"address"`
	Port      int    `yaml:"port" toml:"port"`
	Interface string `yaml:"interface,omitempty" toml:"interface,omitempty"`
}

// Dump writes the running configuration in the layout config.Load reads.
// A name ending in .toml selects TOML, anything else YAML.
func (a *Applier) Dump(w io.Writer, name string) error {
	a.mu.Lock()
	root := savedRoot{Ntpctl: a.snapshot()}
	a.mu.Unlock()

	if _, err := fmt.Fprintf(w, "# %s saved by ntpctl\n", filepath.Base(name)); err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(name), ".toml") {
		return toml.NewEncoder(w).Encode(root)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return err
	}
	return enc.Close()
}

func (a *Applier) snapshot() savedConfig {
	var sc savedConfig

	v4, v6 := a.restrict.Entries()
	sawDefault := false
	for _, e := range append(v4, v6...) {
		sr := savedRestrict{Address: "default"}
		if e.Mask.IsValid() && !e.Mask.IsUnspecified() {
			sr.Address = core.AddrString(e.Addr)
			sr.Mask = core.AddrString(e.Mask)
		} else {
			if sawDefault || (e.Flags == 0 && e.MFlags == 0) {
				continue
			}
			sawDefault = true
		}
		if s := e.FlagString(); s != "" {
			sr.Flags = strings.Fields(s)
		}
		sc.Restrict = append(sc.Restrict, sr)
	}

	for _, p := range a.peers.List() {
		if !p.Configured {
			continue
		}
		sp := savedPeer{
			Address: p.Hostname,
			Mode:    "server",
			Key:     p.KeyID,
			MinPoll: int(p.MinPoll),
			MaxPoll: int(p.MaxPoll),
			Prefer:  p.Prefer,
			NTS:     p.NTS,
		}
		if sp.Address == "" {
			sp.Address = p.SrcAddr.Addr().String()
			if p.SrcAddr.Port() != peer.NTPPort {
				sp.Address = p.SrcAddr.String()
			}
		}
		if p.HMode == peer.ModeActive {
			sp.Mode = "peer"
		}
		if p.Clock != nil {
			sp.Stratum = int(p.Stratum)
		}
		sc.Peers = append(sc.Peers, sp)
	}

	for _, v := range a.engine.SysVars() {
		if v.Name() == "savedconfig" {
			continue
		}
		sc.SetVar = append(sc.SetVar, savedVar{
			Name:    v.Name(),
			Value:   v.Value(),
			Default: v.Flags&control.Def != 0,
		})
	}

	for _, t := range a.engine.Traps() {
		if !t.Configured {
			continue
		}
		st := savedTrap{Address: core.AddrString(t.Addr.Addr()), Port: int(t.Addr.Port())}
		if t.Local.IsValid() {
			st.Interface = core.AddrString(t.Local.Addr())
		}
		sc.Traps = append(sc.Traps, st)
	}
	return sc
}
