package replay

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/keys"
	"firestige.xyz/ntpctl/internal/monitor"
	"firestige.xyz/ntpctl/internal/peer"
	"firestige.xyz/ntpctl/internal/remoteconf"
	"firestige.xyz/ntpctl/internal/restrict"
	"firestige.xyz/ntpctl/internal/system"
)

// Offline is an engine with collaborators built from a configuration but
// no sockets. saveconfig writes to an in-memory file system.
type Offline struct {
	Engine   *control.Engine
	Restrict *restrict.List
	MRU      *monitor.List
	Fs       afero.Fs
}

// NewOffline builds an engine from cfg that sends through sender.
func NewOffline(ctx context.Context, cfg *config.GlobalConfig, sender control.Sender) (*Offline, error) {
	sys := system.NewTracker(nil)
	ks := keys.NewStore()
	if err := ks.Load(cfg.Keys); err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}
	rl := restrict.New()
	if err := rl.Load(cfg.Restrict); err != nil {
		return nil, fmt.Errorf("failed to load restrictions: %w", err)
	}
	mru := monitor.New(cfg.Monitor)
	peers := peer.NewTable()
	if err := peers.Load(ctx, nil, cfg.Peers); err != nil {
		return nil, fmt.Errorf("failed to load associations: %w", err)
	}

	fs := afero.NewMemMapFs()
	saveDir := cfg.Server.SaveConfigDir
	if saveDir == "" {
		saveDir = "/saveconfig"
	}
	eng := control.NewEngine(control.EngineConfig{
		Authenticate:  cfg.Server.Authenticate,
		ControlKey:    cfg.Server.ControlKey,
		SaveConfigDir: saveDir,
		Fs:            fs,
		TTL:           cfg.Server.TTL,
	}, control.Deps{
		Sender:       sender,
		KeyStore:     ks,
		PeerTable:    peers,
		SystemSource: sys,
		MRUList:      mru,
		Restrictions: rl,
		Clock:        sys,
	})
	eng.SetConfigurator(remoteconf.New(eng, peers, rl, ks, nil))
	for _, sv := range cfg.SetVar {
		flags := control.CanRead
		if sv.Default {
			flags |= control.Def
		}
		eng.SetSysVar(sv.Name+"="+sv.Value, flags)
	}
	return &Offline{Engine: eng, Restrict: rl, MRU: mru, Fs: fs}, nil
}
