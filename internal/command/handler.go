// Package command implements the local and remote administration channels.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/eventbus"
	"firestige.xyz/ntpctl/internal/keys"
	"firestige.xyz/ntpctl/internal/log"
	"firestige.xyz/ntpctl/internal/monitor"
	"firestige.xyz/ntpctl/internal/peer"
	"firestige.xyz/ntpctl/internal/system"
)

// Engine is the part of the control engine the command channel administers.
type Engine interface {
	Stats() control.Stats
	ClearStats()
	Traps() []control.TrapInfo
	SetTrap(addr, local netip.AddrPort, kind control.TrapType, version uint8) bool
	ClearTrap(addr, local netip.AddrPort, kind control.TrapType) bool
}

// SystemStats exposes the daemon-wide packet counters.
type SystemStats interface {
	Snapshot() system.Snapshot
	ResetStats()
}

// PeerLister lists the associations.
type PeerLister interface {
	List() []peer.Peer
}

// MRUSource reads the MRU list.
type MRUSource interface {
	Entries() []monitor.Entry
	Stats() monitor.Stats
}

// KeyStats exposes key store counters.
type KeyStats interface {
	Stats() keys.Stats
}

// ConfigApplier applies configuration directives at runtime.
type ConfigApplier interface {
	ApplyRemote(src netip.AddrPort, text string) (int, string)
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// Deps are the collaborators a CommandHandler reports on. Nil members
// make the corresponding methods fail with ErrCodeInternalError.
type Deps struct {
	Engine   Engine
	System   SystemStats
	Peers    PeerLister
	MRU      MRUSource
	Keys     KeyStats
	Bus      eventbus.EventBus
	Applier  ConfigApplier
	Reloader ConfigReloader
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	deps         Deps
	shutdownFunc func() // called by daemon_shutdown to trigger graceful stop
	startTime    time.Time
	logger       log.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(deps Deps) *CommandHandler {
	return &CommandHandler{
		deps:      deps,
		startTime: time.Now(),
		logger:    log.GetLogger().WithField("component", "command"),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g. "traps", "trap_set"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// Method names.
const (
	MethodDaemonStatus   = "daemon_status"
	MethodDaemonStats    = "daemon_stats"
	MethodDaemonShutdown = "daemon_shutdown"
	MethodStatsClear     = "stats_clear"
	MethodTraps          = "traps"
	MethodTrapSet        = "trap_set"
	MethodTrapClear      = "trap_clear"
	MethodPeers          = "peers"
	MethodMRU            = "mru"
	MethodConfigApply    = "config_apply"
	MethodConfigReload   = "config_reload"
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	h.logger.WithField("method", cmd.Method).WithField("id", cmd.ID).Debug("handling command")

	switch cmd.Method {
	case MethodDaemonStatus:
		return h.handleDaemonStatus(ctx, cmd)
	case MethodDaemonStats:
		return h.handleDaemonStats(ctx, cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(ctx, cmd)
	case MethodStatsClear:
		return h.handleStatsClear(ctx, cmd)
	case MethodTraps:
		return h.handleTraps(ctx, cmd)
	case MethodTrapSet:
		return h.handleTrapSet(ctx, cmd)
	case MethodTrapClear:
		return h.handleTrapClear(ctx, cmd)
	case MethodPeers:
		return h.handlePeers(ctx, cmd)
	case MethodMRU:
		return h.handleMRU(ctx, cmd)
	case MethodConfigApply:
		return h.handleConfigApply(ctx, cmd)
	case MethodConfigReload:
		return h.handleConfigReload(ctx, cmd)
	default:
		return errorResponse(cmd, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func errorResponse(cmd Command, code int, msg string) Response {
	return Response{ID: cmd.ID, Error: &ErrorInfo{Code: code, Message: msg}}
}

func unavailable(cmd Command, what string) Response {
	return errorResponse(cmd, ErrCodeInternalError, what+" not available")
}

// decodeParams decodes JSON params into out through mapstructure so that
// numbers sent as strings ("port": "2000") are accepted.
func decodeParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(m)
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	result := map[string]interface{}{
		"version":    system.Version,
		"uptime_sec": int64(time.Since(h.startTime).Seconds()),
	}
	if h.deps.Peers != nil {
		result["peer_count"] = len(h.deps.Peers.List())
	}
	if h.deps.Engine != nil {
		result["trap_count"] = len(h.deps.Engine.Traps())
	}
	if h.deps.MRU != nil {
		result["mru_entries"] = h.deps.MRU.Stats().Entries
	}
	return Response{ID: cmd.ID, Result: result}
}

// handleDaemonStats returns the packet, control and event counters.
func (h *CommandHandler) handleDaemonStats(_ context.Context, cmd Command) Response {
	result := map[string]interface{}{}
	if h.deps.System != nil {
		s := h.deps.System.Snapshot()
		result["system"] = map[string]interface{}{
			"uptime":       s.Uptime,
			"stats_age":    s.StatsAge,
			"received":     s.Received,
			"new_version":  s.NewVersion,
			"old_version":  s.OldVersion,
			"bad_length":   s.BadLength,
			"bad_auth":     s.BadAuth,
			"restricted":   s.Restricted,
			"limited":      s.Limited,
			"kod_sent":     s.KoDSent,
			"processed":    s.Processed,
			"io_received":  s.IOReceived,
			"io_sent":      s.IOSent,
			"io_send_fail": s.IOSendFailed,
			"io_dropped":   s.IODropped,
			"io_ignored":   s.IOIgnored,
		}
	}
	if h.deps.Engine != nil {
		result["control"] = h.deps.Engine.Stats()
	}
	if h.deps.Keys != nil {
		k := h.deps.Keys.Stats()
		result["keys"] = map[string]interface{}{
			"keys":        k.Keys,
			"lookups":     k.Lookups,
			"not_found":   k.NotFound,
			"encryptions": k.Encryptions,
			"decryptions": k.Decryptions,
		}
	}
	if h.deps.MRU != nil {
		m := h.deps.MRU.Stats()
		result["mru"] = map[string]interface{}{
			"enabled":   m.Enabled,
			"entries":   m.Entries,
			"deepest":   m.Deepest,
			"max_depth": m.MaxDepth,
			"evicted":   m.Evicted,
		}
	}
	if h.deps.Bus != nil {
		result["events"] = h.deps.Bus.GetStats()
	}
	return Response{ID: cmd.ID, Result: result}
}

// handleStatsClear zeroes the control and system counters.
func (h *CommandHandler) handleStatsClear(_ context.Context, cmd Command) Response {
	if h.deps.Engine == nil {
		return unavailable(cmd, "control engine")
	}
	h.deps.Engine.ClearStats()
	if h.deps.System != nil {
		h.deps.System.ResetStats()
	}
	h.logger.Info("statistics cleared")
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "cleared"}}
}

func (h *CommandHandler) handleTraps(_ context.Context, cmd Command) Response {
	if h.deps.Engine == nil {
		return unavailable(cmd, "control engine")
	}
	traps := h.deps.Engine.Traps()
	if traps == nil {
		traps = []control.TrapInfo{}
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"traps": traps}}
}

// TrapParams are the parameters of trap_set and trap_clear.
type TrapParams struct {
	Address   string `json:"address"`
	Port      int    `json:"port,omitempty"`
	Interface string `json:"interface,omitempty"`
}

func (p TrapParams) endpoints() (netip.AddrPort, netip.AddrPort, error) {
	addr, err := netip.ParseAddr(p.Address)
	if err != nil {
		return netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("invalid address %q", p.Address)
	}
	port := p.Port
	if port == 0 {
		port = control.TrapPort
	}
	if port < 0 || port > 65535 {
		return netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("invalid port %d", p.Port)
	}
	var local netip.AddrPort
	if p.Interface != "" {
		ifc, err := netip.ParseAddr(p.Interface)
		if err != nil {
			return netip.AddrPort{}, netip.AddrPort{}, fmt.Errorf("invalid interface %q", p.Interface)
		}
		local = netip.AddrPortFrom(ifc, peer.NTPPort)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), local, nil
}

// handleTrapSet configures a trap receiver the same way the trap directive does.
func (h *CommandHandler) handleTrapSet(_ context.Context, cmd Command) Response {
	if h.deps.Engine == nil {
		return unavailable(cmd, "control engine")
	}
	var params TrapParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	addr, local, err := params.endpoints()
	if err != nil {
		return errorResponse(cmd, ErrCodeInvalidParams, err.Error())
	}
	if !h.deps.Engine.SetTrap(addr, local, control.TrapTypeConfig, control.Version) {
		return errorResponse(cmd, ErrCodeInternalError, fmt.Sprintf("can't set trap for %s, no resources", core.AddrPortString(addr)))
	}
	h.logger.WithField("trap", core.AddrPortString(addr)).Info("trap configured")
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "set", "address": core.AddrPortString(addr)}}
}

func (h *CommandHandler) handleTrapClear(_ context.Context, cmd Command) Response {
	if h.deps.Engine == nil {
		return unavailable(cmd, "control engine")
	}
	var params TrapParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	addr, local, err := params.endpoints()
	if err != nil {
		return errorResponse(cmd, ErrCodeInvalidParams, err.Error())
	}
	if !h.deps.Engine.ClearTrap(addr, local, control.TrapTypeConfig) {
		return errorResponse(cmd, ErrCodeInvalidParams, fmt.Sprintf("no trap for %s", core.AddrPortString(addr)))
	}
	h.logger.WithField("trap", core.AddrPortString(addr)).Info("trap cleared")
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "cleared", "address": core.AddrPortString(addr)}}
}

// PeerSummary is one row of the peers result.
type PeerSummary struct {
	AssocID    uint16  `json:"assoc_id"`
	Address    string  `json:"address"`
	Hostname   string  `json:"hostname,omitempty"`
	Status     string  `json:"status"`
	Configured bool    `json:"configured"`
	Stratum    uint8   `json:"stratum"`
	Reach      string  `json:"reach"`
	Poll       uint8   `json:"poll"`
	Delay      float64 `json:"delay"`
	Offset     float64 `json:"offset"`
	Jitter     float64 `json:"jitter"`
}

func (h *CommandHandler) handlePeers(_ context.Context, cmd Command) Response {
	if h.deps.Peers == nil {
		return unavailable(cmd, "association table")
	}
	list := h.deps.Peers.List()
	rows := make([]PeerSummary, 0, len(list))
	for i := range list {
		p := &list[i]
		rows = append(rows, PeerSummary{
			AssocID:    p.AssocID,
			Address:    core.PeerAddrString(p.SrcAddr),
			Hostname:   p.Hostname,
			Status:     fmt.Sprintf("%04x", p.Status()),
			Configured: p.Configured,
			Stratum:    p.Stratum,
			Reach:      fmt.Sprintf("%03o", p.Reach),
			Poll:       p.HPoll,
			Delay:      p.Delay * 1e3,
			Offset:     p.Offset * 1e3,
			Jitter:     p.Jitter * 1e3,
		})
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"peers": rows}}
}

// MRUParams limits the mru result.
type MRUParams struct {
	Limit int `json:"limit,omitempty"`
}

// MRUSummary is one row of the mru result.
type MRUSummary struct {
	Address  string    `json:"address"`
	Local    string    `json:"local"`
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
	Count    uint32    `json:"count"`
	Mode     uint8     `json:"mode"`
	Version  uint8     `json:"version"`
	Restrict string    `json:"restrict"`
}

// handleMRU returns MRU rows, newest first.
func (h *CommandHandler) handleMRU(_ context.Context, cmd Command) Response {
	if h.deps.MRU == nil {
		return unavailable(cmd, "mru list")
	}
	var params MRUParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if params.Limit < 0 {
		return errorResponse(cmd, ErrCodeInvalidParams, "limit must not be negative")
	}
	entries := h.deps.MRU.Entries()
	if params.Limit > 0 && len(entries) > params.Limit {
		entries = entries[:params.Limit]
	}
	rows := make([]MRUSummary, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, MRUSummary{
			Address:  core.AddrPortString(e.Addr),
			Local:    core.AddrString(e.Local.Addr()),
			First:    e.First.Time().UTC(),
			Last:     e.Last.Time().UTC(),
			Count:    e.Count,
			Mode:     e.Mode,
			Version:  e.Version,
			Restrict: fmt.Sprintf("%#x", e.Restrict),
		})
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"entries": rows, "total": h.deps.MRU.Stats().Entries}}
}

// ConfigApplyParams carries configuration directives, one per line.
type ConfigApplyParams struct {
	Text string `json:"text"`
}

// handleConfigApply feeds directives through the same path as a remote
// configure request, attributed to the loopback address.
func (h *CommandHandler) handleConfigApply(_ context.Context, cmd Command) Response {
	if h.deps.Applier == nil {
		return unavailable(cmd, "configurator")
	}
	var params ConfigApplyParams
	if err := decodeParams(cmd.Params, &params); err != nil {
		return errorResponse(cmd, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if params.Text == "" {
		return errorResponse(cmd, ErrCodeInvalidParams, "text is required")
	}
	n, msg := h.deps.Applier.ApplyRemote(netip.AddrPortFrom(netip.IPv6Loopback(), 0), params.Text)
	if n > 0 {
		return errorResponse(cmd, ErrCodeInvalidParams, fmt.Sprintf("%d errors: %s", n, msg))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "applied"}}
}

// handleConfigReload handles config_reload command.
func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.deps.Reloader == nil {
		return unavailable(cmd, "config reloader")
	}
	if err := h.deps.Reloader.Reload(); err != nil {
		return errorResponse(cmd, ErrCodeInternalError, fmt.Sprintf("reload config failed: %v", err))
	}
	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "reloaded"}}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd, ErrCodeInternalError, "shutdown handler not registered")
	}

	h.logger.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response be sent first

	return Response{ID: cmd.ID, Result: map[string]interface{}{"status": "shutting_down"}}
}
