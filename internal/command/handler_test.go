package command

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/config"
	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/eventbus"
	"firestige.xyz/ntpctl/internal/keys"
	"firestige.xyz/ntpctl/internal/monitor"
	"firestige.xyz/ntpctl/internal/peer"
	"firestige.xyz/ntpctl/internal/system"
)

type fakeEngine struct {
	traps   []control.TrapInfo
	cleared int
	full    bool
}

func (f *fakeEngine) Stats() control.Stats { return control.Stats{Requests: 12, Errors: 1} }
func (f *fakeEngine) ClearStats()          { f.cleared++ }

func (f *fakeEngine) Traps() []control.TrapInfo { return f.traps }

func (f *fakeEngine) SetTrap(addr, local netip.AddrPort, kind control.TrapType, version uint8) bool {
	if f.full {
		return false
	}
	f.traps = append(f.traps, control.TrapInfo{Addr: addr, Local: local, Version: version, Configured: kind == control.TrapTypeConfig})
	return true
}

func (f *fakeEngine) ClearTrap(addr, _ netip.AddrPort, _ control.TrapType) bool {
	for i, t := range f.traps {
		if t.Addr == addr {
			f.traps = append(f.traps[:i], f.traps[i+1:]...)
			return true
		}
	}
	return false
}

type mockReloader struct {
	mock.Mock
}

func (m *mockReloader) Reload() error {
	return m.Called().Error(0)
}

type mockApplier struct {
	mock.Mock
}

func (m *mockApplier) ApplyRemote(src netip.AddrPort, text string) (int, string) {
	args := m.Called(src, text)
	return args.Int(0), args.String(1)
}

type fixture struct {
	eng   *fakeEngine
	sys   *system.Tracker
	peers *peer.Table
	mru   *monitor.List
	h     *CommandHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		eng:   &fakeEngine{},
		sys:   system.NewTracker(nil),
		peers: peer.NewTable(),
		mru:   monitor.New(config.MonitorConfig{Enabled: true, MaxDepth: 8, MaxAge: 3600}),
	}
	bus := eventbus.NewInMemoryEventBus(1, 4)
	t.Cleanup(func() { bus.Close() })
	f.h = NewCommandHandler(Deps{
		Engine: f.eng,
		System: f.sys,
		Peers:  f.peers,
		MRU:    f.mru,
		Keys:   keys.NewStore(),
		Bus:    bus,
	})
	return f
}

func call(h *CommandHandler, method string, params interface{}) Response {
	var raw json.RawMessage
	if params != nil {
		raw, _ = json.Marshal(params)
	}
	return h.Handle(context.Background(), Command{Method: method, Params: raw, ID: "req-1"})
}

func TestHandleUnknownMethod(t *testing.T) {
	f := newFixture(t)
	resp := call(f.h, "task_create", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "req-1", resp.ID)
}

func TestHandleDaemonStatusAndStats(t *testing.T) {
	f := newFixture(t)
	f.sys.Sys.Received.Add(3)

	resp := call(f.h, MethodDaemonStatus, nil)
	require.Nil(t, resp.Error)
	status := resp.Result.(map[string]interface{})
	assert.Equal(t, system.Version, status["version"])
	assert.Equal(t, 0, status["peer_count"])

	resp = call(f.h, MethodDaemonStats, nil)
	require.Nil(t, resp.Error)
	stats := resp.Result.(map[string]interface{})
	assert.Equal(t, uint64(3), stats["system"].(map[string]interface{})["received"])
	assert.Equal(t, uint64(12), stats["control"].(control.Stats).Requests)
	assert.Contains(t, stats, "events")
	assert.Contains(t, stats, "keys")
}

func TestHandleStatsClear(t *testing.T) {
	f := newFixture(t)
	f.sys.Sys.Received.Add(3)
	resp := call(f.h, MethodStatsClear, nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, f.eng.cleared)
	assert.Zero(t, f.sys.Sys.Received.Load())
}

func TestHandleTraps(t *testing.T) {
	f := newFixture(t)

	resp := call(f.h, MethodTrapSet, map[string]interface{}{"address": "192.0.2.50", "port": "2000", "interface": "192.0.2.1"})
	require.Nil(t, resp.Error, "%v", resp.Error)
	require.Len(t, f.eng.traps, 1)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.50:2000"), f.eng.traps[0].Addr)
	assert.Equal(t, netip.MustParseAddrPort("192.0.2.1:123"), f.eng.traps[0].Local)
	assert.Equal(t, uint8(control.Version), f.eng.traps[0].Version)
	assert.True(t, f.eng.traps[0].Configured)

	resp = call(f.h, MethodTraps, nil)
	require.Nil(t, resp.Error)
	assert.Len(t, resp.Result.(map[string]interface{})["traps"], 1)

	resp = call(f.h, MethodTrapClear, TrapParams{Address: "192.0.2.50", Port: 2000})
	require.Nil(t, resp.Error)
	assert.Empty(t, f.eng.traps)

	resp = call(f.h, MethodTrapClear, TrapParams{Address: "192.0.2.50"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "no trap")
}

func TestHandleTrapSetErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		params interface{}
		want   string
	}{
		{"bad address", TrapParams{Address: "nowhere"}, "invalid address"},
		{"bad port", TrapParams{Address: "192.0.2.1", Port: 70000}, "invalid port"},
		{"bad interface", TrapParams{Address: "192.0.2.1", Interface: "eth0"}, "invalid interface"},
		{"unknown field", map[string]interface{}{"address": "192.0.2.1", "colour": "blue"}, "invalid params"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(f.h, MethodTrapSet, tt.params)
			require.NotNil(t, resp.Error)
			assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
			assert.Contains(t, resp.Error.Message, tt.want)
		})
	}

	f.eng.full = true
	resp := call(f.h, MethodTrapSet, TrapParams{Address: "192.0.2.1"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "no resources")
}

func TestHandlePeers(t *testing.T) {
	f := newFixture(t)
	p, err := peer.FromConfig(context.Background(), nil, config.PeerConfig{Address: "192.0.2.50", Mode: "server", MinPoll: 6, MaxPoll: 10})
	require.NoError(t, err)
	id, err := f.peers.Add(p)
	require.NoError(t, err)
	f.peers.Modify(id, func(p *peer.Peer) {
		p.Reach = 0xff
		p.Offset = 0.0015
	})

	resp := call(f.h, MethodPeers, nil)
	require.Nil(t, resp.Error)
	rows := resp.Result.(map[string]interface{})["peers"].([]PeerSummary)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].AssocID)
	assert.Equal(t, "192.0.2.50", rows[0].Address)
	assert.Equal(t, "377", rows[0].Reach)
	assert.InDelta(t, 1.5, rows[0].Offset, 1e-9)
	assert.True(t, rows[0].Configured)
}

func TestHandleMRU(t *testing.T) {
	f := newFixture(t)
	local := netip.MustParseAddrPort("192.0.2.1:123")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, a := range []string{"198.51.100.1:123", "198.51.100.2:40000", "198.51.100.3:40001"} {
		now := core.TimestampFromTime(start.Add(time.Duration(i) * time.Second))
		f.mru.Record(netip.MustParseAddrPort(a), local, 3, 4, 0, now)
	}

	resp := call(f.h, MethodMRU, MRUParams{Limit: 2})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	rows := result["entries"].([]MRUSummary)
	require.Len(t, rows, 2)
	assert.Equal(t, "198.51.100.3:40001", rows[0].Address)
	assert.Equal(t, "192.0.2.1", rows[0].Local)
	assert.Equal(t, start.Add(2*time.Second), rows[0].Last)
	assert.Equal(t, 3, result["total"])

	resp = call(f.h, MethodMRU, map[string]interface{}{"limit": -1})
	require.NotNil(t, resp.Error)
}

func TestHandleConfigApply(t *testing.T) {
	f := newFixture(t)
	ap := &mockApplier{}
	f.h.deps.Applier = ap
	ap.On("ApplyRemote", mock.Anything, "setvar a=1").Return(0, "").Once()
	ap.On("ApplyRemote", mock.Anything, "bogus").Return(1, `line 1: unknown directive "bogus"`).Once()

	resp := call(f.h, MethodConfigApply, ConfigApplyParams{Text: "setvar a=1"})
	require.Nil(t, resp.Error)

	resp = call(f.h, MethodConfigApply, ConfigApplyParams{Text: "bogus"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "1 errors")

	resp = call(f.h, MethodConfigApply, nil)
	require.NotNil(t, resp.Error)
	ap.AssertExpectations(t)
}

func TestHandleConfigReload(t *testing.T) {
	f := newFixture(t)

	resp := call(f.h, MethodConfigReload, nil)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "not available")

	r := &mockReloader{}
	f.h.deps.Reloader = r
	r.On("Reload").Return(nil).Once()
	r.On("Reload").Return(errors.New("bad yaml")).Once()

	resp = call(f.h, MethodConfigReload, nil)
	require.Nil(t, resp.Error)
	resp = call(f.h, MethodConfigReload, nil)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "bad yaml")
	r.AssertExpectations(t)
}

func TestHandleDaemonShutdown(t *testing.T) {
	f := newFixture(t)
	resp := call(f.h, MethodDaemonShutdown, nil)
	require.NotNil(t, resp.Error)

	done := make(chan struct{})
	f.h.SetShutdownFunc(func() { close(done) })
	resp = call(f.h, MethodDaemonShutdown, nil)
	require.Nil(t, resp.Error)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestNilDepsReportUnavailable(t *testing.T) {
	h := NewCommandHandler(Deps{})
	for _, m := range []string{MethodStatsClear, MethodTraps, MethodTrapSet, MethodPeers, MethodMRU, MethodConfigApply} {
		resp := call(h, m, nil)
		require.NotNil(t, resp.Error, m)
		assert.Equal(t, ErrCodeInternalError, resp.Error.Code, m)
	}
	resp := call(h, MethodDaemonStats, nil)
	assert.Nil(t, resp.Error)
}
