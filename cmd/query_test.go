package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/control"
	"firestige.xyz/ntpctl/internal/core"
	"firestige.xyz/ntpctl/internal/ntpq"
	"firestige.xyz/ntpctl/internal/replay"
)

// MockQuery implements QueryClient.
type MockQuery struct {
	mock.Mock
}

func (m *MockQuery) ReadStat(ctx context.Context) (uint16, []ntpq.AssocStatus, error) {
	args := m.Called(ctx)
	assocs, _ := args.Get(1).([]ntpq.AssocStatus)
	return args.Get(0).(uint16), assocs, args.Error(2)
}

func (m *MockQuery) ReadVar(ctx context.Context, assoc uint16, names ...string) (uint16, ntpq.Vars, error) {
	args := m.Called(ctx, assoc, names)
	vars, _ := args.Get(1).(ntpq.Vars)
	return args.Get(0).(uint16), vars, args.Error(2)
}

func (m *MockQuery) ReadClock(ctx context.Context, assoc uint16, names ...string) (uint16, ntpq.Vars, error) {
	args := m.Called(ctx, assoc, names)
	vars, _ := args.Get(1).(ntpq.Vars)
	return args.Get(0).(uint16), vars, args.Error(2)
}

func (m *MockQuery) WriteVar(ctx context.Context, assoc uint16, vars ntpq.Vars) error {
	return m.Called(ctx, assoc, vars).Error(0)
}

func (m *MockQuery) Configure(ctx context.Context, text string) (string, error) {
	args := m.Called(ctx, text)
	return args.String(0), args.Error(1)
}

func (m *MockQuery) SaveConfig(ctx context.Context, name string) (string, error) {
	args := m.Called(ctx, name)
	return args.String(0), args.Error(1)
}

func (m *MockQuery) ReadOrdList(ctx context.Context, name string) (ntpq.Vars, error) {
	args := m.Called(ctx, name)
	vars, _ := args.Get(0).(ntpq.Vars)
	return vars, args.Error(1)
}

func (m *MockQuery) MRUList(ctx context.Context, q ntpq.MRUQuery) ([]ntpq.MRUEntry, core.Timestamp, error) {
	args := m.Called(ctx, q)
	entries, _ := args.Get(0).([]ntpq.MRUEntry)
	return entries, args.Get(1).(core.Timestamp), args.Error(2)
}

func (m *MockQuery) Close() error {
	return m.Called().Error(0)
}

func TestRunReadVar(t *testing.T) {
	m := new(MockQuery)
	m.On("ReadVar", mock.Anything, uint16(0), []string{"leap", "stratum"}).
		Return(uint16(0x0615), ntpq.Vars{{Name: "leap", Value: "0"}, {Name: "stratum", Value: "2"}}, nil)
	m.On("ReadClock", mock.Anything, uint16(3), []string(nil)).
		Return(uint16(0), ntpq.Vars(nil), &ntpq.ServerError{Op: control.OpReadClock, Code: control.ErrBadAssoc})

	var buf bytes.Buffer
	require.NoError(t, runReadVar(context.Background(), m, &buf, 0, []string{"leap", "stratum"}, false))
	assert.Equal(t, "associd=0 status=0615\nleap=0, stratum=2\n", buf.String())

	err := runReadVar(context.Background(), m, &buf, 3, nil, true)
	assert.True(t, ntpq.IsServerError(err, control.ErrBadAssoc))
	m.AssertExpectations(t)
}

func TestRunReadStat(t *testing.T) {
	m := new(MockQuery)
	m.On("ReadStat", mock.Anything).Return(uint16(0x0618), []ntpq.AssocStatus{
		{AssocID: 1, Status: 0x9614},
		{AssocID: 2, Status: 0x8011},
	}, nil).Once()
	m.On("ReadStat", mock.Anything).Return(uint16(0x0618), []ntpq.AssocStatus(nil), nil).Once()

	var buf bytes.Buffer
	require.NoError(t, runReadStat(context.Background(), m, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "associd=0 status=0618", lines[0])
	assert.Equal(t, []string{"1", "1", "9614"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"2", "2", "8011"}, strings.Fields(lines[3]))

	buf.Reset()
	require.NoError(t, runReadStat(context.Background(), m, &buf))
	assert.Contains(t, buf.String(), "No association IDs returned")
}

func TestRunConfigure(t *testing.T) {
	m := new(MockQuery)
	m.On("Configure", mock.Anything, "setvar a = 1").Return("Config Succeeded", nil)
	m.On("Configure", mock.Anything, "bogus").Return("line 1 column 1 syntax error: unknown directive", nil)

	var buf bytes.Buffer
	require.NoError(t, runConfigure(context.Background(), m, &buf, "setvar a = 1"))
	assert.Equal(t, "Config Succeeded\n", buf.String())

	buf.Reset()
	assert.ErrorContains(t, runConfigure(context.Background(), m, &buf, "bogus"), "rejected")
	assert.Contains(t, buf.String(), "unknown directive")
}

func TestRunOrdList(t *testing.T) {
	m := new(MockQuery)
	m.On("ReadOrdList", mock.Anything, "ifstats").Return(ntpq.Vars{
		{Name: "addr.0", Value: "127.0.0.1:123"},
		{Name: "name.0", Value: "lo"},
		{Name: "addr.1", Value: "192.0.2.1:123"},
		{Name: "name.1", Value: "eth0"},
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runOrdList(context.Background(), m, &buf, "ifstats"))
	assert.Equal(t, "addr.0=127.0.0.1:123 name.0=lo\naddr.1=192.0.2.1:123 name.1=eth0\n", buf.String())
}

func TestRunMRUList(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	q := ntpq.MRUQuery{Limit: 2}
	m := new(MockQuery)
	m.On("MRUList", mock.Anything, q).Return([]ntpq.MRUEntry{
		{Addr: netip.MustParseAddrPort("198.51.100.1:123"), First: core.TimestampFromTime(now.Add(-60 * time.Second)), Last: core.TimestampFromTime(now.Add(-30 * time.Second)), Count: 2, Mode: 3, Version: 4},
		{Addr: netip.MustParseAddrPort("198.51.100.2:40000"), First: core.TimestampFromTime(now.Add(-5 * time.Second)), Last: core.TimestampFromTime(now.Add(-5 * time.Second)), Count: 1, Mode: 6, Version: 2, Restrict: 0x10},
	}, core.TimestampFromTime(now), nil)

	var buf bytes.Buffer
	require.NoError(t, runMRUList(context.Background(), m, &buf, q))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	// newest first
	assert.Equal(t, []string{"5", "0", "0x10", "6", "2", "1", "198.51.100.2:40000"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"30", "30", "0x0", "3", "4", "2", "198.51.100.1:123"}, strings.Fields(lines[2]))
}

func TestParseAssignments(t *testing.T) {
	vars, err := parseAssignments([]string{"leap=1", " owner = ops ", "flag"})
	require.NoError(t, err)
	assert.Equal(t, ntpq.Vars{{Name: "leap", Value: "1"}, {Name: "owner", Value: "ops"}, {Name: "flag"}}, vars)

	_, err = parseAssignments([]string{"=1"})
	assert.Error(t, err)
}

func TestReadSecretFromEnv(t *testing.T) {
	t.Setenv(KeySecretEnv, "s3cret")
	s, err := readSecret(os.Stdin, &bytes.Buffer{}, 7)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", s)
}

func TestReadSecretFromPipe(t *testing.T) {
	t.Setenv(KeySecretEnv, "")
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	_, err = w.WriteString("piped\n")
	require.NoError(t, err)
	w.Close()

	s, err := readSecret(r, &bytes.Buffer{}, 7)
	require.NoError(t, err)
	assert.Equal(t, "piped", s)
}

func TestQueryCmdUsesDialer(t *testing.T) {
	m := new(MockQuery)
	m.On("SaveConfig", mock.Anything, "saved.conf").Return("Configuration saved to saved.conf", nil)
	m.On("Close").Return(nil)

	orig := dialQuery
	defer func() { dialQuery = orig }()
	var gotAuth bool
	dialQuery = func(_ context.Context, auth bool) (QueryClient, error) {
		gotAuth = auth
		return m, nil
	}

	c := &cobra.Command{}
	var buf bytes.Buffer
	c.SetOut(&buf)
	require.NoError(t, saveconfigCmd.RunE(c, []string{"saved.conf"}))
	assert.True(t, gotAuth)
	assert.Equal(t, "Configuration saved to saved.conf\n", buf.String())
	m.AssertExpectations(t)

	dialQuery = func(context.Context, bool) (QueryClient, error) { return nil, errors.New("no route") }
	assert.ErrorContains(t, readvarCmd.RunE(c, nil), "no route")
}

func TestRunReplay(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	f, err := os.Create(in)
	require.NoError(t, err)
	w, err := replay.NewWriter(f)
	require.NoError(t, err)
	req, err := control.EncodeFragment(control.Header{
		LIVNMode: control.PackLIVNMode(0, 4, control.ModeControl),
		REMOp:    control.OpReadVar,
		Sequence: 1,
	}, nil, false, 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.WriteUDP(netip.MustParseAddrPort("198.51.100.7:40000"), netip.MustParseAddrPort("192.0.2.1:123"), req, time.Now()))
	require.NoError(t, f.Close())

	out := filepath.Join(dir, "out.pcap")
	var buf bytes.Buffer
	require.NoError(t, runReplay(context.Background(), &buf, nil, in, out, replay.Options{}))
	assert.Contains(t, buf.String(), `"requests": 1`)
	assert.Contains(t, buf.String(), `"replies": 1`)

	fi, err := os.Stat(out)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(24))

	assert.Error(t, runReplay(context.Background(), &buf, nil, filepath.Join(dir, "none.pcap"), "", replay.Options{}))
}
