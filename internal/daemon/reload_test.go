package daemon

import (
	"context"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/core"
)

func TestDaemonReloadLogLevel(t *testing.T) {
	p := newTestPaths(t)
	writeConfig(t, p.config, testConfig(p, "info", ""))
	d, err := New(p.config, "", "")
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Equal(t, "info", d.config.Log.Level)
	writeConfig(t, p.config, testConfig(p, "debug", ""))
	require.NoError(t, d.Reload())
	assert.Equal(t, "debug", d.config.Log.Level)
	assert.True(t, d.logger.IsDebugEnabled())
}

func TestDaemonReloadAppliesInPlace(t *testing.T) {
	p := newTestPaths(t)
	writeConfig(t, p.config, testConfig(p, "info", `  traps:
    - address: 192.0.2.50
`))
	d, err := New(p.config, "", "")
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	traps := d.Engine().Traps()
	require.Len(t, traps, 1)
	assert.Equal(t, "192.0.2.50:18447", traps[0].Addr.String())
	assert.True(t, traps[0].Configured)

	writeConfig(t, p.config, testConfig(p, "info", `  traps:
    - address: 192.0.2.60
      port: 2000
  restrict:
    - address: 203.0.113.0
      mask: 255.255.255.0
      flags: [ignore]
  monitor:
    enabled: true
    max_depth: 16
    min_depth: 8
    max_age: 60
`))
	require.NoError(t, d.Reload())

	traps = d.Engine().Traps()
	require.Len(t, traps, 1)
	assert.Equal(t, "192.0.2.60:2000", traps[0].Addr.String())

	flags := d.restrict.Match(netip.MustParseAddrPort("203.0.113.9:123"))
	assert.NotZero(t, flags&core.ResIgnore)
	assert.Equal(t, 16, d.config.Monitor.MaxDepth)
}

func TestDaemonReloadKeepsOldConfigOnError(t *testing.T) {
	p := newTestPaths(t)
	writeConfig(t, p.config, testConfig(p, "info", ""))
	d, err := New(p.config, "", "")
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	writeConfig(t, p.config, "ntpctl: [broken")
	require.Error(t, d.Reload())
	assert.Equal(t, "info", d.config.Log.Level)

	// a listen change is reported, not applied
	cfg := strings.Replace(testConfig(p, "info", ""), `listen: ["127.0.0.1:0"]`, `listen: ["127.0.0.1:1"]`, 1)
	writeConfig(t, p.config, cfg)
	require.NoError(t, d.Reload())
	eps := d.Endpoints()
	require.Len(t, eps, 1)
	assert.NotEqual(t, uint16(1), eps[0].Addr.Port())
}

func TestDaemonReloadOnFileChange(t *testing.T) {
	p := newTestPaths(t)
	writeConfig(t, p.config, testConfig(p, "info", ""))
	d, _ := startDaemon(t, p)

	require.Empty(t, d.Engine().Traps())

	writeConfig(t, p.config, testConfig(p, "info", `  traps:
    - address: 192.0.2.70
`))
	require.Eventually(t, func() bool {
		traps := d.Engine().Traps()
		return len(traps) == 1 && traps[0].Addr.Addr().String() == "192.0.2.70"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pid")

	_, err := ReadPIDFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("1234\n"), 0644))
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	_, err = ReadPIDFile(path)
	assert.Error(t, err)
}

func TestStopByPIDFile(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	cmd := exec.Command(sleep, "30")
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	path := filepath.Join(t.TempDir(), "pid")
	require.NoError(t, os.WriteFile(path, []byte("0\n"), 0644))
	assert.Error(t, StopByPIDFile(path, time.Second))

	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0644))
	require.NoError(t, StopByPIDFile(path, 5*time.Second))
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("process still running")
	}
}

func TestAliveWithoutSocket(t *testing.T) {
	assert.False(t, Alive(context.Background(), filepath.Join(t.TempDir(), "none.sock")))
}
