package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerExposesCollectors(t *testing.T) {
	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	ControlRequestsTotal.WithLabelValues("READVAR").Inc()

	resp, err := http.Get("http://" + s.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `ntpctl_control_requests_total{opcode="READVAR"}`)
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "/m").Stop(context.Background()))
}

func TestServerHealth(t *testing.T) {
	healthy := true
	s := NewServer("127.0.0.1:0", "")
	s.SetHealthCheck(func() bool { return healthy })
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	get := func() int {
		resp, err := http.Get("http://" + s.Addr().String() + HealthPath)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, get())
	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get())
}
