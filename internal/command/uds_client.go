package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	uuid "github.com/satori/go.uuid"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := uuid.Must(uuid.NewV4()).String()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 16<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if respID := fmt.Sprintf("%v", jsonrpcResp.ID); respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     reqID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// CallInto calls method and decodes a successful result into out. A
// JSON-RPC error is returned as *ErrorInfo.
func (c *UDSClient) CallInto(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	b, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// Status calls daemon_status.
func (c *UDSClient) Status(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.CallInto(ctx, MethodDaemonStatus, nil, &out)
	return out, err
}

// Stats calls daemon_stats.
func (c *UDSClient) Stats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.CallInto(ctx, MethodDaemonStats, nil, &out)
	return out, err
}

// ClearStats calls stats_clear.
func (c *UDSClient) ClearStats(ctx context.Context) error {
	return c.CallInto(ctx, MethodStatsClear, nil, nil)
}

// TrapRow is one trap receiver as reported by traps.
type TrapRow struct {
	Addr       string `json:"addr"`
	Local      string `json:"local"`
	Version    uint8  `json:"version"`
	Sequence   uint16 `json:"sequence"`
	Resets     uint32 `json:"resets"`
	Configured bool   `json:"configured"`
	NonPrio    bool   `json:"non_prio"`
}

// TrapList is the traps result.
type TrapList struct {
	Traps []TrapRow `json:"traps"`
}

// Traps calls traps.
func (c *UDSClient) Traps(ctx context.Context) (*TrapList, error) {
	var out TrapList
	if err := c.CallInto(ctx, MethodTraps, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetTrap calls trap_set.
func (c *UDSClient) SetTrap(ctx context.Context, p TrapParams) error {
	return c.CallInto(ctx, MethodTrapSet, p, nil)
}

// ClearTrap calls trap_clear.
func (c *UDSClient) ClearTrap(ctx context.Context, p TrapParams) error {
	return c.CallInto(ctx, MethodTrapClear, p, nil)
}

// Peers calls peers.
func (c *UDSClient) Peers(ctx context.Context) ([]PeerSummary, error) {
	var out struct {
		Peers []PeerSummary `json:"peers"`
	}
	err := c.CallInto(ctx, MethodPeers, nil, &out)
	return out.Peers, err
}

// MRU calls mru.
func (c *UDSClient) MRU(ctx context.Context, limit int) ([]MRUSummary, error) {
	var out struct {
		Entries []MRUSummary `json:"entries"`
	}
	err := c.CallInto(ctx, MethodMRU, MRUParams{Limit: limit}, &out)
	return out.Entries, err
}

// ApplyConfig calls config_apply.
func (c *UDSClient) ApplyConfig(ctx context.Context, text string) error {
	return c.CallInto(ctx, MethodConfigApply, ConfigApplyParams{Text: text}, nil)
}

// ConfigReload calls config_reload.
func (c *UDSClient) ConfigReload(ctx context.Context) error {
	return c.CallInto(ctx, MethodConfigReload, nil, nil)
}

// Shutdown calls daemon_shutdown.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.CallInto(ctx, MethodDaemonShutdown, nil, nil)
}

// Ping checks that the daemon answers on the socket.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}
