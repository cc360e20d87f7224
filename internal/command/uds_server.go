package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/tevino/abool"

	"firestige.xyz/ntpctl/internal/log"
)

// connIdle closes admin connections that send nothing for this long.
const connIdle = 5 * time.Minute

// UDSServer serves newline-delimited JSON-RPC 2.0 over a Unix domain socket.
// One connection may carry any number of requests; each is answered in order.
type UDSServer struct {
	socketPath string
	handler    *CommandHandler
	logger     log.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       conc.WaitGroup
	stopped  *abool.AtomicBool
}

// NewUDSServer creates a new UDS server.
func NewUDSServer(socketPath string, handler *CommandHandler) *UDSServer {
	return &UDSServer{
		socketPath: socketPath,
		handler:    handler,
		conns:      make(map[net.Conn]struct{}),
		stopped:    abool.New(),
		logger:     log.GetLogger().WithFields(map[string]interface{}{"module": "command", "socket": socketPath}),
	}
}

// Listen binds the socket, replacing a stale socket file, and restricts it
// to the owner. Calling it again is a no-op.
func (s *UDSServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.listener = ln
	s.logger.Info("admin socket listening")
	return nil
}

// Start serves until ctx is cancelled, binding the socket first unless
// Listen already did.
func (s *UDSServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	go s.acceptLoop(ctx)

	<-ctx.Done()
	s.logger.WithField("reason", ctx.Err()).Info("admin socket stopping")
	return s.Stop()
}

// Addr returns the socket path.
func (s *UDSServer) Addr() string {
	return s.socketPath
}

func (s *UDSServer) acceptLoop(ctx context.Context) {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopped.IsSet() {
				return
			}
			s.logger.WithError(err).Error("failed to accept connection")
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Go(func() { s.serveConn(ctx, conn) })
	}
}

// track registers conn for Stop; false once the server is stopped.
func (s *UDSServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.IsSet() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *UDSServer) serveConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	enc := json.NewEncoder(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(connIdle))
		if !scanner.Scan() {
			break
		}
		if err := enc.Encode(s.serveLine(ctx, scanner.Bytes())); err != nil {
			s.logger.WithError(err).Error("failed to send response")
			return
		}
	}
	if err := scanner.Err(); err != nil && !s.stopped.IsSet() {
		s.logger.WithError(err).Debug("connection closed")
	}
}

// serveLine answers one request line. Malformed requests get an error
// response and leave the connection usable.
func (s *UDSServer) serveLine(ctx context.Context, line []byte) JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.logger.WithError(err).Warn("failed to parse request")
		return JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &ErrorInfo{Code: ErrCodeParseError, Message: fmt.Sprintf("parse error: %v", err)},
		}
	}
	switch {
	case req.JSONRPC != "" && req.JSONRPC != "2.0":
		return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &ErrorInfo{Code: ErrCodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC)}}
	case req.Method == "":
		return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID,
			Error: &ErrorInfo{Code: ErrCodeInvalidRequest, Message: "method is required"}}
	}

	began := time.Now()
	resp := s.handler.Handle(ctx, Command{
		Method: req.Method,
		Params: req.Params,
		ID:     fmt.Sprintf("%v", req.ID),
	})
	if s.logger.IsDebugEnabled() {
		s.logger.WithFields(map[string]interface{}{
			"method":  req.Method,
			"elapsed": time.Since(began).String(),
			"failed":  resp.Error != nil,
		}).Debug("admin request served")
	}
	return JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: resp.Result, Error: resp.Error}
}

// Stop closes the listener and every open connection, waits for their
// handlers, then removes the socket. It is safe to call more than once.
func (s *UDSServer) Stop() error {
	if !s.stopped.SetToIf(false, true) {
		return nil
	}
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("failed to remove socket: %w", err)
	}
	s.logger.Info("admin socket stopped")
	return nil
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}
