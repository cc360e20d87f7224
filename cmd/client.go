package cmd

import (
	"context"

	"firestige.xyz/ntpctl/internal/command"
)

// DaemonClient is the part of the daemon socket API the CLI uses.
// *command.UDSClient implements it.
type DaemonClient interface {
	Status(ctx context.Context) (map[string]interface{}, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
	ClearStats(ctx context.Context) error
	Traps(ctx context.Context) (*command.TrapList, error)
	SetTrap(ctx context.Context, p command.TrapParams) error
	ClearTrap(ctx context.Context, p command.TrapParams) error
	Peers(ctx context.Context) ([]command.PeerSummary, error)
	MRU(ctx context.Context, limit int) ([]command.MRUSummary, error)
	ApplyConfig(ctx context.Context, text string) error
	ConfigReload(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

var cli DaemonClient

// daemonClient returns the injected client or a socket client.
func daemonClient() DaemonClient {
	if cli != nil {
		return cli
	}
	return command.NewUDSClient(resolveSocket(), rpcTimeout)
}

// SetClient replaces the socket client, for tests.
func SetClient(c DaemonClient) {
	cli = c
}

// GetClient returns the injected client, if any.
func GetClient() DaemonClient {
	return cli
}
