package docker

import (
	"context"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// API defines the subset of Docker operations this codebase uses.
// Implemented by Client for production, and by mocks for testing.
type API interface {
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	PullImage(ctx context.Context, refStr string) error
	RemoveContainerWithVolumes(ctx context.Context, id string) error
	ExecContainer(ctx context.Context, id string, cmd []string, timeout int) (int, string, error)

	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
