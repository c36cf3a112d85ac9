// Package container abstracts the runtime hosting agent workers. The backend
// is pluggable; the orchestrator only sees opaque handles.
package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"boardroom/pkg/config"
	"boardroom/pkg/proto"
)

// API is the container backend contract used by the scheduler's health job.
type API interface {
	Start(ctx context.Context, agentType proto.AgentType, env map[string]string) (string, error)
	Stop(ctx context.Context, handle string) error
	Restart(ctx context.Context, handle string) error
	ListUnhealthy(ctx context.Context) ([]string, error)
}

// New selects a backend from config. Unknown backends fall back to the
// in-process no-op backend.
func New(cfg config.ContainerConfig) API {
	if cfg.Backend == "docker" {
		return NewDockerAPI(cfg.Image)
	}
	return NewNoneAPI()
}

// NoneAPI runs no containers; agents execute in-process. Handles are
// synthetic and nothing is ever unhealthy.
type NoneAPI struct {
	mu      sync.Mutex
	handles map[string]time.Time
}

// NewNoneAPI creates the no-op backend.
func NewNoneAPI() *NoneAPI {
	return &NoneAPI{handles: make(map[string]time.Time)}
}

func (n *NoneAPI) Start(_ context.Context, agentType proto.AgentType, _ map[string]string) (string, error) {
	handle := fmt.Sprintf("inproc:%s", agentType)
	n.mu.Lock()
	n.handles[handle] = time.Now()
	n.mu.Unlock()
	return handle, nil
}

func (n *NoneAPI) Stop(_ context.Context, handle string) error {
	n.mu.Lock()
	delete(n.handles, handle)
	n.mu.Unlock()
	return nil
}

func (n *NoneAPI) Restart(_ context.Context, handle string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.handles[handle]; !ok {
		return fmt.Errorf("unknown handle: %s", handle)
	}
	n.handles[handle] = time.Now()
	return nil
}

func (n *NoneAPI) ListUnhealthy(context.Context) ([]string, error) {
	return nil, nil
}
