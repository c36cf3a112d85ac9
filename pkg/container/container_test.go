package container

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom/pkg/config"
	"boardroom/pkg/proto"
)

func TestNoneBackendLifecycle(t *testing.T) {
	api := NewNoneAPI()
	ctx := context.Background()

	handle, err := api.Start(ctx, proto.AgentCEO, map[string]string{"X": "1"})
	require.NoError(t, err)
	assert.Equal(t, "inproc:ceo", handle)

	require.NoError(t, api.Restart(ctx, handle))

	unhealthy, err := api.ListUnhealthy(ctx)
	require.NoError(t, err)
	assert.Empty(t, unhealthy)

	require.NoError(t, api.Stop(ctx, handle))
	assert.Error(t, api.Restart(ctx, handle), "stopped handle is unknown")
}

func TestBackendSelection(t *testing.T) {
	api := New(config.ContainerConfig{Backend: "none"})
	_, ok := api.(*NoneAPI)
	assert.True(t, ok)

	api = New(config.ContainerConfig{Backend: "docker", Image: "boardroom:latest"})
	_, ok = api.(*DockerAPI)
	assert.True(t, ok)

	// Unknown backends degrade to the no-op runtime.
	api = New(config.ContainerConfig{Backend: "kubernetes"})
	_, ok = api.(*NoneAPI)
	assert.True(t, ok)
}
