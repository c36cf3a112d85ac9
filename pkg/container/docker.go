package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"boardroom/pkg/logx"
	"boardroom/pkg/proto"
)

const (
	dockerCommand = "docker"
	podmanCommand = "podman"

	containerPrefix = "boardroom-agent-"
)

// DockerAPI manages agent containers via the docker (or podman) CLI. One
// container per agent type, named by a fixed prefix so orphaned containers
// from previous runs are replaced on start.
type DockerAPI struct {
	image     string
	dockerCmd string
	logger    *logx.Logger

	mu      sync.RWMutex
	handles map[string]time.Time // container name -> started at
}

// NewDockerAPI creates the docker backend. Podman is used when docker is not
// on the path.
func NewDockerAPI(image string) *DockerAPI {
	dockerCmd := dockerCommand
	if _, err := exec.LookPath(podmanCommand); err == nil {
		if _, err := exec.LookPath(dockerCommand); err != nil {
			dockerCmd = podmanCommand
		}
	}
	return &DockerAPI{
		image:     image,
		dockerCmd: dockerCmd,
		logger:    logx.NewLogger("container"),
		handles:   make(map[string]time.Time),
	}
}

// Available reports whether the container daemon responds.
func (d *DockerAPI) Available() bool {
	if _, err := exec.LookPath(d.dockerCmd); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, d.dockerCmd, "ps", "-q").Run() == nil
}

// Start launches (or replaces) the container for an agent type and returns
// its name as the handle.
func (d *DockerAPI) Start(ctx context.Context, agentType proto.AgentType, env map[string]string) (string, error) {
	name := containerPrefix + string(agentType)

	// Replace any stale container left over from a previous run.
	_ = exec.CommandContext(ctx, d.dockerCmd, "rm", "-f", name).Run()

	args := []string{"run", "-d", "--name", name, "--restart", "unless-stopped"}
	for k, v := range env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, d.image)

	out, err := exec.CommandContext(ctx, d.dockerCmd, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to start container %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}

	d.mu.Lock()
	d.handles[name] = time.Now()
	d.mu.Unlock()
	d.logger.Info("Started container %s (image=%s)", name, d.image)
	return name, nil
}

// Stop stops and removes a container.
func (d *DockerAPI) Stop(ctx context.Context, handle string) error {
	out, err := exec.CommandContext(ctx, d.dockerCmd, "rm", "-f", handle).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w: %s", handle, err, strings.TrimSpace(string(out)))
	}
	d.mu.Lock()
	delete(d.handles, handle)
	d.mu.Unlock()
	d.logger.Info("Stopped container %s", handle)
	return nil
}

// Restart restarts a container in place, preserving its handle.
func (d *DockerAPI) Restart(ctx context.Context, handle string) error {
	out, err := exec.CommandContext(ctx, d.dockerCmd, "restart", handle).CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to restart container %s: %w: %s", handle, err, strings.TrimSpace(string(out)))
	}
	d.mu.Lock()
	d.handles[handle] = time.Now()
	d.mu.Unlock()
	d.logger.Info("Restarted container %s", handle)
	return nil
}

// ListUnhealthy returns the handles of managed containers whose health check
// is failing or which have exited.
func (d *DockerAPI) ListUnhealthy(ctx context.Context) ([]string, error) {
	var unhealthy []string
	for _, filter := range []string{"health=unhealthy", "status=exited"} {
		out, err := exec.CommandContext(ctx, d.dockerCmd,
			"ps", "-a", "--filter", filter, "--format", "{{.Names}}").Output()
		if err != nil {
			return nil, fmt.Errorf("failed to list containers: %w", err)
		}
		for _, name := range strings.Fields(string(out)) {
			if strings.HasPrefix(name, containerPrefix) && d.managed(name) {
				unhealthy = append(unhealthy, name)
			}
		}
	}
	return unhealthy, nil
}

func (d *DockerAPI) managed(handle string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handles[handle]
	return ok
}
