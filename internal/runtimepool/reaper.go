package runtimepool

import (
	"context"
	"fmt"

	"github.com/basket/agentorch/internal/store"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerReaper implements recovery.ContainerReaper by looking up the run's
// container id in the store and stopping/killing it via the Docker API.
type DockerReaper struct {
	client *client.Client
	store  *store.Store
}

func NewDockerReaper(cli *client.Client, s *store.Store) *DockerReaper {
	return &DockerReaper{client: cli, store: s}
}

// KillContainer stops the run's container gracefully, or force-kills it when
// force is true or a graceful stop times out.
func (r *DockerReaper) KillContainer(ctx context.Context, runID, reason string, force bool) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("runtimepool: reaper lookup run %s: %w", runID, err)
	}
	if run.ContainerID == "" {
		return nil
	}
	if force {
		return r.client.ContainerKill(ctx, run.ContainerID, "SIGKILL")
	}
	timeout := 10
	if err := r.client.ContainerStop(ctx, run.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return r.client.ContainerKill(ctx, run.ContainerID, "SIGKILL")
	}
	return nil
}
