package runtimepool

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// harnessImages maps a harness name to the container image that serves its
// runtime RPC endpoint.
var harnessImages = map[string]string{
	"codex":       "agentorch/runtime-codex:latest",
	"opencode":    "agentorch/runtime-opencode:latest",
	"claude-code": "agentorch/runtime-claude-code:latest",
	"zai":         "agentorch/runtime-zai:latest",
}

// DockerProvisioner starts ephemeral long-lived runtime containers on
// demand, one per leased worker slot, adapted from the prior system's
// exec-and-remove sandbox into a start-and-register pattern.
type DockerProvisioner struct {
	client      *client.Client
	memoryMB    int64
	networkMode string
	rpcPort     string
}

// NewDockerProvisioner creates a Docker-backed Provisioner.
func NewDockerProvisioner(memoryMB int64, networkMode, rpcPort string) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if memoryMB <= 0 {
		memoryMB = 2048
	}
	if networkMode == "" {
		networkMode = "bridge"
	}
	if rpcPort == "" {
		rpcPort = "8080"
	}
	return &DockerProvisioner{client: cli, memoryMB: memoryMB * 1024 * 1024, networkMode: networkMode, rpcPort: rpcPort}, nil
}

// Provision starts a fresh container advertising harness's runtime image
// and returns a worker id plus the RPC endpoint the dispatcher should call.
func (d *DockerProvisioner) Provision(ctx context.Context, harness string) (workerID, endpoint, containerID string, err error) {
	image, ok := harnessImages[harness]
	if !ok {
		return "", "", "", fmt.Errorf("no runtime image registered for harness %q", harness)
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image: image,
		Env:   []string{"RUNTIME_RPC_PORT=" + d.rpcPort},
		ExposedPorts: map[string]struct{}{
			d.rpcPort + "/tcp": {},
		},
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryMB},
		NetworkMode: container.NetworkMode(d.networkMode),
		PublishAllPorts: true,
	}, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", "", "", fmt.Errorf("create runtime container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", "", "", fmt.Errorf("start runtime container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", "", "", fmt.Errorf("inspect runtime container: %w", err)
	}

	hostPort := d.rpcPort
	if bindings, ok := inspect.NetworkSettings.Ports[d.rpcPort+"/tcp"]; ok && len(bindings) > 0 {
		hostPort = bindings[0].HostPort
	}

	workerID = "worker-" + uuid.NewString()
	endpoint = fmt.Sprintf("http://127.0.0.1:%s", hostPort)
	return workerID, endpoint, resp.ID, nil
}

// Close releases the underlying Docker client.
func (d *DockerProvisioner) Close() error {
	return d.client.Close()
}

// Client exposes the underlying Docker client so a DockerReaper can share
// the same connection rather than dialing a second one.
func (d *DockerProvisioner) Client() *client.Client {
	return d.client
}
