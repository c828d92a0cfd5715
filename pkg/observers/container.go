package observers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/openfroyo/devstate/pkg/engine"
)

// ContainerAPI is the part of the docker client the container observer uses.
type ContainerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// ContainerObserver checks that a docker container is running and not
// reporting an unhealthy healthcheck.
type ContainerObserver struct {
	mu     sync.Mutex
	client ContainerAPI
	host   string
}

// NewContainerObserver creates a process.container observer. When api is nil
// a docker client is created on first use from the environment, with host
// overriding DOCKER_HOST if set.
func NewContainerObserver(api ContainerAPI, host string) *ContainerObserver {
	return &ContainerObserver{client: api, host: host}
}

func (o *ContainerObserver) ensureClient() (ContainerAPI, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.client != nil {
		return o.client, nil
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if o.host != "" {
		opts = append(opts, client.WithHost(o.host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	o.client = cli
	return cli, nil
}

// Observe inspects the configured container.
func (o *ContainerObserver) Observe(ctx context.Context, req engine.ObserveRequest) (engine.Observation, error) {
	name, ok := req.Item.Config.GetString("container")
	if !ok {
		return engine.Observation{}, fmt.Errorf("container must be a non-empty string")
	}

	cli, err := o.ensureClient()
	if err != nil {
		return engine.Observation{}, err
	}

	evidence := engine.Map{"container": engine.String(name)}

	info, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			evidence["exists"] = engine.Bool(false)
			return engine.Observation{Status: engine.StatusMissing, Evidence: evidence}, nil
		}
		return engine.Observation{}, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	evidence["exists"] = engine.Bool(true)
	if info.ContainerJSONBase == nil || info.State == nil {
		return engine.Observation{}, fmt.Errorf("container %s returned no state", name)
	}

	state := info.State
	evidence["id"] = engine.String(shortID(info.ID))
	evidence["running"] = engine.Bool(state.Running)
	evidence["state"] = engine.String(state.Status)

	healthy := state.Running
	if state.Health != nil && state.Health.Status != "" {
		evidence["health"] = engine.String(state.Health.Status)
		if strings.EqualFold(state.Health.Status, types.Unhealthy) {
			healthy = false
		}
	}

	status := engine.StatusMissing
	if healthy {
		status = engine.StatusHealthy
	}
	return engine.Observation{Status: status, Evidence: evidence}, nil
}

// Close releases the docker client if one was created.
func (o *ContainerObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
