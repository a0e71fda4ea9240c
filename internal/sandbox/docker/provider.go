// Package docker implements sandbox.Provider on the Docker Engine API.
// Every terminal session gets one container running an interactive login
// shell; containers are labelled so orphans can be found after a restart.
package docker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	dockercontext "github.com/docker/go-sdk/context"
	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/config"
	"github.com/obot-platform/labterm/internal/sandbox"
)

const (
	labelManaged   = "labterm.managed"
	labelSessionID = "labterm.session.id"
	labelImage     = "labterm.image"
)

// Provider runs sandboxes as Docker containers.
type Provider struct {
	client *client.Client
	cfg    *config.Config
	logger *zap.Logger
}

// NewProvider connects to the Docker daemon. The endpoint is taken from
// cfg.DockerHost, then DOCKER_HOST and friends, then the current docker
// CLI context.
func NewProvider(cfg *config.Config, logger *zap.Logger) (*Provider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host := resolveHost(cfg.DockerHost, logger); host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}

	return &Provider{
		client: cli,
		cfg:    cfg,
		logger: logger.Named("docker"),
	}, nil
}

// resolveHost picks an explicit host, or falls back to the docker CLI's
// current context when the environment does not name one.
func resolveHost(explicit string, logger *zap.Logger) string {
	if explicit != "" {
		return explicit
	}
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		logger.Debug("no docker context host, using client defaults", zap.Error(err))
		return ""
	}
	return host
}

// Close releases the Docker client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// containerName generates the container name for a session.
func (p *Provider) containerName(sessionID string) string {
	return p.cfg.SandboxNamePrefix + sessionID
}

// Create creates the session container without starting it.
func (p *Provider) Create(ctx context.Context, sessionID string, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	image := opts.Image
	if image == "" {
		image = p.cfg.SandboxImage
	}

	env := []string{"TERM=xterm-256color"}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManaged:   "true",
		labelSessionID: sessionID,
		labelImage:     image,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	exposed, bindings, err := portSpec(opts.Ports)
	if err != nil {
		return nil, err
	}

	containerConfig := &containerTypes.Config{
		Image:        image,
		User:         opts.User,
		WorkingDir:   opts.WorkDir,
		Cmd:          opts.Cmd,
		Env:          env,
		Labels:       labels,
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
	}

	hostConfig := &containerTypes.HostConfig{
		AutoRemove:   opts.AutoRemove,
		PortBindings: bindings,
	}
	if opts.Resources.MemoryMB > 0 {
		hostConfig.Resources.Memory = int64(opts.Resources.MemoryMB) * 1024 * 1024
	}
	if opts.Resources.CPUCores > 0 {
		hostConfig.Resources.NanoCPUs = int64(opts.Resources.CPUCores * 1e9)
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, p.containerName(sessionID))
	if err != nil {
		switch {
		case cerrdefs.IsNotFound(err):
			return nil, fmt.Errorf("%w: %s: %v", sandbox.ErrInvalidImage, image, err)
		case cerrdefs.IsConflict(err):
			return nil, fmt.Errorf("%w: %v", sandbox.ErrAlreadyExists, err)
		}
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	for _, w := range resp.Warnings {
		p.logger.Warn("container create warning", zap.String("session_id", sessionID), zap.String("warning", w))
	}

	return &sandbox.Sandbox{
		ID:        resp.ID,
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Image:     image,
		CreatedAt: time.Now(),
		Metadata:  map[string]string{"name": p.containerName(sessionID)},
	}, nil
}

// portSpec translates port mappings into Docker's exposed-port and binding sets.
func portSpec(ports []sandbox.PortMapping) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pm := range ports {
		protocol := pm.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		port, err := nat.NewPort(protocol, strconv.Itoa(pm.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port mapping %d/%s: %w", pm.ContainerPort, protocol, err)
		}
		exposed[port] = struct{}{}
		hostPort := ""
		if pm.HostPort > 0 {
			hostPort = strconv.Itoa(pm.HostPort)
		}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: hostPort}}
	}
	return exposed, bindings, nil
}

// Start starts the session container.
func (p *Provider) Start(ctx context.Context, sessionID string) error {
	if err := p.client.ContainerStart(ctx, p.containerName(sessionID), containerTypes.StartOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return sandbox.ErrNotFound
		}
		return fmt.Errorf("%w: %v", sandbox.ErrStartFailed, err)
	}
	return nil
}

// Stop stops the session container, killing it after timeout.
func (p *Provider) Stop(ctx context.Context, sessionID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	err := p.client.ContainerStop(ctx, p.containerName(sessionID), containerTypes.StopOptions{Timeout: &seconds})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return sandbox.ErrNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove force-removes the session container. A container that is already
// gone, or is being removed by the daemon's auto-remove, is not an error.
func (p *Provider) Remove(ctx context.Context, sessionID string) error {
	err := p.client.ContainerRemove(ctx, p.containerName(sessionID), containerTypes.RemoveOptions{Force: true})
	if err != nil {
		if cerrdefs.IsNotFound(err) || cerrdefs.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Get inspects the session container.
func (p *Provider) Get(ctx context.Context, sessionID string) (*sandbox.Sandbox, error) {
	info, err := p.client.ContainerInspect(ctx, p.containerName(sessionID))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, sandbox.ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	s := &sandbox.Sandbox{
		ID:        info.ID,
		SessionID: sessionID,
		Status:    sandbox.StatusCreated,
		Metadata:  map[string]string{"name": info.Name},
	}
	if info.Config != nil {
		s.Image = info.Config.Image
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		s.CreatedAt = created
	}
	if info.State != nil {
		s.Status = statusFromState(string(info.State.Status), info.State.ExitCode)
		s.Error = info.State.Error
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil && started.Year() > 1 {
			s.StartedAt = &started
		}
		if finished, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil && finished.Year() > 1 {
			s.StoppedAt = &finished
		}
	}
	if info.NetworkSettings != nil {
		for port, bindings := range info.NetworkSettings.Ports {
			for _, b := range bindings {
				hostPort, _ := strconv.Atoi(b.HostPort)
				s.Ports = append(s.Ports, sandbox.AssignedPort{
					ContainerPort: port.Int(),
					HostPort:      hostPort,
					HostIP:        b.HostIP,
					Protocol:      port.Proto(),
				})
			}
		}
	}
	return s, nil
}

// List returns every labterm-managed container.
func (p *Provider) List(ctx context.Context) ([]*sandbox.Sandbox, error) {
	containers, err := p.client.ContainerList(ctx, containerTypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]*sandbox.Sandbox, 0, len(containers))
	for _, c := range containers {
		sessionID := c.Labels[labelSessionID]
		if sessionID == "" {
			continue
		}
		result = append(result, &sandbox.Sandbox{
			ID:        c.ID,
			SessionID: sessionID,
			Status:    statusFromState(string(c.State), 0),
			Image:     c.Image,
			CreatedAt: time.Unix(c.Created, 0),
		})
	}
	return result, nil
}

func statusFromState(state string, exitCode int) sandbox.SandboxStatus {
	switch state {
	case "running", "paused", "restarting":
		return sandbox.StatusRunning
	case "exited", "removing":
		if exitCode != 0 && exitCode != 137 && exitCode != 143 {
			return sandbox.StatusFailed
		}
		return sandbox.StatusStopped
	case "dead":
		return sandbox.StatusFailed
	default:
		return sandbox.StatusCreated
	}
}
