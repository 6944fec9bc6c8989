package provider

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	dockerLabelManagedBy = "managed-by"
	dockerLabelValue     = "cmux"
)

// DockerConfig configures the local Docker backend.
type DockerConfig struct {
	Image       string
	NetworkMode string
}

// Docker runs sandboxes as local containers. It is the only backend with a
// native pause primitive (cgroup freeze).
type Docker struct {
	cfg DockerConfig
	cli *client.Client
}

var _ Provider = (*Docker)(nil)

func NewDocker(cfg DockerConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("%w: docker ping: %v", ErrProviderUnavailable, err)
	}
	return &Docker{cfg: cfg, cli: cli}, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Start(ctx context.Context, spec Spec) (*Instance, error) {
	image := spec.Image
	if image == "" {
		image = d.cfg.Image
	}

	env := []string{"TERM=xterm-256color"}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	labels := map[string]string{dockerLabelManagedBy: dockerLabelValue}
	for k, v := range specMetadata(spec) {
		labels[k] = v
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  image,
			Env:    env,
			Labels: labels,
		},
		&container.HostConfig{
			CapDrop:         []string{"ALL"},
			SecurityOpt:     []string{"no-new-privileges"},
			NetworkMode:     container.NetworkMode(d.cfg.NetworkMode),
			PublishAllPorts: true,
		},
		nil, nil, "cmux-"+uuid.NewString()[:8],
	)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start: %w", err)
	}
	log.Info().Str("provider", d.Name()).Str("instance_id", shortContainerID(resp.ID)).Msg("started instance")
	return d.Get(ctx, resp.ID)
}

func (d *Docker) Get(ctx context.Context, id string) (*Instance, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: container inspect: %v", ErrProviderUnavailable, err)
	}

	status := StatusStopped
	if inspect.State != nil {
		switch {
		case inspect.State.Paused:
			status = StatusPaused
		case inspect.State.Running:
			status = StatusRunning
		}
	}

	created, _ := time.Parse(time.RFC3339Nano, inspect.Created)
	inst := &Instance{
		ID:        inspect.ID,
		Provider:  d.Name(),
		Status:    status,
		Metadata:  instanceLabels(inspect.Config.Labels),
		CreatedAt: created,
	}

	// Normalize host port bindings onto the well-known sandbox ports.
	if inspect.NetworkSettings != nil {
		for _, port := range wellKnownPorts {
			natPort := fmt.Sprintf("%d/tcp", port)
			for p, bindings := range inspect.NetworkSettings.Ports {
				if string(p) != natPort || len(bindings) == 0 {
					continue
				}
				inst.Networking = append(inst.Networking, Service{
					Port: port,
					URL:  "http://localhost:" + bindings[0].HostPort,
				})
			}
		}
	}
	return inst, nil
}

func instanceLabels(labels map[string]string) map[string]string {
	md := map[string]string{}
	for _, key := range []string{"teamId", "taskId"} {
		if v, ok := labels[key]; ok {
			md[key] = v
		}
	}
	return md
}

func (d *Docker) List(ctx context.Context) ([]*Instance, error) {
	f := filters.NewArgs(filters.Arg("label", dockerLabelManagedBy+"="+dockerLabelValue))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("%w: container list: %v", ErrProviderUnavailable, err)
	}
	out := make([]*Instance, 0, len(containers))
	for _, c := range containers {
		inst, err := d.Get(ctx, c.ID)
		if err != nil {
			// Removed between list and inspect.
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (d *Docker) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	execID, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}
	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *Docker) Pause(ctx context.Context, id string) error {
	if err := d.cli.ContainerPause(ctx, id); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container pause: %w", err)
	}
	return nil
}

func (d *Docker) Resume(ctx context.Context, id string) (*Instance, error) {
	if err := d.cli.ContainerUnpause(ctx, id); err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("container unpause: %w", err)
	}
	return waitForStatus(ctx, func(ctx context.Context) (*Instance, error) {
		return d.Get(ctx, id)
	}, StatusRunning)
}

func (d *Docker) Stop(ctx context.Context, id string) error {
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container stop: %w", err)
	}
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (d *Docker) Close() error { return d.cli.Close() }

func shortContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
