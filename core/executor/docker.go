package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime runs containers on the local Docker engine
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the engine configured by DOCKER_HOST and friends
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

// Close releases the engine connection
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// PullImage pulls ref and waits for the pull to complete
func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// the pull only finishes once the progress stream is drained
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Create creates the container described by spec
func (d *DockerRuntime) Create(ctx context.Context, name string, spec LaunchSpec) (string, error) {
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          ShellCommand(spec.Entrypoint, spec.Command),
		Env:          envList(spec.Env),
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			"gpu-job-fetcher.job": spec.JobID,
		},
	}

	hostCfg := &container.HostConfig{
		IpcMode: container.IpcMode("host"),
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	for _, g := range spec.Devices {
		hostCfg.DeviceRequests = append(hostCfg.DeviceRequests, container.DeviceRequest{
			Driver:       g.Driver,
			Count:        g.Count,
			DeviceIDs:    g.DeviceIDs,
			Capabilities: [][]string{g.Capabilities},
		})
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Start starts a created container
func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	return d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{})
}

// Inspect returns the current container state
func (d *DockerRuntime) Inspect(ctx context.Context, id string) (ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerState{}, err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return ContainerState{}, fmt.Errorf("container %s has no state", id)
	}
	st := info.State
	state := ContainerState{Status: st.Status, Running: st.Running}
	if st.Status == StatusExited || st.Status == StatusDead {
		code := st.ExitCode
		detail := st.Error
		state.ExitCode = &code
		state.Error = &detail
	}
	return state, nil
}

// Wait blocks until the container is no longer running
func (d *DockerRuntime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, err
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("wait error: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Logs returns stdout and stderr interleaved into one string
func (d *DockerRuntime) Logs(ctx context.Context, id string) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Kill sends SIGKILL
func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	return d.cli.ContainerKill(ctx, id, "SIGKILL")
}

// Stop stops the container with the engine's default grace period
func (d *DockerRuntime) Stop(ctx context.Context, id string) error {
	return d.cli.ContainerStop(ctx, id, container.StopOptions{})
}

// Remove force-removes the container
func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true})
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
