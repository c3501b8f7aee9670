// Package dockerapi wraps the Docker Engine API behind the narrow surface
// the engine needs, with daemon failures mapped to opserr kinds. A client
// is bound either to the platform-native local daemon socket or to a
// remote daemon reached through an SSH tunnel.
package dockerapi

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/docker/distribution/reference"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	docker "github.com/docker/docker/client"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// Client is the engine-facing subset of the Docker Engine API. Both the
// local daemon and SSH-tunneled remote daemons satisfy it.
type Client interface {
	Ping(ctx context.Context) error

	ContainerInspect(ctx context.Context, name string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, all bool) ([]types.Container, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networking *network.NetworkingConfig, name string) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerStop(ctx context.Context, id string, timeout time.Duration) error
	ContainerRemove(ctx context.Context, id string, force bool) error
	ContainerRename(ctx context.Context, id, newName string) error
	ContainerWait(ctx context.Context, id string) (int64, error)
	ContainerLogs(ctx context.Context, id string) (string, error)

	CopyFromContainer(ctx context.Context, id, path string) (io.ReadCloser, error)
	CopyToContainer(ctx context.Context, id, path string, content io.Reader) error

	ImageBuild(ctx context.Context, buildContext io.Reader, tag, dockerfile string) error
	ImagePull(ctx context.Context, ref string) error
	ImageTag(ctx context.Context, source, target string) error
	ImageRemove(ctx context.Context, id string, force bool) error
	ImageInspect(ctx context.Context, ref string) (types.ImageInspect, error)
	ImageSave(ctx context.Context, refs []string) (io.ReadCloser, error)
	ImageLoad(ctx context.Context, input io.Reader) error

	VolumeInspect(ctx context.Context, name string) (volume.Volume, error)
	VolumeCreate(ctx context.Context, name string) (volume.Volume, error)
	VolumeSizes(ctx context.Context) (map[string]int64, error)

	RunEphemeral(ctx context.Context, spec EphemeralSpec) (EphemeralResult, error)

	Events(ctx context.Context) (<-chan events.Message, <-chan error)

	Close() error
}

// apiClient binds a Docker SDK client to an optional SSH transport whose
// lifetime it owns.
type apiClient struct {
	cli *docker.Client
	ssh *ssh.Client
}

// NewLocal connects to the platform-native daemon socket (or DOCKER_HOST
// when set) and verifies it with one Ping.
func NewLocal(ctx context.Context) (Client, error) {
	cli, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		return nil, opserr.Wrap(err, opserr.KindDaemonUnavailable, "unable to create docker client")
	}

	c := &apiClient{cli: cli}
	if err := c.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}

	return c, nil
}

// NewOverSSH opens the Docker API over an established SSH transport by
// dialing the remote daemon socket through the tunnel. The returned client
// owns the SSH connection and closes it with Close.
func NewOverSSH(ctx context.Context, transport *ssh.Client) (Client, error) {
	cli, err := docker.NewClientWithOpts(
		docker.WithHost("unix:///var/run/docker.sock"),
		docker.WithAPIVersionNegotiation(),
		docker.WithDialContext(func(ctx context.Context, network, addr string) (net.Conn, error) {
			return transport.Dial("unix", "/var/run/docker.sock")
		}),
	)
	if err != nil {
		return nil, opserr.Wrap(err, opserr.KindDaemonUnavailable, "unable to create tunneled docker client")
	}

	c := &apiClient{cli: cli, ssh: transport}
	if err := c.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}

	return c, nil
}

func (c *apiClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := c.cli.Ping(ctx); err != nil {
		return opserr.Wrap(err, opserr.KindDaemonUnavailable, "unable to ping docker daemon")
	}
	return nil
}

func (c *apiClient) ContainerInspect(ctx context.Context, name string) (types.ContainerJSON, error) {
	info, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		return types.ContainerJSON{}, mapDaemonError(err, "inspect container %s", name)
	}
	return info, nil
}

func (c *apiClient) ContainerList(ctx context.Context, all bool) ([]types.Container, error) {
	containers, err := c.cli.ContainerList(ctx, types.ContainerListOptions{All: all})
	if err != nil {
		return nil, mapDaemonError(err, "list containers")
	}
	return containers, nil
}

func (c *apiClient) ContainerCreate(
	ctx context.Context,
	config *container.Config,
	hostConfig *container.HostConfig,
	networking *network.NetworkingConfig,
	name string,
) (string, error) {
	created, err := c.cli.ContainerCreate(ctx, config, hostConfig, networking, nil, name)
	if err != nil {
		return "", mapDaemonError(err, "create container %s", name)
	}
	return created.ID, nil
}

func (c *apiClient) ContainerStart(ctx context.Context, id string) error {
	if err := c.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return mapDaemonError(err, "start container %s", id)
	}
	return nil
}

func (c *apiClient) ContainerStop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)

	if err := c.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return mapDaemonError(err, "stop container %s", id)
	}
	return nil
}

func (c *apiClient) ContainerRemove(ctx context.Context, id string, force bool) error {
	err := c.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force})
	if err != nil {
		return mapDaemonError(err, "remove container %s", id)
	}
	return nil
}

func (c *apiClient) ContainerRename(ctx context.Context, id, newName string) error {
	if err := c.cli.ContainerRename(ctx, id, newName); err != nil {
		return mapDaemonError(err, "rename container %s to %s", id, newName)
	}
	return nil
}

// ContainerWait blocks until the container is no longer running and
// returns its exit code.
func (c *apiClient) ContainerWait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, opserr.New(opserr.KindDaemonError, "wait on %s: %s", id, status.Error.Message)
		}
		return status.StatusCode, nil
	case err := <-errCh:
		return 0, mapDaemonError(err, "wait on container %s", id)
	}
}

func (c *apiClient) ContainerLogs(ctx context.Context, id string) (string, error) {
	rc, err := c.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "100",
	})
	if err != nil {
		return "", mapDaemonError(err, "logs of container %s", id)
	}
	defer rc.Close()

	buf, err := io.ReadAll(rc)
	if err != nil {
		return "", opserr.Wrap(err, opserr.KindIOError, "read logs of container %s", id)
	}

	return string(buf), nil
}

func (c *apiClient) CopyFromContainer(ctx context.Context, id, path string) (io.ReadCloser, error) {
	rc, _, err := c.cli.CopyFromContainer(ctx, id, path)
	if err != nil {
		return nil, mapDaemonError(err, "copy %s from container %s", path, id)
	}
	return rc, nil
}

func (c *apiClient) CopyToContainer(ctx context.Context, id, path string, content io.Reader) error {
	err := c.cli.CopyToContainer(ctx, id, path, content, types.CopyToContainerOptions{})
	if err != nil {
		return mapDaemonError(err, "copy %s into container %s", path, id)
	}
	return nil
}

func (c *apiClient) ImageBuild(ctx context.Context, buildContext io.Reader, tag, dockerfile string) error {
	resp, err := c.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
		PullParent: true,
	})
	if err != nil {
		return mapDaemonError(err, "build image %s", tag)
	}
	defer resp.Body.Close()

	// The build stream must be drained for the build to complete; errors
	// arrive as JSON messages inside the stream.
	if err := drainBuildStream(resp.Body); err != nil {
		return err
	}

	return nil
}

func (c *apiClient) ImagePull(ctx context.Context, ref string) error {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return opserr.Wrap(err, opserr.KindInvalidDescriptor, "invalid image reference %q", ref)
	}

	rc, err := c.cli.ImagePull(ctx, named.String(), types.ImagePullOptions{})
	if err != nil {
		return mapDaemonError(err, "pull image %s", ref)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return opserr.Wrap(err, opserr.KindIOError, "read pull stream of %s", ref)
	}

	return nil
}

func (c *apiClient) ImageTag(ctx context.Context, source, target string) error {
	if err := c.cli.ImageTag(ctx, source, target); err != nil {
		return mapDaemonError(err, "tag image %s as %s", source, target)
	}
	return nil
}

func (c *apiClient) ImageRemove(ctx context.Context, id string, force bool) error {
	_, err := c.cli.ImageRemove(ctx, id, types.ImageRemoveOptions{Force: force})
	if err != nil {
		return mapDaemonError(err, "remove image %s", id)
	}
	return nil
}

func (c *apiClient) ImageInspect(ctx context.Context, ref string) (types.ImageInspect, error) {
	info, _, err := c.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return types.ImageInspect{}, mapDaemonError(err, "inspect image %s", ref)
	}
	return info, nil
}

func (c *apiClient) ImageSave(ctx context.Context, refs []string) (io.ReadCloser, error) {
	rc, err := c.cli.ImageSave(ctx, refs)
	if err != nil {
		return nil, mapDaemonError(err, "save images %v", refs)
	}
	return rc, nil
}

func (c *apiClient) ImageLoad(ctx context.Context, input io.Reader) error {
	resp, err := c.cli.ImageLoad(ctx, input, true)
	if err != nil {
		return mapDaemonError(err, "load image")
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return opserr.Wrap(err, opserr.KindIOError, "read load stream")
	}

	return nil
}

func (c *apiClient) VolumeInspect(ctx context.Context, name string) (volume.Volume, error) {
	vol, err := c.cli.VolumeInspect(ctx, name)
	if err != nil {
		return volume.Volume{}, mapDaemonError(err, "inspect volume %s", name)
	}
	return vol, nil
}

func (c *apiClient) VolumeCreate(ctx context.Context, name string) (volume.Volume, error) {
	vol, err := c.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return volume.Volume{}, mapDaemonError(err, "create volume %s", name)
	}
	return vol, nil
}

// VolumeSizes asks the daemon for per-volume disk usage. Volumes the
// daemon reports without usage data are omitted.
func (c *apiClient) VolumeSizes(ctx context.Context) (map[string]int64, error) {
	usage, err := c.cli.DiskUsage(ctx, types.DiskUsageOptions{Types: []types.DiskUsageObject{types.VolumeObject}})
	if err != nil {
		return nil, mapDaemonError(err, "query disk usage")
	}

	sizes := make(map[string]int64, len(usage.Volumes))
	for _, vol := range usage.Volumes {
		if vol == nil || vol.UsageData == nil || vol.UsageData.Size < 0 {
			continue
		}
		sizes[vol.Name] = vol.UsageData.Size
	}

	return sizes, nil
}

func (c *apiClient) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	return c.cli.Events(ctx, types.EventsOptions{Filters: filters.NewArgs()})
}

func (c *apiClient) Close() error {
	err := c.cli.Close()

	if c.ssh != nil {
		if sshErr := c.ssh.Close(); err == nil {
			err = sshErr
		}
	}

	if err != nil {
		return errors.Wrap(err, "close docker client")
	}
	return nil
}
