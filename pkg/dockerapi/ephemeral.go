package dockerapi

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// EphemeralSpec describes a short-lived helper container used purely for
// data-plane work (tar, copy) with no side effects beyond its mounts.
type EphemeralSpec struct {
	Image  string
	Cmd    []string
	Env    []string
	Mounts []mount.Mount
	Name   string
}

type EphemeralResult struct {
	ExitCode int64
	Logs     string
}

// RunEphemeral pulls the helper image if absent, runs the container to
// completion and force-removes it regardless of outcome.
func (c *apiClient) RunEphemeral(ctx context.Context, spec EphemeralSpec) (EphemeralResult, error) {
	var result EphemeralResult

	if _, err := c.ImageInspect(ctx, spec.Image); err != nil {
		if opserr.KindOf(err) != opserr.KindNotFound {
			return result, err
		}
		if err := c.ImagePull(ctx, spec.Image); err != nil {
			return result, err
		}
	}

	id, err := c.ContainerCreate(
		ctx,
		&container.Config{
			Image: spec.Image,
			Cmd:   spec.Cmd,
			Env:   spec.Env,
		},
		&container.HostConfig{
			Mounts:      spec.Mounts,
			NetworkMode: "none",
		},
		nil,
		spec.Name,
	)
	if err != nil {
		return result, err
	}

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.ContainerRemove(removeCtx, id, true)
	}()

	if err := c.ContainerStart(ctx, id); err != nil {
		return result, err
	}

	code, err := c.ContainerWait(ctx, id)
	if err != nil {
		return result, err
	}
	result.ExitCode = code

	if logs, err := c.ContainerLogs(ctx, id); err == nil {
		result.Logs = logs
	}

	if code != 0 {
		return result, opserr.New(opserr.KindDaemonError, "helper %s exited with status %d", spec.Image, code)
	}

	return result, nil
}
