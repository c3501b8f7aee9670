package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"

	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// portMode selects how a new container's ports are bound during a
// strategy's lifetime.
type portMode int

const (
	portsOriginal portMode = iota // descriptor bindings as-is
	portsProbe                    // probe offset applied to host ports
	portsNone                     // created without host bindings
)

// probePortOffset keeps validation traffic off the live port while the
// previous container still serves it.
const probePortOffset = 1000

func hostPortFor(binding string, mode portMode) string {
	if mode != portsProbe {
		return binding
	}

	port, err := nat.ParsePort(binding)
	if err != nil {
		return binding
	}
	return strconv.Itoa(port + probePortOffset)
}

// containerSpec renders a descriptor into Docker create parameters.
func containerSpec(d *deploy.Descriptor, mode portMode) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}

	if mode != portsNone {
		for containerPort, hostPort := range d.PortBindings {
			port, err := nat.NewPort("tcp", containerPort)
			if err != nil {
				return nil, nil, nil, opserr.Wrap(err, opserr.KindInvalidDescriptor, "invalid container port %q", containerPort)
			}

			exposed[port] = struct{}{}
			bindings[port] = []nat.PortBinding{{HostPort: hostPortFor(hostPort, mode)}}
		}
	}

	config := &container.Config{
		Image:        d.ImageTag,
		Cmd:          d.Command,
		Entrypoint:   d.Entrypoint,
		Env:          d.Environment,
		Labels:       d.Labels,
		ExposedPorts: exposed,
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(restartPolicyOrDefault(d.RestartPolicy)),
		},
	}

	for _, m := range d.Volumes {
		switch m.Kind {
		case deploy.MountVolume:
			hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
				Type:     mount.TypeVolume,
				Source:   m.VolumeName,
				Target:   m.MountPath,
				ReadOnly: m.ReadOnly,
			})
		case deploy.MountBind:
			hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
				Type:     mount.TypeBind,
				Source:   m.HostPath,
				Target:   m.MountPath,
				ReadOnly: m.ReadOnly,
			})
		}
	}

	nanoCPUs, err := deploy.ParseCPU(d.CPULimit)
	if err != nil {
		return nil, nil, nil, err
	}
	memory, err := deploy.ParseMemory(d.MemoryLimit)
	if err != nil {
		return nil, nil, nil, err
	}
	hostConfig.NanoCPUs = nanoCPUs
	hostConfig.Memory = memory

	networking := &network.NetworkingConfig{}
	if len(d.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(d.Networks[0])
		networking.EndpointsConfig = map[string]*network.EndpointSettings{
			d.Networks[0]: {},
		}
	}

	return config, hostConfig, networking, nil
}

func restartPolicyOrDefault(policy string) string {
	if policy == "" {
		return "no"
	}
	return policy
}

// createAndStart creates a container from the descriptor under the given
// name and starts it.
func createAndStart(ctx context.Context, client dockerapi.Client, d *deploy.Descriptor, name string, mode portMode) (string, error) {
	config, hostConfig, networking, err := containerSpec(d, mode)
	if err != nil {
		return "", err
	}

	id, err := client.ContainerCreate(ctx, config, hostConfig, networking, name)
	if err != nil {
		return "", err
	}

	if err := client.ContainerStart(ctx, id); err != nil {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = client.ContainerRemove(removeCtx, id, true)
		return "", err
	}

	return id, nil
}

// stopAndRemove stops (with timeout) then removes a container; not-found
// is tolerated on both steps.
func stopAndRemove(ctx context.Context, client dockerapi.Client, name string, timeout time.Duration) error {
	if err := client.ContainerStop(ctx, name, timeout); err != nil && opserr.KindOf(err) != opserr.KindNotFound {
		return err
	}

	if err := client.ContainerRemove(ctx, name, true); err != nil && opserr.KindOf(err) != opserr.KindNotFound {
		return err
	}

	return nil
}

// containerExists reports whether a name resolves on the host.
func containerExists(ctx context.Context, client dockerapi.Client, name string) (bool, error) {
	_, err := client.ContainerInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if opserr.KindOf(err) == opserr.KindNotFound {
		return false, nil
	}
	return false, err
}
