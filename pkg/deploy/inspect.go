package deploy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

const (
	defaultHealthRetries = 10
	defaultHealthTimeout = 30
)

// Inspector is the slice of the Docker client introspection needs.
type Inspector interface {
	ContainerInspect(ctx context.Context, name string) (types.ContainerJSON, error)
}

// Inspect reads a container and derives its descriptor in full fidelity:
// original port bindings, env order, labels, restart policy and mounts
// are preserved as-is.
func Inspect(ctx context.Context, client Inspector, containerName string) (*Descriptor, error) {
	info, err := client.ContainerInspect(ctx, containerName)
	if err != nil {
		return nil, err
	}
	if info.Config == nil || info.HostConfig == nil {
		return nil, opserr.New(opserr.KindInvariantViolation, "daemon returned incomplete inspect for %s", containerName)
	}

	d := &Descriptor{
		ContainerName:      strings.TrimPrefix(info.Name, "/"),
		ImageTag:           info.Config.Image,
		Command:            append([]string(nil), info.Config.Cmd...),
		Entrypoint:         append([]string(nil), info.Config.Entrypoint...),
		PortBindings:       make(map[string]string),
		Environment:        append([]string(nil), info.Config.Env...),
		Labels:             info.Config.Labels,
		RestartPolicy:      string(info.HostConfig.RestartPolicy.Name),
		Replicas:           1,
		HealthcheckRetries: defaultHealthRetries,
		HealthcheckTimeout: defaultHealthTimeout,
	}

	if d.ImageTag == "" {
		d.ImageTag = info.Image
	}
	if d.RestartPolicy == "" {
		d.RestartPolicy = "no"
	}

	for port, bindings := range info.HostConfig.PortBindings {
		if len(bindings) == 0 {
			continue
		}
		d.PortBindings[port.Port()] = bindings[0].HostPort
	}

	for _, m := range info.Mounts {
		spec := MountSpec{
			MountPath: m.Destination,
			ReadOnly:  !m.RW,
		}
		if m.Type == "volume" || m.Name != "" {
			spec.Kind = MountVolume
			spec.VolumeName = m.Name
			if spec.VolumeName == "" {
				spec.VolumeName = volumeNameFromSource(m.Source)
			}
		} else {
			spec.Kind = MountBind
			spec.HostPath = m.Source
		}
		d.Volumes = append(d.Volumes, spec)
	}

	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			d.Networks = append(d.Networks, name)
		}
		sort.Strings(d.Networks)
	}

	if info.HostConfig.NanoCPUs > 0 {
		d.CPULimit = formatCPU(info.HostConfig.NanoCPUs)
	}
	if info.HostConfig.Memory > 0 {
		d.MemoryLimit = formatMemory(info.HostConfig.Memory)
	}

	return d, nil
}

// volumeNameFromSource recovers the volume name out of the daemon's
// /var/lib/docker/volumes/<name>/_data source path.
func volumeNameFromSource(source string) string {
	const marker = "/volumes/"

	idx := strings.Index(source, marker)
	if idx < 0 {
		return source
	}

	rest := source[idx+len(marker):]
	if slash := strings.Index(rest, "/"); slash >= 0 {
		return rest[:slash]
	}
	return rest
}

func formatCPU(nanoCPUs int64) string {
	cpus := float64(nanoCPUs) / 1e9
	if cpus == float64(int64(cpus)) {
		return fmt.Sprintf("%.1f", cpus)
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", cpus), "0"), ".")
}

func formatMemory(bytes int64) string {
	mib := bytes / (1024 * 1024)
	if mib >= 1024 && mib%1024 == 0 {
		return fmt.Sprintf("%dGi", mib/1024)
	}
	return fmt.Sprintf("%dMi", mib)
}

// ParseCPU converts a descriptor cpu string back to NanoCPUs; empty means
// unlimited.
func ParseCPU(limit string) (int64, error) {
	if limit == "" {
		return 0, nil
	}

	var cpus float64
	if _, err := fmt.Sscanf(limit, "%f", &cpus); err != nil || cpus < 0 {
		return 0, opserr.New(opserr.KindInvalidDescriptor, "invalid cpu_limit %q", limit)
	}

	return int64(cpus * 1e9), nil
}

// ParseMemory converts a 512Mi/1Gi style limit back to bytes.
func ParseMemory(limit string) (int64, error) {
	if limit == "" {
		return 0, nil
	}

	var amount float64
	var unit string
	if _, err := fmt.Sscanf(limit, "%f%s", &amount, &unit); err != nil || amount < 0 {
		return 0, opserr.New(opserr.KindInvalidDescriptor, "invalid memory_limit %q", limit)
	}

	switch unit {
	case "Gi", "G":
		return int64(amount * 1024 * 1024 * 1024), nil
	case "Mi", "M":
		return int64(amount * 1024 * 1024), nil
	case "Ki", "K":
		return int64(amount * 1024), nil
	default:
		return 0, opserr.New(opserr.KindInvalidDescriptor, "invalid memory unit %q", unit)
	}
}
