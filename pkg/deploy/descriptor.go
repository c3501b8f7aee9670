// Package deploy holds the normalized container descriptor: the single
// serializable representation of a container's runtime configuration that
// every strategy consumes, plus environment transforms and YAML I/O.
package deploy

import (
	"strings"
)

type MountKind string

const (
	MountVolume MountKind = "volume"
	MountBind   MountKind = "bind"
)

// privilegedPrefixes are host paths whose backup requires elevation.
var privilegedPrefixes = []string{
	"/var/lib/docker", "/root", "/etc", "/proc", "/sys", "/lib/modules", "/boot",
}

// systemPrefixes are host paths that are never backupable at all.
var systemPrefixes = []string{
	"/proc", "/sys", "/lib/modules", "/boot",
}

// MountSpec is a tagged variant: a named volume or a bind mount.
type MountSpec struct {
	Kind       MountKind
	VolumeName string
	HostPath   string
	MountPath  string
	ReadOnly   bool
}

// Privileged reports whether backing up this mount needs elevated
// credentials on the host.
func (m MountSpec) Privileged() bool {
	return m.Kind == MountBind && underAny(m.HostPath, privilegedPrefixes)
}

// System reports whether the mount points into kernel-owned host paths
// that cannot be meaningfully archived.
func (m MountSpec) System() bool {
	return m.Kind == MountBind && underAny(m.HostPath, systemPrefixes)
}

// Identifier names the mount for archives and progress messages.
func (m MountSpec) Identifier() string {
	if m.Kind == MountVolume {
		return m.VolumeName
	}
	return m.HostPath
}

func underAny(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// Descriptor is the normalized deployment descriptor produced by
// inspection and consumed by every strategy. PortBindings maps container
// port to host port.
type Descriptor struct {
	ContainerName string
	ImageTag      string
	Command       []string
	Entrypoint    []string
	PortBindings  map[string]string
	Environment   []string
	Volumes       []MountSpec
	Networks      []string
	RestartPolicy string
	CPULimit      string
	MemoryLimit   string
	Labels        map[string]string
	Replicas      int

	// HealthcheckEndpoint nil means "resolve from the image"; empty
	// string disables HTTP probing.
	HealthcheckEndpoint *string
	HealthcheckRetries  int
	HealthcheckTimeout  int
}

// Validate checks the fields every strategy depends on.
func (d *Descriptor) Validate() error {
	if d.ContainerName == "" {
		return errMissing("container_name")
	}
	if d.ImageTag == "" {
		return errMissing("image_tag")
	}

	for _, m := range d.Volumes {
		switch m.Kind {
		case MountVolume:
			if m.VolumeName == "" || m.MountPath == "" {
				return errInvalidMount(m)
			}
		case MountBind:
			if m.HostPath == "" || m.MountPath == "" {
				return errInvalidMount(m)
			}
		default:
			return errInvalidMount(m)
		}
	}

	return nil
}

// Clone deep-copies the descriptor so transforms never alias the source.
func (d *Descriptor) Clone() *Descriptor {
	out := *d

	out.Command = append([]string(nil), d.Command...)
	out.Entrypoint = append([]string(nil), d.Entrypoint...)
	out.Environment = append([]string(nil), d.Environment...)
	out.Volumes = append([]MountSpec(nil), d.Volumes...)
	out.Networks = append([]string(nil), d.Networks...)

	if d.PortBindings != nil {
		out.PortBindings = make(map[string]string, len(d.PortBindings))
		for k, v := range d.PortBindings {
			out.PortBindings[k] = v
		}
	}
	if d.Labels != nil {
		out.Labels = make(map[string]string, len(d.Labels))
		for k, v := range d.Labels {
			out.Labels[k] = v
		}
	}
	if d.HealthcheckEndpoint != nil {
		endpoint := *d.HealthcheckEndpoint
		out.HealthcheckEndpoint = &endpoint
	}

	return &out
}
