package engine

import (
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

func specDescriptor() *deploy.Descriptor {
	return &deploy.Descriptor{
		ContainerName: "web",
		ImageTag:      "web:1.0",
		PortBindings:  map[string]string{"80": "8080"},
		Environment:   []string{"MODE=prod"},
		Volumes: []deploy.MountSpec{
			{Kind: deploy.MountVolume, VolumeName: "web-data", MountPath: "/data"},
			{Kind: deploy.MountBind, HostPath: "/srv/web", MountPath: "/srv", ReadOnly: true},
		},
		Networks:      []string{"frontend"},
		RestartPolicy: "unless-stopped",
		CPULimit:      "1.0",
		MemoryLimit:   "512Mi",
	}
}

func TestContainerSpec_OriginalPorts(t *testing.T) {
	config, hostConfig, networking, err := containerSpec(specDescriptor(), portsOriginal)
	require.NoError(t, err)

	assert.Equal(t, "web:1.0", config.Image)
	assert.Equal(t, []string{"MODE=prod"}, config.Env)

	bindings := hostConfig.PortBindings[nat.Port("80/tcp")]
	require.Len(t, bindings, 1)
	assert.Equal(t, "8080", bindings[0].HostPort)

	require.Len(t, hostConfig.Mounts, 2)
	assert.Equal(t, "web-data", hostConfig.Mounts[0].Source)
	assert.True(t, hostConfig.Mounts[1].ReadOnly)

	assert.Equal(t, int64(1000000000), hostConfig.NanoCPUs)
	assert.Equal(t, int64(512*1024*1024), hostConfig.Memory)
	assert.Equal(t, "unless-stopped", string(hostConfig.RestartPolicy.Name))
	assert.Equal(t, "frontend", string(hostConfig.NetworkMode))
	assert.Contains(t, networking.EndpointsConfig, "frontend")
}

func TestContainerSpec_ProbePortsOffset(t *testing.T) {
	_, hostConfig, _, err := containerSpec(specDescriptor(), portsProbe)
	require.NoError(t, err)

	bindings := hostConfig.PortBindings[nat.Port("80/tcp")]
	require.Len(t, bindings, 1)
	assert.Equal(t, "9080", bindings[0].HostPort)
}

func TestContainerSpec_NoPorts(t *testing.T) {
	_, hostConfig, _, err := containerSpec(specDescriptor(), portsNone)
	require.NoError(t, err)

	assert.Empty(t, hostConfig.PortBindings)
}

func TestContainerSpec_InvalidPort(t *testing.T) {
	d := specDescriptor()
	d.PortBindings = map[string]string{"eighty": "8080"}

	_, _, _, err := containerSpec(d, portsOriginal)
	assert.Equal(t, opserr.KindInvalidDescriptor, opserr.KindOf(err))
}

func TestFirstHostPort(t *testing.T) {
	d := specDescriptor()
	d.PortBindings = map[string]string{"80": "8080", "443": "8443"}

	assert.Equal(t, "8080", firstHostPort(d, portsOriginal))
	assert.Equal(t, "9080", firstHostPort(d, portsProbe))

	d.PortBindings = nil
	assert.Equal(t, "", firstHostPort(d, portsOriginal))
}
