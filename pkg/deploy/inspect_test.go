package deploy

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

// region inspectorMock
type inspectorMock struct {
	mock.Mock
}

func (m *inspectorMock) ContainerInspect(ctx context.Context, name string) (types.ContainerJSON, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(types.ContainerJSON), args.Error(1)
}

// endregion

func grafanaInspect() types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			Name:  "/grafana",
			Image: "sha256:abcdef",
			HostConfig: &container.HostConfig{
				PortBindings: nat.PortMap{
					"3000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "3000"}},
				},
				RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
				Resources: container.Resources{
					NanoCPUs: 500000000,
					Memory:   512 * 1024 * 1024,
				},
			},
		},
		Mounts: []types.MountPoint{
			{Type: "volume", Name: "grafana-data", Source: "/var/lib/docker/volumes/grafana-data/_data", Destination: "/var/lib/grafana", RW: true},
			{Type: "bind", Source: "/srv/grafana/provisioning", Destination: "/etc/grafana/provisioning", RW: false},
		},
		Config: &container.Config{
			Image: "grafana/grafana:10.4.0",
			Env:   []string{"GF_SECURITY_ADMIN_USER=admin", "GF_PATHS_DATA=/var/lib/grafana"},
			Labels: map[string]string{
				"maintainer": "ops",
			},
		},
		NetworkSettings: &types.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"monitoring": {},
			},
		},
	}
}

func TestInspect_FullFidelity(t *testing.T) {
	client := &inspectorMock{}
	client.On("ContainerInspect", mock.Anything, "grafana").Return(grafanaInspect(), nil)

	d, err := Inspect(context.Background(), client, "grafana")
	require.NoError(t, err)

	assert.Equal(t, "grafana", d.ContainerName)
	assert.Equal(t, "grafana/grafana:10.4.0", d.ImageTag)
	assert.Equal(t, map[string]string{"3000": "3000"}, d.PortBindings)
	assert.Equal(t, []string{"GF_SECURITY_ADMIN_USER=admin", "GF_PATHS_DATA=/var/lib/grafana"}, d.Environment)
	assert.Equal(t, "unless-stopped", d.RestartPolicy)
	assert.Equal(t, "0.5", d.CPULimit)
	assert.Equal(t, "512Mi", d.MemoryLimit)
	assert.Equal(t, []string{"monitoring"}, d.Networks)
	assert.Equal(t, "ops", d.Labels["maintainer"])

	require.Len(t, d.Volumes, 2)
	assert.Equal(t, MountVolume, d.Volumes[0].Kind)
	assert.Equal(t, "grafana-data", d.Volumes[0].VolumeName)
	assert.False(t, d.Volumes[0].ReadOnly)
	assert.Equal(t, MountBind, d.Volumes[1].Kind)
	assert.Equal(t, "/srv/grafana/provisioning", d.Volumes[1].HostPath)
	assert.True(t, d.Volumes[1].ReadOnly)
}

func TestInspect_AnonymousVolumeNameRecovered(t *testing.T) {
	info := grafanaInspect()
	info.Mounts = []types.MountPoint{
		{Type: "volume", Source: "/var/lib/docker/volumes/0a1b2c3d/_data", Destination: "/data", RW: true},
	}

	client := &inspectorMock{}
	client.On("ContainerInspect", mock.Anything, "app").Return(info, nil)

	d, err := Inspect(context.Background(), client, "app")
	require.NoError(t, err)

	require.Len(t, d.Volumes, 1)
	assert.Equal(t, "0a1b2c3d", d.Volumes[0].VolumeName)
}

func TestInspect_NotFound(t *testing.T) {
	client := &inspectorMock{}
	client.On("ContainerInspect", mock.Anything, "gone").
		Return(types.ContainerJSON{}, opserr.New(opserr.KindNotFound, "no such container"))

	_, err := Inspect(context.Background(), client, "gone")
	assert.Equal(t, opserr.KindNotFound, opserr.KindOf(err))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "2.0", formatCPU(2000000000))
	assert.Equal(t, "1Gi", formatMemory(1024*1024*1024))
	assert.Equal(t, "512Mi", formatMemory(512*1024*1024))

	nano, err := ParseCPU("1.5")
	require.NoError(t, err)
	assert.Equal(t, int64(1500000000), nano)

	bytes, err := ParseMemory("1Gi")
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024*1024), bytes)

	_, err = ParseMemory("12XB")
	assert.Error(t, err)
}
