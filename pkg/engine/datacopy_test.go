package engine

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

func newTestOperation(t *testing.T, client dockerapi.Client) *operation {
	t.Helper()

	registry := progress.NewRegistry()
	lease, err := registry.Acquire("influx")
	require.NoError(t, err)

	return &operation{
		engine:     nil,
		logger:     discardLogger(),
		key:        "influx",
		lease:      lease,
		client:     client,
		strategy:   StrategyBlueGreen,
		descriptor: &deploy.Descriptor{ContainerName: "influx", ImageTag: "influxdb:2.7"},
	}
}

func TestMigrateSlotData_DistinctVolumesCopied(t *testing.T) {
	client := &dockerClientMock{}

	// fresh target volume does not exist yet
	client.On("VolumeInspect", mock.Anything, "influx-data-prod").Return(volume.Volume{}, notFoundErr())
	client.On("VolumeCreate", mock.Anything, "influx-data-prod").Return(volume.Volume{Name: "influx-data-prod"}, nil)

	client.On("RunEphemeral", mock.Anything, mock.MatchedBy(func(spec dockerapi.EphemeralSpec) bool {
		return len(spec.Mounts) == 2 &&
			spec.Mounts[0].Source == "influx-data" && spec.Mounts[0].ReadOnly &&
			spec.Mounts[1].Source == "influx-data-prod" && !spec.Mounts[1].ReadOnly
	})).Return(dockerapi.EphemeralResult{}, nil)

	// recognized database family copies its config subtree as well
	client.On("CopyFromContainer", mock.Anything, "influx", "/etc/influxdb2").
		Return(io.NopCloser(strings.NewReader("tar")), nil)
	client.On("CopyToContainer", mock.Anything, "new-id", "/etc", mock.Anything).Return(nil)

	op := newTestOperation(t, client)

	oldD := &deploy.Descriptor{
		ContainerName: "influx",
		ImageTag:      "influxdb:2.7",
		Volumes: []deploy.MountSpec{
			{Kind: deploy.MountVolume, VolumeName: "influx-data", MountPath: "/var/lib/influxdb2"},
		},
	}
	newD := &deploy.Descriptor{
		ContainerName: "influx",
		ImageTag:      "influxdb:2.7",
		Volumes: []deploy.MountSpec{
			{Kind: deploy.MountVolume, VolumeName: "influx-data-prod", MountPath: "/var/lib/influxdb2"},
		},
	}

	err := op.migrateSlotData(context.Background(), oldD, newD, "influx", "new-id")
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestMigrateSlotData_MatchingVolumesShareStorage(t *testing.T) {
	client := &dockerClientMock{}

	op := newTestOperation(t, client)

	shared := []deploy.MountSpec{
		{Kind: deploy.MountVolume, VolumeName: "app-data", MountPath: "/data"},
	}
	oldD := &deploy.Descriptor{ContainerName: "app", ImageTag: "app:1", Volumes: shared}
	newD := &deploy.Descriptor{ContainerName: "app", ImageTag: "app:1", Volumes: shared}

	err := op.migrateSlotData(context.Background(), oldD, newD, "app", "new-id")
	require.NoError(t, err)

	client.AssertNotCalled(t, "RunEphemeral", mock.Anything, mock.Anything)
}

func TestDatabaseFamily(t *testing.T) {
	assert.Equal(t, "influxdb", databaseFamily("influxdb:2.7"))
	assert.Equal(t, "postgres", databaseFamily("postgres:16-alpine"))
	assert.Equal(t, "", databaseFamily("nginx:1.27"))
}
