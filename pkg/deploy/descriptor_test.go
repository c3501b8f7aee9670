package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

func TestMountSpec_PrivilegedPaths(t *testing.T) {
	cases := map[string]bool{
		"/var/lib/docker/volumes/foo/_data": true,
		"/root/.config":                     true,
		"/etc/nginx":                        true,
		"/home/user/data":                   false,
		"/opt/app":                          false,
		"/etcetera":                         false, // prefix match is path-aware
	}

	for path, want := range cases {
		m := MountSpec{Kind: MountBind, HostPath: path, MountPath: "/data"}
		assert.Equal(t, want, m.Privileged(), path)
	}
}

func TestMountSpec_SystemPaths(t *testing.T) {
	for _, path := range []string{"/proc", "/sys/kernel", "/lib/modules/6.1", "/boot"} {
		m := MountSpec{Kind: MountBind, HostPath: path, MountPath: "/data"}
		assert.True(t, m.System(), path)
		assert.True(t, m.Privileged(), path)
	}

	volume := MountSpec{Kind: MountVolume, VolumeName: "proc-data", MountPath: "/proc"}
	assert.False(t, volume.System())
	assert.False(t, volume.Privileged())
}

func TestDescriptor_Validate(t *testing.T) {
	d := &Descriptor{ContainerName: "web", ImageTag: "web:1"}
	assert.NoError(t, d.Validate())

	d = &Descriptor{ImageTag: "web:1"}
	assert.Equal(t, opserr.KindMissingField, opserr.KindOf(d.Validate()))

	d = &Descriptor{
		ContainerName: "web",
		ImageTag:      "web:1",
		Volumes:       []MountSpec{{Kind: MountVolume, MountPath: "/data"}},
	}
	assert.Equal(t, opserr.KindUnsupportedMount, opserr.KindOf(d.Validate()))
}

func TestDescriptor_CloneIsDeep(t *testing.T) {
	endpoint := "/health"
	d := &Descriptor{
		ContainerName: "web",
		ImageTag:      "web:1",
		PortBindings:  map[string]string{"80": "8080"},
		Environment:   []string{"A=1"},
		Labels:        map[string]string{"app": "web"},

		HealthcheckEndpoint: &endpoint,
	}

	clone := d.Clone()
	clone.PortBindings["80"] = "9090"
	clone.Environment[0] = "A=2"
	clone.Labels["app"] = "other"
	*clone.HealthcheckEndpoint = "/other"

	assert.Equal(t, "8080", d.PortBindings["80"])
	assert.Equal(t, "A=1", d.Environment[0])
	assert.Equal(t, "web", d.Labels["app"])
	assert.Equal(t, "/health", *d.HealthcheckEndpoint)
}
