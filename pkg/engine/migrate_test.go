package engine

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dockerpilot/dockerpilot/pkg/deploy"
)

func TestCountingReader_Counts(t *testing.T) {
	var reported int64
	r := &countingReader{
		reader: strings.NewReader(strings.Repeat("x", 64)),
		report: func(read int64) { reported = read },
	}

	buf, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Len(t, buf, 64)
	assert.Equal(t, int64(64), r.read)

	// below the reporting granularity nothing is emitted
	assert.Equal(t, int64(0), reported)
}

func TestCountingReader_AbortsOnCancel(t *testing.T) {
	cancelled := false
	r := &countingReader{
		reader:    strings.NewReader("data"),
		cancelled: func() bool { return cancelled },
	}

	buf := make([]byte, 2)
	_, err := r.Read(buf)
	require.NoError(t, err)

	cancelled = true
	_, err = r.Read(buf)
	assert.Equal(t, io.ErrClosedPipe, err)
}

func TestAdjustForTarget_TakenNameGetsSuffix(t *testing.T) {
	target := &dockerClientMock{}
	target.On("ContainerInspect", mock.Anything, "nginx").Return(runningInspect("sha256:x"), nil)

	m := &migration{target: target}
	d := &deploy.Descriptor{ContainerName: "nginx", ImageTag: "nginx:1.27"}

	name, adjusted, err := m.adjustForTarget(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "nginx-migrated-"))
	assert.Equal(t, name, adjusted.ContainerName)
}

func TestAdjustForTarget_FreeNameKept(t *testing.T) {
	target := &dockerClientMock{}
	target.On("ContainerInspect", mock.Anything, "nginx").Return(types.ContainerJSON{}, notFoundErr())

	m := &migration{target: target}
	d := &deploy.Descriptor{ContainerName: "nginx", ImageTag: "nginx:1.27"}

	name, adjusted, err := m.adjustForTarget(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "nginx", name)
	assert.Equal(t, "nginx", adjusted.ContainerName)
}
