package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dockerpilot/dockerpilot/pkg/backup"
	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/health"
	"github.com/dockerpilot/dockerpilot/pkg/hosts"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

// region dockerClientMock
type dockerClientMock struct {
	mock.Mock
}

func (m *dockerClientMock) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *dockerClientMock) ContainerInspect(ctx context.Context, name string) (types.ContainerJSON, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(types.ContainerJSON), args.Error(1)
}

func (m *dockerClientMock) ContainerList(ctx context.Context, all bool) ([]types.Container, error) {
	args := m.Called(ctx, all)

	if list := args.Get(0); list != nil {
		return list.([]types.Container), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *dockerClientMock) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networking *network.NetworkingConfig, name string) (string, error) {
	args := m.Called(ctx, config, hostConfig, networking, name)
	return args.String(0), args.Error(1)
}

func (m *dockerClientMock) ContainerStart(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *dockerClientMock) ContainerStop(ctx context.Context, id string, timeout time.Duration) error {
	return m.Called(ctx, id, timeout).Error(0)
}

func (m *dockerClientMock) ContainerRemove(ctx context.Context, id string, force bool) error {
	return m.Called(ctx, id, force).Error(0)
}

func (m *dockerClientMock) ContainerRename(ctx context.Context, id, newName string) error {
	return m.Called(ctx, id, newName).Error(0)
}

func (m *dockerClientMock) ContainerWait(ctx context.Context, id string) (int64, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(int64), args.Error(1)
}

func (m *dockerClientMock) ContainerLogs(ctx context.Context, id string) (string, error) {
	args := m.Called(ctx, id)
	return args.String(0), args.Error(1)
}

func (m *dockerClientMock) CopyFromContainer(ctx context.Context, id, path string) (io.ReadCloser, error) {
	args := m.Called(ctx, id, path)

	if rc := args.Get(0); rc != nil {
		return rc.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *dockerClientMock) CopyToContainer(ctx context.Context, id, path string, content io.Reader) error {
	return m.Called(ctx, id, path, content).Error(0)
}

func (m *dockerClientMock) ImageBuild(ctx context.Context, buildContext io.Reader, tag, dockerfile string) error {
	return m.Called(ctx, buildContext, tag, dockerfile).Error(0)
}

func (m *dockerClientMock) ImagePull(ctx context.Context, ref string) error {
	return m.Called(ctx, ref).Error(0)
}

func (m *dockerClientMock) ImageTag(ctx context.Context, source, target string) error {
	return m.Called(ctx, source, target).Error(0)
}

func (m *dockerClientMock) ImageRemove(ctx context.Context, id string, force bool) error {
	return m.Called(ctx, id, force).Error(0)
}

func (m *dockerClientMock) ImageInspect(ctx context.Context, ref string) (types.ImageInspect, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(types.ImageInspect), args.Error(1)
}

func (m *dockerClientMock) ImageSave(ctx context.Context, refs []string) (io.ReadCloser, error) {
	args := m.Called(ctx, refs)

	if rc := args.Get(0); rc != nil {
		return rc.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *dockerClientMock) ImageLoad(ctx context.Context, input io.Reader) error {
	return m.Called(ctx, input).Error(0)
}

func (m *dockerClientMock) VolumeInspect(ctx context.Context, name string) (volume.Volume, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(volume.Volume), args.Error(1)
}

func (m *dockerClientMock) VolumeCreate(ctx context.Context, name string) (volume.Volume, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(volume.Volume), args.Error(1)
}

func (m *dockerClientMock) VolumeSizes(ctx context.Context) (map[string]int64, error) {
	args := m.Called(ctx)

	if sizes := args.Get(0); sizes != nil {
		return sizes.(map[string]int64), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *dockerClientMock) RunEphemeral(ctx context.Context, spec dockerapi.EphemeralSpec) (dockerapi.EphemeralResult, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(dockerapi.EphemeralResult), args.Error(1)
}

func (m *dockerClientMock) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	m.Called(ctx)
	return nil, nil
}

func (m *dockerClientMock) Close() error {
	return m.Called().Error(0)
}

// endregion

// region fakeHostResolver
type fakeHostResolver struct {
	client dockerapi.Client

	mu       sync.Mutex
	retained map[string]int

	// gate, when non-nil, blocks Resolve until closed
	gate chan struct{}
}

func newFakeResolver(client dockerapi.Client) *fakeHostResolver {
	return &fakeHostResolver{client: client, retained: make(map[string]int)}
}

func (f *fakeHostResolver) Get(id string) (hosts.Record, error) {
	if id == hosts.LocalID {
		return hosts.LocalRecord(), nil
	}
	return hosts.Record{ID: id, Hostname: "10.0.0.7"}, nil
}

func (f *fakeHostResolver) Resolve(ctx context.Context, id string) (dockerapi.Client, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.client, nil
}

func (f *fakeHostResolver) Retain(id string) {
	f.mu.Lock()
	f.retained[id]++
	f.mu.Unlock()
}

func (f *fakeHostResolver) Release(id string) {
	f.mu.Lock()
	f.retained[id]--
	f.mu.Unlock()
}

// endregion

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard

	return logger
}

func newTestEngine(t *testing.T, resolver *fakeHostResolver) (*Engine, string) {
	t.Helper()

	root := t.TempDir()

	e := New(
		discardLogger(),
		resolver,
		hosts.NewSession(),
		progress.NewRegistry(),
		health.NewStaticResolver(),
		backup.NewClassifier(),
		backup.NewService(discardLogger(), filepath.Join(root, "backups")),
		nil,
		NewHistory(discardLogger(), root, nil),
		Options{ConfigRoot: root},
	)

	return e, root
}

func writePreparedConfig(t *testing.T, root, env string, d *deploy.Descriptor) {
	t.Helper()

	buf, err := deploy.ExportYAML(d)
	require.NoError(t, err)

	dir := filepath.Join(root, "configs")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName(env, d.ContainerName)), buf, 0o644))
}

func waitTerminal(t *testing.T, e *Engine, key string) progress.Record {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		records := e.GetProgress(key)
		if len(records) == 1 && records[0].Stage.Terminal() {
			return records[0]
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("operation %s did not reach a terminal state", key)
	return progress.Record{}
}

func runningInspect(imageID string) types.ContainerJSON {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			Name:       "/running",
			Image:      imageID,
			State:      &types.ContainerState{Running: true},
			HostConfig: &container.HostConfig{},
		},
		Config: &container.Config{Image: "myapp:1.0"},
	}
}

func notFoundErr() error {
	return opserr.New(opserr.KindNotFound, "no such container")
}

func TestStrategyForEnv(t *testing.T) {
	assert.Equal(t, StrategyQuick, strategyForEnv(deploy.EnvDev))
	assert.Equal(t, StrategyRolling, strategyForEnv(deploy.EnvStaging))
	assert.Equal(t, StrategyBlueGreen, strategyForEnv(deploy.EnvProd))
}

func TestMigrate_SameHostRejected(t *testing.T) {
	e, _ := newTestEngine(t, newFakeResolver(&dockerClientMock{}))

	err := e.Migrate(context.Background(), "nginx", "local", "local", MigrateOptions{})
	assert.Equal(t, opserr.KindSameHost, opserr.KindOf(err))

	// rejected before any progress record exists
	assert.Empty(t, e.GetProgress("nginx"))
}

func TestPromoteOne_UnknownEnv(t *testing.T) {
	e, _ := newTestEngine(t, newFakeResolver(&dockerClientMock{}))

	err := e.PromoteOne(context.Background(), "dev", "qa", "myapp", PromoteOptions{})
	assert.Equal(t, opserr.KindMissingField, opserr.KindOf(err))

	err = e.PromoteOne(context.Background(), "dev", "dev", "myapp", PromoteOptions{})
	assert.Equal(t, opserr.KindMissingField, opserr.KindOf(err))
}

func TestPromoteOne_QuickCompletes(t *testing.T) {
	client := &dockerClientMock{}
	resolver := newFakeResolver(client)
	e, root := newTestEngine(t, resolver)

	writePreparedConfig(t, root, "staging", &deploy.Descriptor{
		ContainerName: "myapp-staging",
		ImageTag:      "myapp:1.0",
		RestartPolicy: "unless-stopped",
		Replicas:      2,
	})

	client.On("Close").Return(nil)
	client.On("ContainerInspect", mock.Anything, "myapp-dev").Return(types.ContainerJSON{}, notFoundErr())
	client.On("ImageInspect", mock.Anything, "myapp:1.0").Return(types.ImageInspect{ID: "sha256:new"}, nil)
	client.On("ContainerStop", mock.Anything, "myapp-dev", mock.Anything).Return(notFoundErr())
	client.On("ContainerRemove", mock.Anything, "myapp-dev", true).Return(notFoundErr())
	client.On("ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, "myapp-dev").Return("newid", nil)
	client.On("ContainerStart", mock.Anything, "newid").Return(nil)
	client.On("ContainerInspect", mock.Anything, "newid").Return(runningInspect("sha256:new"), nil)

	err := e.PromoteOne(context.Background(), "staging", "dev", "myapp-staging", PromoteOptions{})
	require.NoError(t, err)

	record := waitTerminal(t, e, "myapp-staging")
	assert.Equal(t, progress.StageCompleted, record.Stage)
	assert.Equal(t, 100, record.Progress)

	entries, err := e.DeploymentHistory(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "success", entries[0].Status)
	assert.Equal(t, "quick", entries[0].Strategy)
	assert.Equal(t, "myapp-staging", entries[0].ContainerName)

	// host references are released on completion
	resolver.mu.Lock()
	assert.Equal(t, 0, resolver.retained[hosts.LocalID])
	resolver.mu.Unlock()
}

func TestPromoteOne_SecondAttemptAlreadyRunning(t *testing.T) {
	client := &dockerClientMock{}
	resolver := newFakeResolver(client)
	resolver.gate = make(chan struct{})
	e, root := newTestEngine(t, resolver)

	writePreparedConfig(t, root, "staging", &deploy.Descriptor{
		ContainerName: "myapp-staging",
		ImageTag:      "myapp:1.0",
	})

	client.On("Close").Return(nil)

	require.NoError(t, e.PromoteOne(context.Background(), "staging", "dev", "myapp-staging", PromoteOptions{}))

	err := e.PromoteOne(context.Background(), "staging", "dev", "myapp-staging", PromoteOptions{})
	assert.Equal(t, opserr.KindAlreadyRunning, opserr.KindOf(err))

	// let the first operation run into its cancellation checkpoint
	require.NoError(t, e.Cancel("myapp-staging"))
	close(resolver.gate)

	record := waitTerminal(t, e, "myapp-staging")
	assert.Equal(t, progress.StageCancelled, record.Stage)
}

func TestPromoteOne_CancelBeforeAnyContainerWork(t *testing.T) {
	client := &dockerClientMock{}
	resolver := newFakeResolver(client)
	resolver.gate = make(chan struct{})
	e, root := newTestEngine(t, resolver)

	writePreparedConfig(t, root, "dev", &deploy.Descriptor{
		ContainerName: "myapp-dev",
		ImageTag:      "myapp:1.0",
	})

	client.On("Close").Return(nil)

	require.NoError(t, e.PromoteOne(context.Background(), "dev", "staging", "myapp-dev", PromoteOptions{SkipBackup: true}))
	require.NoError(t, e.Cancel("myapp-dev"))
	close(resolver.gate)

	record := waitTerminal(t, e, "myapp-dev")
	assert.Equal(t, progress.StageCancelled, record.Stage)

	// no replacement container was ever created
	client.AssertNotCalled(t, "ContainerCreate", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	entries, err := e.DeploymentHistory(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "failed", entries[0].Status)
}

func TestClassifyThenPromote_ElevationRequired(t *testing.T) {
	client := &dockerClientMock{}
	resolver := newFakeResolver(client)
	e, root := newTestEngine(t, resolver)

	writePreparedConfig(t, root, "staging", &deploy.Descriptor{
		ContainerName: "vault-staging",
		ImageTag:      "vault:1.15",
		Volumes: []deploy.MountSpec{
			{Kind: deploy.MountBind, HostPath: "/var/lib/docker/volumes/foo/_data", MountPath: "/vault/data"},
		},
	})

	client.On("Close").Return(nil)
	client.On("VolumeSizes", mock.Anything).Return(map[string]int64{}, nil)

	require.NoError(t, e.PromoteOne(context.Background(), "staging", "prod", "vault-staging", PromoteOptions{}))

	record := waitTerminal(t, e, "vault-staging")
	assert.Equal(t, progress.StageFailed, record.Stage)
	assert.Contains(t, record.Message, "elevation_required")
}
