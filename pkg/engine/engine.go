// Package engine executes deployments, promotions and cross-host
// migrations. Every operation is a state machine driven by a shared
// driver: acquire a progress lease, resolve clients, inspect, back up,
// run the strategy's transition sequence, journal the outcome, release.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dockerpilot/dockerpilot/pkg/backup"
	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/health"
	"github.com/dockerpilot/dockerpilot/pkg/hosts"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

// Stage and flow timing constants of the deployment strategies.
const (
	buildTimeout     = 20 * time.Minute
	pullTimeout      = 10 * time.Minute
	stopTimeout      = 10 * time.Second
	stopGrace        = 30 * time.Second
	stabilizePause   = 5 * time.Second
	probeSpacing     = 2 * time.Second
	oldContainerSoak = 30 * time.Second
	blueGreenGrace   = 60 * time.Second
	canaryWatch      = 30 * time.Second
)

// HostResolver is the slice of the host registry the engine needs.
type HostResolver interface {
	Get(id string) (hosts.Record, error)
	Resolve(ctx context.Context, id string) (dockerapi.Client, error)
	Retain(id string)
	Release(id string)
}

// BackupRecorder persists backup records for rollback reference.
type BackupRecorder interface {
	Create(ctx context.Context, opKey string, record backup.Record) error
	DeleteByOperation(ctx context.Context, opKey string) error
}

// Options configures filesystem layout and helpers of one engine.
type Options struct {
	ConfigRoot string
}

// Engine is the programmatic surface consumed by the API layer. All
// long-running operations are asynchronous: they return after claiming
// the operation key and report through the progress registry.
type Engine struct {
	logger logrus.FieldLogger

	hosts    HostResolver
	session  *hosts.Session
	progress *progress.Registry
	resolver *health.Resolver

	classifier *backup.Classifier
	backups    *backup.Service

	backupRepo BackupRecorder
	history    *History

	configRoot string
}

func New(
	logger logrus.FieldLogger,
	hostResolver HostResolver,
	session *hosts.Session,
	progressRegistry *progress.Registry,
	healthResolver *health.Resolver,
	classifier *backup.Classifier,
	backupService *backup.Service,
	backupRepo BackupRecorder,
	history *History,
	opts Options,
) *Engine {
	return &Engine{
		logger:     logger,
		hosts:      hostResolver,
		session:    session,
		progress:   progressRegistry,
		resolver:   healthResolver,
		classifier: classifier,
		backups:    backupService,
		backupRepo: backupRepo,
		history:    history,
		configRoot: opts.ConfigRoot,
	}
}

func (e *Engine) configsDir() string {
	return filepath.Join(e.configRoot, "configs")
}

// PrepareConfig introspects a running container, transforms the
// descriptor for the target environment and writes it under configs/.
func (e *Engine) PrepareConfig(ctx context.Context, containerName, targetEnv string) (string, error) {
	if !deploy.ValidEnv(targetEnv) {
		return "", opserr.New(opserr.KindMissingField, "unknown environment %q", targetEnv)
	}

	client, err := e.hosts.Resolve(ctx, e.session.SelectedHost())
	if err != nil {
		return "", err
	}
	defer client.Close()

	descriptor, err := deploy.Inspect(ctx, client, containerName)
	if err != nil {
		return "", err
	}

	transformed, err := deploy.Transform(descriptor, targetEnv)
	if err != nil {
		return "", err
	}

	probe := e.resolver.Resolve(transformed.ImageTag, transformed.HealthcheckEndpoint)
	if probe.HTTP {
		endpoint := probe.Endpoint
		transformed.HealthcheckEndpoint = &endpoint
	} else {
		disabled := ""
		transformed.HealthcheckEndpoint = &disabled
	}

	buf, err := deploy.ExportYAML(transformed)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(e.configsDir(), 0o755); err != nil {
		return "", opserr.Wrap(err, opserr.KindIOError, "unable to create configs directory")
	}

	path := filepath.Join(e.configsDir(), configFileName(targetEnv, transformed.ContainerName))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", opserr.Wrap(err, opserr.KindIOError, "unable to write %s", path)
	}

	return path, nil
}

// ImportConfig loads an externally edited descriptor and stores it under
// configs/ for the target environment.
func (e *Engine) ImportConfig(path, targetEnv, overrideName string) (*deploy.Descriptor, error) {
	if !deploy.ValidEnv(targetEnv) {
		return nil, opserr.New(opserr.KindMissingField, "unknown environment %q", targetEnv)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, opserr.Wrap(err, opserr.KindIOError, "unable to read %s", path)
	}

	descriptor, err := deploy.ImportYAML(buf)
	if err != nil {
		return nil, err
	}

	if overrideName != "" {
		descriptor.ContainerName = overrideName
	}

	out, err := deploy.ExportYAML(descriptor)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.configsDir(), 0o755); err != nil {
		return nil, opserr.Wrap(err, opserr.KindIOError, "unable to create configs directory")
	}

	stored := filepath.Join(e.configsDir(), configFileName(targetEnv, descriptor.ContainerName))
	if err := os.WriteFile(stored, out, 0o644); err != nil {
		return nil, opserr.Wrap(err, opserr.KindIOError, "unable to write %s", stored)
	}

	return descriptor, nil
}

func (e *Engine) loadPreparedConfig(env, containerName string) (*deploy.Descriptor, error) {
	path := filepath.Join(e.configsDir(), configFileName(env, containerName))

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, opserr.Wrap(err, opserr.KindNotFound, "no prepared config for %s in %s", containerName, env)
	}

	return deploy.ImportYAML(buf)
}

func configFileName(env, containerName string) string {
	return fmt.Sprintf("deployment-%s-%s.yml", env, containerName)
}

// ClassifyBackup is the pre-flight the caller examines before a
// data-preserving promotion; the engine never prompts on its own.
func (e *Engine) ClassifyBackup(ctx context.Context, containerName string) (backup.Classification, error) {
	client, err := e.hosts.Resolve(ctx, e.session.SelectedHost())
	if err != nil {
		return backup.Classification{}, err
	}
	defer client.Close()

	descriptor, err := deploy.Inspect(ctx, client, containerName)
	if err != nil {
		return backup.Classification{}, err
	}

	return e.classifier.Classify(ctx, client, descriptor)
}

// SetElevationSecret stores the sudo secret in the session scope.
func (e *Engine) SetElevationSecret(secret string) {
	e.session.SetElevationSecret(secret)
}

func (e *Engine) ClearElevationSecret() {
	e.session.ClearElevationSecret()
}

// Cancel sets the cooperative cancellation latch for an operation.
func (e *Engine) Cancel(containerName string) error {
	return e.progress.RequestCancel(containerName)
}

// GetProgress returns one record, or every active record when key is "".
func (e *Engine) GetProgress(key string) []progress.Record {
	if key == "" {
		return e.progress.All()
	}

	if record, ok := e.progress.Get(key); ok {
		return []progress.Record{record}
	}
	return nil
}

// DeploymentHistory returns the newest limit entries.
func (e *Engine) DeploymentHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	return e.history.Recent(ctx, limit)
}

// HostAdmin is the administrative slice of the host registry; the engine
// re-exports it so the API layer talks to one surface.
type HostAdmin interface {
	List() []hosts.Record
	Create(record hosts.Record, secret hosts.Secret) error
	Update(id string, record hosts.Record, secret *hosts.Secret) error
	Delete(id string) error
	Test(ctx context.Context, record hosts.Record, secret hosts.Secret) error
}

// ListHosts returns every known host record, secrets excluded.
func (e *Engine) ListHosts() []hosts.Record {
	if admin, ok := e.hosts.(HostAdmin); ok {
		return admin.List()
	}
	return []hosts.Record{hosts.LocalRecord()}
}

func (e *Engine) CreateHost(record hosts.Record, secret hosts.Secret) error {
	admin, ok := e.hosts.(HostAdmin)
	if !ok {
		return opserr.New(opserr.KindInvariantViolation, "host registry is not administrable")
	}
	return admin.Create(record, secret)
}

func (e *Engine) UpdateHost(id string, record hosts.Record, secret *hosts.Secret) error {
	admin, ok := e.hosts.(HostAdmin)
	if !ok {
		return opserr.New(opserr.KindInvariantViolation, "host registry is not administrable")
	}
	return admin.Update(id, record, secret)
}

func (e *Engine) DeleteHost(id string) error {
	admin, ok := e.hosts.(HostAdmin)
	if !ok {
		return opserr.New(opserr.KindInvariantViolation, "host registry is not administrable")
	}
	return admin.Delete(id)
}

func (e *Engine) TestHost(ctx context.Context, record hosts.Record, secret hosts.Secret) error {
	admin, ok := e.hosts.(HostAdmin)
	if !ok {
		return opserr.New(opserr.KindInvariantViolation, "host registry is not administrable")
	}
	return admin.Test(ctx, record, secret)
}

// SelectHost scopes subsequent operations of this session to a host.
func (e *Engine) SelectHost(id string) error {
	if _, err := e.hosts.Get(id); err != nil {
		return err
	}

	e.session.SelectHost(id)
	return nil
}

// EnvironmentStatus summarizes one environment for InspectEnvironments.
type EnvironmentStatus struct {
	Env        string   `json:"env"`
	Image      string   `json:"image"`
	Running    int      `json:"container_count_running"`
	Total      int      `json:"container_count_total"`
	Status     string   `json:"status"`
	Containers []string `json:"list"`
}

// InspectEnvironments reports per-environment container state by the
// name-suffix convention.
func (e *Engine) InspectEnvironments(ctx context.Context, envs []string) ([]EnvironmentStatus, error) {
	client, err := e.hosts.Resolve(ctx, e.session.SelectedHost())
	if err != nil {
		return nil, err
	}
	defer client.Close()

	containers, err := client.ContainerList(ctx, true)
	if err != nil {
		return nil, err
	}

	result := make([]EnvironmentStatus, 0, len(envs))
	for _, env := range envs {
		if !deploy.ValidEnv(env) {
			return nil, opserr.New(opserr.KindMissingField, "unknown environment %q", env)
		}

		status := EnvironmentStatus{Env: env}
		for _, c := range containers {
			if len(c.Names) == 0 {
				continue
			}
			name := c.Names[0][1:]
			if deploy.EnvOfName(name) != env {
				continue
			}

			status.Total++
			status.Containers = append(status.Containers, name)
			if c.State == "running" {
				status.Running++
			}
			if status.Image == "" {
				status.Image = c.Image
			}
		}

		switch {
		case status.Total == 0:
			status.Status = "empty"
		case status.Running == status.Total:
			status.Status = "healthy"
		case status.Running > 0:
			status.Status = "degraded"
		default:
			status.Status = "stopped"
		}

		result = append(result, status)
	}

	return result, nil
}
