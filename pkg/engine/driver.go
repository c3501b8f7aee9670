package engine

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dockerpilot/dockerpilot/pkg/appcontext"
	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/health"
	"github.com/dockerpilot/dockerpilot/pkg/hosts"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

type Strategy string

const (
	StrategyQuick     Strategy = "quick"
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue-green"
	StrategyCanary    Strategy = "canary"
)

// strategyForEnv is the default promotion strategy per target
// environment: quick iteration in dev, zero-downtime swap in staging,
// blue-green in prod.
func strategyForEnv(env string) Strategy {
	switch env {
	case deploy.EnvProd:
		return StrategyBlueGreen
	case deploy.EnvStaging:
		return StrategyRolling
	default:
		return StrategyQuick
	}
}

// PromoteOptions tune one promotion.
type PromoteOptions struct {
	SkipBackup    bool
	NoCleanup     bool
	DockerfileDir string
	Strategy      Strategy
}

// errCancelled is the driver-internal signal that a strategy observed
// the cancellation latch and finished its bounded rollback.
var errCancelled = errors.New("operation cancelled")

// operation is the per-run state owned by exactly one goroutine.
type operation struct {
	engine *Engine
	logger logrus.FieldLogger

	key      string
	hostID   string
	lease    *progress.Lease
	client   dockerapi.Client
	prober   prober
	strategy Strategy

	descriptor *deploy.Descriptor
	probeSpec  health.Probe

	startedAt time.Time
}

func (op *operation) update(stage progress.Stage, percent int, message string) {
	op.lease.Update(stage, percent, message)
}

// checkCancel is the stage-boundary cancellation checkpoint.
func (op *operation) checkCancel() error {
	if op.lease.Cancelled() {
		return errCancelled
	}
	return nil
}

func (op *operation) cancelled() bool {
	return op.lease.Cancelled()
}

// PromoteOne promotes a single container between environments. It
// returns once the operation key is claimed; progress is reported under
// containerName.
func (e *Engine) PromoteOne(ctx context.Context, fromEnv, toEnv, containerName string, opts PromoteOptions) error {
	if !deploy.ValidEnv(fromEnv) || !deploy.ValidEnv(toEnv) {
		return opserr.New(opserr.KindMissingField, "unknown environment in %s -> %s", fromEnv, toEnv)
	}
	if fromEnv == toEnv {
		return opserr.New(opserr.KindMissingField, "source and target environments must differ")
	}

	descriptor, err := e.promotionDescriptor(ctx, fromEnv, containerName)
	if err != nil {
		return err
	}

	target, err := deploy.Transform(descriptor, toEnv)
	if err != nil {
		return err
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = strategyForEnv(toEnv)
	}

	lease, err := e.progress.Acquire(containerName)
	if err != nil {
		return err
	}

	hostID := e.session.SelectedHost()
	e.hosts.Retain(hostID)

	op := &operation{
		engine:     e,
		key:        containerName,
		hostID:     hostID,
		lease:      lease,
		strategy:   strategy,
		descriptor: target,
		startedAt:  time.Now(),
	}

	go op.runPromotion(opts)

	return nil
}

// promotionDescriptor prefers a prepared config for the source env and
// falls back to live introspection.
func (e *Engine) promotionDescriptor(ctx context.Context, fromEnv, containerName string) (*deploy.Descriptor, error) {
	if descriptor, err := e.loadPreparedConfig(fromEnv, containerName); err == nil {
		return descriptor, nil
	}

	client, err := e.hosts.Resolve(ctx, e.session.SelectedHost())
	if err != nil {
		return nil, err
	}
	defer client.Close()

	return deploy.Inspect(ctx, client, containerName)
}

// PromoteAll promotes every container with a prepared config in the
// source environment; each gets its own operation key.
func (e *Engine) PromoteAll(ctx context.Context, fromEnv, toEnv string, opts PromoteOptions) ([]string, error) {
	if !deploy.ValidEnv(fromEnv) || !deploy.ValidEnv(toEnv) {
		return nil, opserr.New(opserr.KindMissingField, "unknown environment in %s -> %s", fromEnv, toEnv)
	}

	pattern := filepath.Join(e.configsDir(), "deployment-"+fromEnv+"-*.yml")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, opserr.Wrap(err, opserr.KindIOError, "unable to scan configs directory")
	}

	var started []string
	for _, path := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "deployment-"+fromEnv+"-"), ".yml")
		if name == "" {
			continue
		}

		if err := e.PromoteOne(ctx, fromEnv, toEnv, name, opts); err != nil {
			e.logger.WithError(err).WithField("container", name).Warn("Skipping container in bulk promotion")
			continue
		}
		started = append(started, name)
	}

	return started, nil
}

// runPromotion is the shared driver: resolve, probe spec, backups,
// strategy transition sequence, history, release.
func (op *operation) runPromotion(opts PromoteOptions) {
	e := op.engine

	ctx := appcontext.WithOperationKey(context.Background(), op.key)
	ctx = appcontext.WithHostId(ctx, op.hostID)
	ctx = appcontext.WithStrategy(ctx, string(op.strategy))
	op.logger = appcontext.LoggerFromContext(e.logger, ctx)

	defer e.hosts.Release(op.hostID)
	defer op.lease.Release()

	op.update(progress.StageStarting, 0, "resolving target host")

	client, err := e.hosts.Resolve(ctx, op.hostID)
	if err != nil {
		op.finish(ctx, err)
		return
	}
	op.client = client
	defer client.Close()

	op.prober = prober{hostname: e.probeHostname(op.hostID)}
	op.probeSpec = e.resolver.Resolve(op.descriptor.ImageTag, op.descriptor.HealthcheckEndpoint)

	if err := op.checkCancel(); err != nil {
		op.finish(ctx, err)
		return
	}

	// Data preservation runs for every strategy except quick, unless the
	// caller opted out after inspecting ClassifyBackup.
	if op.strategy != StrategyQuick && !opts.SkipBackup {
		if err := op.runBackups(ctx); err != nil {
			op.finish(ctx, err)
			return
		}
	}

	var runErr error
	switch op.strategy {
	case StrategyQuick:
		runErr = op.runQuick(ctx, opts)
	case StrategyRolling:
		runErr = op.runRolling(ctx, opts)
	case StrategyBlueGreen:
		runErr = op.runBlueGreen(ctx, opts)
	case StrategyCanary:
		runErr = op.runCanary(ctx, opts)
	default:
		runErr = opserr.New(opserr.KindInvariantViolation, "unknown strategy %q", op.strategy)
	}

	op.finish(ctx, runErr)
}

// runBackups snapshots every backupable mount of the descriptor,
// observing cancellation between archives.
func (op *operation) runBackups(ctx context.Context) error {
	e := op.engine

	op.update(progress.StageBackingUp, 10, "classifying mounts")

	classification, err := e.classifier.Classify(ctx, op.client, op.descriptor)
	if err != nil {
		return err
	}

	secret, hasSecret := e.session.ElevationSecret()
	if classification.RequiresSudo && !hasSecret {
		return opserr.New(opserr.KindElevationRequired, "privileged paths %v need an elevation secret", classification.PrivilegedPaths)
	}

	for i, class := range classification.Mounts {
		if err := op.checkCancel(); err != nil {
			return err
		}

		op.update(progress.StageBackingUp, 10+5*i/len(classification.Mounts),
			"backing up "+class.Mount.Identifier())

		record, err := e.backups.Backup(ctx, op.client, op.key, class.Mount, secret)
		if err != nil {
			return err
		}

		if e.backupRepo != nil {
			if err := e.backupRepo.Create(ctx, op.key, record); err != nil {
				op.logger.WithError(err).Warn("Unable to persist backup record")
			}
		}
	}

	return nil
}

// finish writes the terminal progress state and the history entry.
func (op *operation) finish(ctx context.Context, err error) {
	duration := time.Since(op.startedAt)
	entry := HistoryEntry{
		Timestamp:     time.Now(),
		Strategy:      string(op.strategy),
		ImageTag:      op.descriptor.ImageTag,
		ContainerName: op.key,
		DurationMs:    duration.Milliseconds(),
	}

	snapshot := op.lease.Snapshot()

	var stage progress.Stage
	var message string

	switch {
	case err == nil:
		stage, message = progress.StageCompleted, "operation completed"
		snapshot.Progress = 100
		entry.Status = "success"
	case errors.Is(err, errCancelled):
		stage, message = progress.StageCancelled, "operation cancelled, rollback done"
		entry.Status = "failed"
		entry.Output = "cancelled by operator"
	default:
		kind := opserr.KindOf(err)
		stage = progress.StageFailed
		if kind == opserr.KindInvariantViolation || kind == "" {
			stage = progress.StageError
		}
		message = terminalMessage(snapshot.Stage, err)
		entry.Status = "failed"
		entry.Output = err.Error()

		op.logger.WithError(err).Error("Operation failed")
	}

	// The journal entry lands before the terminal progress update so a
	// caller observing the terminal state always finds the history row.
	if op.engine.history != nil {
		if err := op.engine.history.Append(ctx, entry); err != nil {
			op.logger.WithError(err).Error("Unable to journal operation outcome")
		}
	}

	op.update(stage, snapshot.Progress, message)
}

// terminalMessage carries the last successful stage and the error kind so
// the API layer can render a final status without reading logs.
func terminalMessage(lastStage progress.Stage, err error) string {
	kind := opserr.KindOf(err)
	if kind == "" {
		kind = opserr.KindInvariantViolation
	}
	return "failed at " + string(lastStage) + ": " + string(kind) + ": " + err.Error()
}

// ensureImage builds from the Dockerfile directory when one is given,
// otherwise makes sure the image is present, pulling it if needed.
func (op *operation) ensureImage(ctx context.Context, opts PromoteOptions) error {
	if opts.DockerfileDir != "" {
		buildCtx, cancel := context.WithTimeout(ctx, buildTimeout)
		defer cancel()

		tar, err := dockerapi.BuildContext(opts.DockerfileDir)
		if err != nil {
			return err
		}
		defer tar.Close()

		return op.client.ImageBuild(buildCtx, tar, op.descriptor.ImageTag, "Dockerfile")
	}

	if _, err := op.client.ImageInspect(ctx, op.descriptor.ImageTag); err == nil {
		return nil
	} else if opserr.KindOf(err) != opserr.KindNotFound {
		return err
	}

	pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	return op.client.ImagePull(pullCtx, op.descriptor.ImageTag)
}

// probeHostname decides where host-bound ports are reachable from the
// orchestrator.
func (e *Engine) probeHostname(hostID string) string {
	if hostID == hosts.LocalID {
		return "localhost"
	}

	record, err := e.hosts.Get(hostID)
	if err != nil || record.Hostname == "" {
		return "localhost"
	}
	return record.Hostname
}
