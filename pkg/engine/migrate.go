package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"github.com/dockerpilot/dockerpilot/pkg/appcontext"
	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

// MigrateOptions tune one cross-host migration.
type MigrateOptions struct {
	IncludeData bool
	StopSource  bool
}

// Migrate transfers a container (image + config + optionally volume
// data) from one host to another. Same-host requests are rejected before
// any progress record exists. Returns after claiming the operation key.
func (e *Engine) Migrate(ctx context.Context, containerName, sourceID, targetID string, opts MigrateOptions) error {
	if sourceID == targetID {
		return opserr.New(opserr.KindSameHost, "source and target hosts are both %s", sourceID)
	}
	if _, err := e.hosts.Get(sourceID); err != nil {
		return err
	}
	if _, err := e.hosts.Get(targetID); err != nil {
		return err
	}

	lease, err := e.progress.Acquire(containerName)
	if err != nil {
		return err
	}

	e.hosts.Retain(sourceID)
	e.hosts.Retain(targetID)

	op := &migration{
		operation: operation{
			engine:    e,
			key:       containerName,
			hostID:    targetID,
			lease:     lease,
			strategy:  "migration",
			startedAt: time.Now(),
		},
		sourceID: sourceID,
		targetID: targetID,
		opts:     opts,
	}

	go op.run()

	return nil
}

// GetMigrationProgress and CancelMigration share the engine's operation
// key space.
func (e *Engine) GetMigrationProgress(containerName string) []progress.Record {
	return e.GetProgress(containerName)
}

func (e *Engine) CancelMigration(containerName string) error {
	return e.Cancel(containerName)
}

type migration struct {
	operation

	sourceID string
	targetID string
	opts     MigrateOptions

	source dockerapi.Client
	target dockerapi.Client

	// target-side resources created so far, removed on cancellation
	createdContainer string
}

func (m *migration) run() {
	e := m.engine

	ctx := appcontext.WithOperationKey(context.Background(), m.key)
	ctx = appcontext.WithHostId(ctx, m.targetID)
	ctx = appcontext.WithStrategy(ctx, "migration")
	m.logger = appcontext.LoggerFromContext(e.logger, ctx)

	defer e.hosts.Release(m.sourceID)
	defer e.hosts.Release(m.targetID)
	defer m.lease.Release()

	m.descriptor = &deploy.Descriptor{ContainerName: m.key, ImageTag: "unknown"}

	err := m.execute(ctx)
	if err != nil {
		m.cleanupTarget()
	}
	m.finish(ctx, err)
}

func (m *migration) execute(ctx context.Context) error {
	e := m.engine

	m.update(progress.StageStarting, 2, "resolving source host")
	source, err := e.hosts.Resolve(ctx, m.sourceID)
	if err != nil {
		return err
	}
	m.source = source
	defer source.Close()

	m.update(progress.StageStarting, 4, "resolving target host")
	target, err := e.hosts.Resolve(ctx, m.targetID)
	if err != nil {
		return err
	}
	m.target = target
	defer target.Close()

	if err := m.checkCancel(); err != nil {
		return err
	}

	m.update(progress.StageStarting, 8, "inspecting source container")
	descriptor, err := deploy.Inspect(ctx, source, m.key)
	if err != nil {
		return err
	}
	m.descriptor = descriptor

	if err := m.transferImage(ctx, descriptor.ImageTag); err != nil {
		return err
	}

	if m.opts.IncludeData {
		if err := m.transferData(ctx, descriptor); err != nil {
			return err
		}
	}

	if err := m.checkCancel(); err != nil {
		return err
	}

	m.update(progress.StageCreating, 80, "creating container on target")
	targetName, targetDescriptor, err := m.adjustForTarget(ctx, descriptor)
	if err != nil {
		return err
	}

	newID, err := createAndStart(ctx, m.target, targetDescriptor, targetName, portsOriginal)
	if err != nil {
		return err
	}
	m.createdContainer = targetName

	m.update(progress.StageValidating, 90, "validating migrated container")
	m.prober = prober{hostname: e.probeHostname(m.targetID)}
	spec := e.resolver.Resolve(targetDescriptor.ImageTag, targetDescriptor.HealthcheckEndpoint)
	if err := m.prober.probe(ctx, m.target, targetDescriptor, newID, spec, portsOriginal, m.cancelled); err != nil {
		return err
	}

	// Validation passed, the new container stays even if later steps
	// degrade.
	m.createdContainer = ""

	if m.opts.StopSource {
		m.update(progress.StageCleaningUp, 95, "stopping source container")
		if err := m.source.ContainerStop(ctx, m.key, stopTimeout); err != nil {
			// Source stop is operator policy, not part of the migration's
			// success criteria.
			m.logger.WithError(err).Warn("Unable to stop source container")
		}
	}

	return nil
}

// transferImage streams ImageSave from the source into ImageLoad on the
// target; progress maps bytes onto the 10..60% window.
func (m *migration) transferImage(ctx context.Context, imageTag string) error {
	m.update(progress.StageExporting, 10, "exporting image "+imageTag)

	var totalSize int64
	if info, err := m.source.ImageInspect(ctx, imageTag); err == nil {
		totalSize = info.Size
	}

	stream, err := m.source.ImageSave(ctx, []string{imageTag})
	if err != nil {
		return err
	}
	defer stream.Close()

	counted := &countingReader{
		reader: stream,
		report: func(read int64) {
			if m.cancelled() {
				return
			}
			percent := 35
			if totalSize > 0 {
				percent = 10 + int(50*read/totalSize)
				if percent > 60 {
					percent = 60
				}
			}
			m.update(progress.StageImporting, percent, fmt.Sprintf("transferring image (%d MiB)", read>>20))
		},
		cancelled: m.cancelled,
	}

	if err := m.target.ImageLoad(ctx, counted); err != nil {
		if m.cancelled() {
			return errCancelled
		}
		return err
	}

	if err := m.checkCancel(); err != nil {
		return err
	}

	m.update(progress.StageImporting, 60, "image loaded on target")

	return nil
}

// transferData clones named volumes through create-only helper
// containers so the stream never touches the orchestrator's disk. Bind
// mounts that cannot be reproduced on the target are recorded as
// manual_action_required and skipped.
func (m *migration) transferData(ctx context.Context, d *deploy.Descriptor) error {
	for _, spec := range d.Volumes {
		if err := m.checkCancel(); err != nil {
			return err
		}

		switch spec.Kind {
		case deploy.MountVolume:
			m.update(progress.StageMigratingData, 65, "migrating volume "+spec.VolumeName)
			if err := m.transferVolume(ctx, spec); err != nil {
				return err
			}
		case deploy.MountBind:
			if spec.System() {
				continue
			}
			m.update(progress.StageMigratingData, 65, "migrating bind mount "+spec.HostPath)
			if err := m.transferBind(ctx, spec); err != nil {
				m.update(progress.StageMigratingData, 65,
					"manual_action_required: bind mount "+spec.HostPath+" must be moved by the operator")
				m.logger.WithError(err).WithField("path", spec.HostPath).
					Warn("Bind mount not transferred, manual action required")
			}
		}
	}

	m.update(progress.StageMigratingData, 75, "volume data migrated")

	return nil
}

func (m *migration) transferVolume(ctx context.Context, spec deploy.MountSpec) error {
	if _, err := m.target.VolumeInspect(ctx, spec.VolumeName); err != nil {
		if opserr.KindOf(err) != opserr.KindNotFound {
			return err
		}
		if _, err := m.target.VolumeCreate(ctx, spec.VolumeName); err != nil {
			return err
		}
	}

	src := mount.Mount{Type: mount.TypeVolume, Source: spec.VolumeName, Target: "/volume", ReadOnly: true}
	dst := mount.Mount{Type: mount.TypeVolume, Source: spec.VolumeName, Target: "/volume"}

	if err := m.streamBetweenHelpers(ctx, src, dst); err != nil {
		return opserr.Wrap(err, opserr.KindVolumeCopyFailed, "transfer of volume %s failed", spec.VolumeName)
	}

	return nil
}

func (m *migration) transferBind(ctx context.Context, spec deploy.MountSpec) error {
	src := mount.Mount{Type: mount.TypeBind, Source: spec.HostPath, Target: "/volume", ReadOnly: true}
	dst := mount.Mount{Type: mount.TypeBind, Source: spec.HostPath, Target: "/volume"}

	return m.streamBetweenHelpers(ctx, src, dst)
}

// streamBetweenHelpers creates one stopped helper per side with the
// storage mounted at /volume and pipes a tar stream from the source
// helper into the target helper.
func (m *migration) streamBetweenHelpers(ctx context.Context, src, dst mount.Mount) error {
	sourceHelper, err := m.createHelper(ctx, m.source, src)
	if err != nil {
		return err
	}
	defer m.removeHelper(m.source, sourceHelper)

	targetHelper, err := m.createHelper(ctx, m.target, dst)
	if err != nil {
		return err
	}
	defer m.removeHelper(m.target, targetHelper)

	stream, err := m.source.CopyFromContainer(ctx, sourceHelper, "/volume")
	if err != nil {
		return err
	}
	defer stream.Close()

	counted := &countingReader{reader: stream, cancelled: m.cancelled}

	if err := m.target.CopyToContainer(ctx, targetHelper, "/", counted); err != nil {
		if m.cancelled() {
			return errCancelled
		}
		return err
	}

	return nil
}

func (m *migration) createHelper(ctx context.Context, client dockerapi.Client, storage mount.Mount) (string, error) {
	if _, err := client.ImageInspect(ctx, copyHelperImage); err != nil {
		if opserr.KindOf(err) != opserr.KindNotFound {
			return "", err
		}
		if err := client.ImagePull(ctx, copyHelperImage); err != nil {
			return "", err
		}
	}

	return client.ContainerCreate(
		ctx,
		&container.Config{Image: copyHelperImage, Cmd: []string{"true"}},
		&container.HostConfig{Mounts: []mount.Mount{storage}, NetworkMode: "none"},
		nil,
		"",
	)
}

func (m *migration) removeHelper(client dockerapi.Client, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = client.ContainerRemove(ctx, id, true)
}

// adjustForTarget resolves name and port conflicts on the target host.
func (m *migration) adjustForTarget(ctx context.Context, d *deploy.Descriptor) (string, *deploy.Descriptor, error) {
	out := d.Clone()
	name := d.ContainerName

	taken, err := containerExists(ctx, m.target, name)
	if err != nil {
		return "", nil, err
	}
	if taken {
		name = fmt.Sprintf("%s-migrated-%d", d.ContainerName, time.Now().Unix())
		out.ContainerName = name
	}

	return name, out, nil
}

// cleanupTarget removes half-created resources on the target after a
// cancel or failure; the source is left untouched.
func (m *migration) cleanupTarget() {
	if m.target == nil || m.createdContainer == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopGrace)
	defer cancel()

	if err := stopAndRemove(ctx, m.target, m.createdContainer, stopTimeout); err != nil {
		m.logger.WithError(err).Warn("Unable to clean up target container")
	}
}

// countingReader tracks stream progress and aborts the transfer once a
// cancel is requested.
type countingReader struct {
	reader    io.Reader
	read      int64
	lastNote  int64
	report    func(read int64)
	cancelled func() bool
}

func (r *countingReader) Read(p []byte) (int, error) {
	if r.cancelled != nil && r.cancelled() {
		return 0, io.ErrClosedPipe
	}

	n, err := r.reader.Read(p)
	r.read += int64(n)

	if r.report != nil && r.read-r.lastNote >= 8<<20 {
		r.lastNote = r.read
		r.report(r.read)
	}

	return n, err
}
