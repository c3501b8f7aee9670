package engine

import (
	"context"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

// runQuick is the development-grade deploy: build, stop old, create new,
// clean up the superseded image, validate. Build failure has no side
// effects; after the old container is gone, a create failure triggers a
// best-effort re-create from the captured image id.
func (op *operation) runQuick(ctx context.Context, opts PromoteOptions) error {
	d := op.descriptor
	name := d.ContainerName

	op.update(progress.StageStarting, 0, "capturing existing deployment")

	var oldImageID string
	if info, err := op.client.ContainerInspect(ctx, name); err == nil {
		oldImageID = info.Image
	} else if opserr.KindOf(err) != opserr.KindNotFound {
		return err
	}

	if err := op.checkCancel(); err != nil {
		return err
	}

	op.update(progress.StageBuilding, 20, "building image "+d.ImageTag)
	if err := op.ensureImage(ctx, opts); err != nil {
		return err
	}

	if err := op.checkCancel(); err != nil {
		return err
	}

	op.update(progress.StageCreating, 50, "stopping old container")
	if err := stopAndRemove(ctx, op.client, name, stopTimeout); err != nil {
		return err
	}

	op.update(progress.StageCreating, 70, "starting new container")
	newID, err := createAndStart(ctx, op.client, d, name, portsOriginal)
	if err != nil {
		op.recreateOld(ctx, name, oldImageID)
		return err
	}

	op.update(progress.StageCleaningUp, 85, "cleaning up old image")
	if !opts.NoCleanup && oldImageID != "" {
		op.removeUnusedImage(ctx, oldImageID)
	}

	if err := op.checkCancel(); err != nil {
		// The new container is already live; cancellation here reverses
		// the latest reversible action, which is nothing.
		return err
	}

	op.update(progress.StageValidating, 95, "validating deployment")
	if err := op.prober.probe(ctx, op.client, d, newID, op.probeSpec, portsOriginal, op.cancelled); err != nil {
		return err
	}

	return nil
}

// recreateOld tries to bring the previous container back from its image
// id after a failed create. Best effort: the outcome is reported, never
// converted into success.
func (op *operation) recreateOld(ctx context.Context, name, oldImageID string) {
	if oldImageID == "" {
		return
	}

	restored := op.descriptor.Clone()
	restored.ImageTag = oldImageID

	if _, err := createAndStart(ctx, op.client, restored, name, portsOriginal); err != nil {
		op.logger.WithError(err).Error("Unable to re-create previous container")
		return
	}

	op.logger.WithField("image", oldImageID).Warn("Previous container re-created after failed deploy")
}

// removeUnusedImage deletes the superseded image unless another
// container still references it.
func (op *operation) removeUnusedImage(ctx context.Context, imageID string) {
	current, err := op.client.ImageInspect(ctx, op.descriptor.ImageTag)
	if err != nil || current.ID == imageID {
		return
	}

	containers, err := op.client.ContainerList(ctx, true)
	if err != nil {
		return
	}
	for _, c := range containers {
		if c.ImageID == imageID {
			op.logger.WithField("image", imageID).Debug("Old image still referenced, keeping it")
			return
		}
	}

	if err := op.client.ImageRemove(ctx, imageID, false); err != nil {
		op.logger.WithError(err).Warn("Unable to remove old image")
	}
}
