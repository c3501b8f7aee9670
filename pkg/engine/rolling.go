package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

// runRolling swaps a single replica with zero downtime via rename: the
// new container starts under a temporary name on probe ports, must pass
// the health contract, and only then takes over the live name and ports.
func (op *operation) runRolling(ctx context.Context, opts PromoteOptions) error {
	d := op.descriptor
	name := d.ContainerName
	tempName := fmt.Sprintf("%s-new-%s", name, uuid.NewString()[:8])

	op.update(progress.StageBuilding, 20, "building image "+d.ImageTag)
	if err := op.ensureImage(ctx, opts); err != nil {
		return err
	}

	if err := op.checkCancel(); err != nil {
		return err
	}

	op.update(progress.StageCreating, 40, "starting replacement container")
	newID, err := createAndStart(ctx, op.client, d, tempName, portsProbe)
	if err != nil {
		return err
	}

	// Anything past this point owns a -new- container that must not
	// survive a failed deploy.
	fail := func(cause error) error {
		removeCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()

		if err := stopAndRemove(removeCtx, op.client, newID, stopTimeout); err != nil {
			op.logger.WithError(err).Error("Unable to remove replacement container")
		}
		return cause
	}

	select {
	case <-time.After(stabilizePause):
	case <-ctx.Done():
		return fail(opserr.Wrap(ctx.Err(), opserr.KindTimeout, "stabilize wait interrupted"))
	}

	if err := op.checkCancel(); err != nil {
		return fail(err)
	}

	op.update(progress.StageValidating, 60, "health probing replacement")
	if err := op.prober.probe(ctx, op.client, d, newID, op.probeSpec, portsProbe, op.cancelled); err != nil {
		return fail(err)
	}

	if err := op.checkCancel(); err != nil {
		return fail(err)
	}

	op.update(progress.StageSwitching, 75, "switching traffic")

	oldName := fmt.Sprintf("%s-old-%d", name, time.Now().Unix())
	hadOld, err := containerExists(ctx, op.client, name)
	if err != nil {
		return fail(err)
	}

	if hadOld {
		if err := op.client.ContainerStop(ctx, name, stopTimeout); err != nil && opserr.KindOf(err) != opserr.KindNotFound {
			return fail(err)
		}
		if err := op.client.ContainerRename(ctx, name, oldName); err != nil {
			return fail(err)
		}
	}

	// The probe-port container cannot simply be renamed onto the live
	// ports; it is re-created with the original bindings now that the old
	// container released them.
	if err := stopAndRemove(ctx, op.client, newID, stopTimeout); err != nil {
		op.rollbackRename(ctx, oldName, name, hadOld)
		return err
	}

	if _, err := createAndStart(ctx, op.client, d, name, portsOriginal); err != nil {
		op.rollbackRename(ctx, oldName, name, hadOld)
		return err
	}

	op.update(progress.StageCleaningUp, 90, "removing previous container after soak")
	if hadOld {
		op.soakAndRemove(ctx, oldName)
	}

	return nil
}

// rollbackRename restores the old container under its live name after a
// failed switch.
func (op *operation) rollbackRename(ctx context.Context, oldName, name string, hadOld bool) {
	if !hadOld {
		return
	}

	if err := op.client.ContainerRename(ctx, oldName, name); err != nil {
		op.logger.WithError(err).Error("Unable to restore previous container name")
		return
	}
	if err := op.client.ContainerStart(ctx, name); err != nil {
		op.logger.WithError(err).Error("Unable to restart previous container")
	}
}

// soakAndRemove keeps the renamed old container around for the soak
// window, then removes it; a cancel during the soak leaves it in place
// for the operator.
func (op *operation) soakAndRemove(ctx context.Context, oldName string) {
	select {
	case <-time.After(oldContainerSoak):
	case <-ctx.Done():
		return
	}

	if op.cancelled() {
		op.logger.WithField("container", oldName).Warn("Cancel during soak, keeping previous container")
		return
	}

	if err := stopAndRemove(ctx, op.client, oldName, stopTimeout); err != nil {
		op.logger.WithError(err).Warn("Unable to remove soaked container")
	}
}
