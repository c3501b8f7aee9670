package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dockerpilot/dockerpilot/pkg/opserr"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

const colorLabel = "dockerpilot.color"

// runBlueGreen deploys the opposite color next to the live container,
// validates it on probe ports, migrates volume data when the descriptor
// moved to fresh volumes, then switches atomically. The superseded color
// is kept for a grace window so an operator can swap names back.
func (op *operation) runBlueGreen(ctx context.Context, opts PromoteOptions) error {
	d := op.descriptor
	name := d.ContainerName

	op.update(progress.StageStarting, 5, "determining active color")

	oldExists := false
	oldColor := ""
	var oldDescriptor = d

	if info, err := op.client.ContainerInspect(ctx, name); err == nil {
		oldExists = true
		if info.Config != nil {
			oldColor = info.Config.Labels[colorLabel]
		}
		if inspected, err := inspectRunning(ctx, op.client, name); err == nil {
			oldDescriptor = inspected
		}
	} else if opserr.KindOf(err) != opserr.KindNotFound {
		return err
	}

	newColor := "blue"
	if oldColor == "blue" {
		newColor = "green"
	}
	if oldColor == "" && oldExists {
		oldColor = "green"
	}

	candidate := d.Clone()
	if candidate.Labels == nil {
		candidate.Labels = map[string]string{}
	}
	candidate.Labels[colorLabel] = newColor
	candidateName := fmt.Sprintf("%s-%s", name, newColor)

	op.update(progress.StageBuilding, 20, "building image "+d.ImageTag)
	if err := op.ensureImage(ctx, opts); err != nil {
		return err
	}

	if err := op.checkCancel(); err != nil {
		return err
	}

	// A stale candidate slot from an older aborted deploy is cleared
	// before reuse.
	if err := stopAndRemove(ctx, op.client, candidateName, stopTimeout); err != nil {
		return err
	}

	op.update(progress.StageCreating, 35, "deploying to "+newColor+" slot")
	candidateID, err := createAndStart(ctx, op.client, candidate, candidateName, portsProbe)
	if err != nil {
		return err
	}

	fail := func(cause error) error {
		removeCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()

		if err := stopAndRemove(removeCtx, op.client, candidateID, stopTimeout); err != nil {
			op.logger.WithError(err).Error("Unable to remove candidate container")
		}
		return cause
	}

	select {
	case <-time.After(stabilizePause):
	case <-ctx.Done():
		return fail(opserr.Wrap(ctx.Err(), opserr.KindTimeout, "stabilize wait interrupted"))
	}

	op.update(progress.StageValidating, 50, "health probing "+newColor+" slot")
	if err := op.prober.probe(ctx, op.client, candidate, candidateID, op.probeSpec, portsProbe, op.cancelled); err != nil {
		return fail(err)
	}

	if err := op.checkCancel(); err != nil {
		return fail(err)
	}

	if oldExists {
		op.update(progress.StageMigratingData, 60, "migrating volume data")
		if err := op.migrateSlotData(ctx, oldDescriptor, candidate, name, candidateID); err != nil {
			return fail(err)
		}
	}

	if err := op.checkCancel(); err != nil {
		return fail(err)
	}

	// Atomic switch: from here cancellation is honored as complete plus
	// post-rollback note, never as a reversal of the switched endpoint.
	op.update(progress.StageSwitching, 75, "switching to "+newColor)

	parkedName := fmt.Sprintf("%s-%s", name, oldColor)
	if oldExists {
		if err := op.client.ContainerStop(ctx, name, stopTimeout); err != nil && opserr.KindOf(err) != opserr.KindNotFound {
			return fail(err)
		}
		if err := op.client.ContainerRename(ctx, name, parkedName); err != nil {
			return fail(err)
		}
	}

	if err := stopAndRemove(ctx, op.client, candidateID, stopTimeout); err != nil {
		op.rollbackRename(ctx, parkedName, name, oldExists)
		return err
	}

	if _, err := createAndStart(ctx, op.client, candidate, name, portsOriginal); err != nil {
		op.rollbackRename(ctx, parkedName, name, oldExists)
		return err
	}

	op.update(progress.StageCleaningUp, 90, "holding "+parkedName+" for rollback grace")
	if oldExists {
		op.holdAndCleanup(ctx, parkedName)
	}

	return nil
}

// holdAndCleanup keeps the superseded color for the rollback grace
// window; a cancel during the window parks it permanently instead of
// reversing the switch.
func (op *operation) holdAndCleanup(ctx context.Context, parkedName string) {
	select {
	case <-time.After(blueGreenGrace):
	case <-ctx.Done():
		return
	}

	if op.cancelled() {
		op.logger.WithField("container", parkedName).
			Warn("Cancel after switch, keeping superseded container for manual rollback")
		return
	}

	if err := stopAndRemove(ctx, op.client, parkedName, stopTimeout); err != nil {
		op.logger.WithError(err).Warn("Unable to remove superseded container")
	}
}
