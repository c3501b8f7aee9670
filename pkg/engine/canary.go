package engine

import (
	"context"
	"time"

	"github.com/dockerpilot/dockerpilot/pkg/deploy"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
	"github.com/dockerpilot/dockerpilot/pkg/progress"
)

const (
	canarySuffix      = "-canary"
	canaryWeightLabel = "dockerpilot.canary.weight"
	canaryWeight      = "5"

	canarySampleEvery  = 5 * time.Second
	canaryMaxProbeFail = 0.05
)

// runCanary deploys <name>-canary carrying a traffic-weight label an
// external ingress is expected to honor, observes it for the watch
// window, and promotes it over the prior container on pass.
func (op *operation) runCanary(ctx context.Context, opts PromoteOptions) error {
	d := op.descriptor
	name := d.ContainerName
	canaryName := name + canarySuffix

	op.update(progress.StageBuilding, 20, "building image "+d.ImageTag)
	if err := op.ensureImage(ctx, opts); err != nil {
		return err
	}

	if err := op.checkCancel(); err != nil {
		return err
	}

	canary := d.Clone()
	if canary.Labels == nil {
		canary.Labels = map[string]string{}
	}
	canary.Labels[canaryWeightLabel] = canaryWeight

	op.update(progress.StageCreating, 40, "deploying canary")
	canaryID, err := createAndStart(ctx, op.client, canary, canaryName, portsProbe)
	if err != nil {
		return err
	}

	fail := func(cause error) error {
		removeCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
		defer cancel()

		if err := stopAndRemove(removeCtx, op.client, canaryID, stopTimeout); err != nil {
			op.logger.WithError(err).Error("Unable to remove canary")
		}
		return cause
	}

	op.update(progress.StageValidating, 55, "observing canary")
	if err := op.observeCanary(ctx, canary, canaryID); err != nil {
		return fail(err)
	}

	if err := op.checkCancel(); err != nil {
		return fail(err)
	}

	op.update(progress.StageSwitching, 80, "promoting canary")

	if err := stopAndRemove(ctx, op.client, name, stopTimeout); err != nil {
		return fail(err)
	}

	if err := stopAndRemove(ctx, op.client, canaryID, stopTimeout); err != nil {
		return err
	}
	if _, err := createAndStart(ctx, op.client, canary, name, portsOriginal); err != nil {
		return err
	}

	op.update(progress.StageCleaningUp, 95, "canary promoted")

	return nil
}

// observeCanary samples restarts and probe health across the watch
// window. Any restart, or a probe failure rate above the threshold,
// fails the canary.
func (op *operation) observeCanary(ctx context.Context, d *deploy.Descriptor, canaryID string) error {
	deadline := time.Now().Add(canaryWatch)

	var probes, failures int
	for time.Now().Before(deadline) {
		if err := op.checkCancel(); err != nil {
			return err
		}

		info, err := op.client.ContainerInspect(ctx, canaryID)
		if err != nil {
			return err
		}
		if info.RestartCount > 0 {
			return opserr.New(opserr.KindProbeFailed, "canary restarted %d times during observation", info.RestartCount)
		}
		if info.State == nil || !info.State.Running {
			return opserr.New(opserr.KindProbeFailed, "canary is not running")
		}

		if op.probeSpec.HTTP {
			probes++
			single := d.Clone()
			single.HealthcheckRetries = 1
			if err := op.prober.probe(ctx, op.client, single, canaryID, op.probeSpec, portsProbe, op.cancelled); err != nil {
				failures++
			}
		}

		select {
		case <-time.After(canarySampleEvery):
		case <-ctx.Done():
			return opserr.Wrap(ctx.Err(), opserr.KindTimeout, "canary observation interrupted")
		}
	}

	if probes > 0 && float64(failures)/float64(probes) > canaryMaxProbeFail {
		return opserr.New(opserr.KindProbeFailed, "canary probe failure rate %d/%d above threshold", failures, probes)
	}

	return nil
}
