package reconciler

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/jbweber/autospawn/api/v1alpha1"
)

// Spawn creates one resource per desired endpoint, ignoring what already
// runs. Ids are sequential from the floor and advance only when an id
// becomes occupied, so it is meant as the first action of the day.
func (r *Reconciler) Spawn(ctx context.Context) (Result, error) {
	run := r.begin(ctx, ActionSpawn)
	defer run.release()
	run.log.Info("scheduled spawn triggered")

	desired := run.listDesired()
	if len(desired) == 0 {
		run.log.Info("no valid connections found")
		return run.finish(false)
	}

	id := r.ids.Floor()
	for _, ep := range desired {
		if err := run.ctx.Err(); err != nil {
			run.fail(err)
			break
		}
		if run.create(id, ep) {
			id++
		}
	}

	run.log.Info("spawn complete",
		zap.Int("created", run.result.Created),
		zap.Int("skipped", run.result.Skipped),
		zap.Int("failed", run.result.Failed))
	return run.finish(false)
}

// Sync creates resources for desired endpoints whose derived name is not on
// the hypervisor. A cycle with nothing to create logs nothing.
func (r *Reconciler) Sync(ctx context.Context) (Result, error) {
	run := r.begin(ctx, ActionSync)
	defer run.release()

	desired := run.listDesired()
	if len(desired) == 0 {
		return run.finish(true)
	}

	names, err := r.controller.ListNames(run.ctx)
	if err != nil {
		run.log.Warn("cannot list hypervisor VMs, skipping sync", zap.Error(err))
		run.fail(fmt.Errorf("list VMs: %w", err))
		return run.finish(false)
	}

	missing := r.diff(desired, names)
	if len(missing) == 0 {
		return run.finish(true)
	}

	addresses := make([]string, 0, len(missing))
	for _, ep := range missing {
		addresses = append(addresses, ep.Address.String())
	}
	run.log.Info("found new connections", zap.Int("count", len(missing)), zap.Strings("addresses", addresses))

	for _, ep := range missing {
		if err := run.ctx.Err(); err != nil {
			run.fail(err)
			break
		}
		run.create(r.ids.Next(run.ctx), ep)
	}

	run.log.Info("sync complete",
		zap.Int("created", run.result.Created),
		zap.Int("skipped", run.result.Skipped),
		zap.Int("failed", run.result.Failed))
	return run.finish(false)
}

// diff returns the desired endpoints whose derived name is not in names.
func (r *Reconciler) diff(desired []v1alpha1.Endpoint, names []string) []v1alpha1.Endpoint {
	var missing []v1alpha1.Endpoint
	for _, ep := range desired {
		if !slices.Contains(names, r.derivedName(ep.User)) {
			missing = append(missing, ep)
		}
	}
	return missing
}

// Teardown stops and deletes every managed resource, regardless of the
// registry. Failures are isolated per resource.
func (r *Reconciler) Teardown(ctx context.Context) (Result, error) {
	run := r.begin(ctx, ActionTeardown)
	defer run.release()
	run.log.Info("scheduled teardown triggered")

	resources, err := r.controller.ListResources(run.ctx)
	if err != nil {
		run.log.Error("cannot list managed resources, skipping teardown", zap.Error(err))
		run.fail(fmt.Errorf("list resources: %w", err))
		return run.finish(false)
	}
	if len(resources) == 0 {
		run.log.Info("no managed resources to delete")
		return run.finish(false)
	}

	for _, res := range resources {
		if err := run.ctx.Err(); err != nil {
			run.fail(err)
			break
		}
		run.delete(res)
	}

	run.log.Info("teardown complete",
		zap.Int("deleted", run.result.Deleted),
		zap.Int("failed", run.result.Failed),
		zap.Int("total", len(resources)))
	return run.finish(false)
}
