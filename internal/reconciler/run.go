package reconciler

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jbweber/autospawn/api/v1alpha1"
	"github.com/jbweber/autospawn/internal/controller"
	"github.com/jbweber/autospawn/internal/events"
)

// Result summarizes one action.
type Result struct {
	Action  string
	RunID   string
	Desired int

	Created int
	Skipped int
	Deleted int
	Failed  int

	// Resources are the resources created or deleted by the action.
	Resources []v1alpha1.ManagedResource
}

// run is the state of one in-flight action.
type run struct {
	r      *Reconciler
	ctx    context.Context
	span   trace.Span
	log    *zap.Logger
	start  time.Time
	result Result
	errs   error
}

// begin takes the action lock and opens the run's span. The caller must
// defer release.
func (r *Reconciler) begin(ctx context.Context, action string) *run {
	r.mu.Lock()

	id := r.newRunID()
	ctx, span := r.tracer.Start(ctx, "reconciler."+action, trace.WithAttributes(
		attribute.String("autospawn.run_id", id),
	))
	return &run{
		r:      r,
		ctx:    ctx,
		span:   span,
		log:    r.logger.With(zap.String("action", action), zap.String("run_id", id)),
		start:  r.now(),
		result: Result{Action: action, RunID: id},
	}
}

// fail records an action-level failure.
func (run *run) fail(err error) {
	run.errs = multierr.Append(run.errs, err)
}

// release ends the span and drops the action lock.
func (run *run) release() {
	run.span.End()
	run.r.mu.Unlock()
}

// finish records the outcome on the span, metrics and events. When quiet is
// set nothing is published; used for sync cycles that did nothing.
func (run *run) finish(quiet bool) (Result, error) {
	err := run.errs
	if err != nil {
		run.span.RecordError(err)
		run.span.SetStatus(codes.Error, err.Error())
	}
	run.span.SetAttributes(
		attribute.Int("autospawn.created", run.result.Created),
		attribute.Int("autospawn.skipped", run.result.Skipped),
		attribute.Int("autospawn.deleted", run.result.Deleted),
		attribute.Int("autospawn.failed", run.result.Failed),
	)

	run.r.metrics.ActionCompleted(run.result.Action, run.r.now().Sub(run.start), err)
	if !quiet {
		ev := run.event(events.KindActionCompleted)
		ev.Created = run.result.Created
		ev.Skipped = run.result.Skipped
		ev.Deleted = run.result.Deleted
		ev.Failed = run.result.Failed
		if err != nil {
			ev.Error = err.Error()
		}
		run.r.events.Publish(run.ctx, ev)
	}
	return run.result, err
}

func (run *run) event(kind events.Kind) events.Event {
	return events.Event{
		Kind:   kind,
		RunID:  run.result.RunID,
		Action: run.result.Action,
		Time:   run.r.now().UTC(),
	}
}

// listDesired reads the registry and records the gauge.
func (run *run) listDesired() []v1alpha1.Endpoint {
	desired := run.r.registry.ListDesired(run.ctx)
	run.result.Desired = len(desired)
	run.r.metrics.DesiredEndpoints(len(desired))
	return desired
}

// create creates ep's resource under id and records the outcome. It
// reports whether id is now occupied.
func (run *run) create(id int, ep v1alpha1.Endpoint) bool {
	name := run.r.derivedName(ep.User)
	ctx, span := run.r.tracer.Start(run.ctx, "reconciler.create", trace.WithAttributes(
		attribute.String("autospawn.name", name),
		attribute.Int("autospawn.id", id),
		attribute.String("autospawn.address", ep.Address.String()),
	))
	defer span.End()

	log := run.log.With(zap.String("name", name), zap.Int("id", id), zap.String("user", ep.User), zap.Stringer("address", ep.Address))

	res, err := run.r.controller.Create(ctx, id, ep.User, ep.Address)
	switch {
	case err == nil:
		log.Info("resource created")
		run.result.Created++
		run.result.Resources = append(run.result.Resources, res)
		run.r.metrics.ResourceCreated()
		ev := run.resourceEvent(events.KindResourceCreated, res)
		run.r.events.Publish(ctx, ev)
		return true

	case errors.Is(err, controller.ErrAlreadyExists):
		log.Info("resource already exists, skipping", zap.Int("existing_id", res.ID))
		run.result.Skipped++
		run.r.metrics.CreateSkipped()
		return false
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	run.result.Failed++
	run.fail(err)

	stage := "list"
	occupied := false
	var cerr *controller.CreateError
	switch {
	case errors.As(err, &cerr):
		stage = string(cerr.Stage)
		occupied = cerr.Stage != controller.StageClone && !cerr.RolledBack
	case errors.Is(err, controller.ErrUnavailable):
		stage = "connect"
	}
	log.Error("failed to create resource", zap.String("stage", stage), zap.Error(err))
	run.r.metrics.CreateFailed(stage)

	ev := run.resourceEvent(events.KindCreateFailed, res)
	ev.Stage = stage
	ev.Error = err.Error()
	run.r.events.Publish(ctx, ev)
	return occupied
}

// delete stops and deletes res and records the outcome.
func (run *run) delete(res v1alpha1.ManagedResource) {
	ctx, span := run.r.tracer.Start(run.ctx, "reconciler.delete", trace.WithAttributes(
		attribute.String("autospawn.name", res.Name),
		attribute.Int("autospawn.id", res.ID),
	))
	defer span.End()

	log := run.log.With(zap.String("name", res.Name), zap.Int("id", res.ID))
	log.Info("deleting resource")

	deleted, err := run.r.controller.Delete(ctx, res.ID, res.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("failed to delete resource", zap.Error(err))
		run.result.Failed++
		run.fail(err)
		run.r.metrics.DeleteFailed()

		ev := run.resourceEvent(events.KindDeleteFailed, deleted)
		ev.Error = err.Error()
		run.r.events.Publish(ctx, ev)
		return
	}

	log.Info("resource deleted")
	run.result.Deleted++
	run.result.Resources = append(run.result.Resources, deleted)
	run.r.metrics.ResourceDeleted()
	run.r.events.Publish(ctx, run.resourceEvent(events.KindResourceDeleted, deleted))
}

func (run *run) resourceEvent(kind events.Kind, res v1alpha1.ManagedResource) events.Event {
	ev := run.event(kind)
	ev.ID = res.ID
	ev.Name = res.Name
	ev.Owner = res.Owner
	if res.Address.IsValid() {
		ev.Address = res.Address.String()
	}
	return ev
}
