// Package reconciler closes the gap between the endpoints the registry asks
// for and the VMs the hypervisor runs.
//
// Three actions share one diff primitive: Spawn creates a VM per desired
// endpoint at the start of the day, Sync creates only what is missing, and
// Teardown deletes every managed VM. Only one action runs at a time.
package reconciler

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/jbweber/autospawn/api/v1alpha1"
	"github.com/jbweber/autospawn/internal/events"
	"github.com/jbweber/autospawn/internal/metrics"
	"github.com/jbweber/autospawn/internal/naming"
)

// Action names, used in logs, metrics, spans and events.
const (
	ActionSpawn    = "spawn"
	ActionSync     = "sync"
	ActionTeardown = "teardown"
)

// Registry lists desired endpoints. An empty result means "nothing to do".
type Registry interface {
	ListDesired(ctx context.Context) []v1alpha1.Endpoint
}

// Controller performs single resource actions against the hypervisor.
type Controller interface {
	Prefix() string
	ListNames(ctx context.Context) ([]string, error)
	ListResources(ctx context.Context) ([]v1alpha1.ManagedResource, error)
	Create(ctx context.Context, id int, owner string, address netip.Addr) (v1alpha1.ManagedResource, error)
	Delete(ctx context.Context, id int, name string) (v1alpha1.ManagedResource, error)
}

// IDAllocator hands out VM ids.
type IDAllocator interface {
	Floor() int
	Next(ctx context.Context) int
}

// Reconciler runs reconciliation actions.
type Reconciler struct {
	mu sync.Mutex

	registry   Registry
	controller Controller
	ids        IDAllocator

	logger  *zap.Logger
	metrics *metrics.Recorder
	events  events.Publisher
	tracer  trace.Tracer

	newRunID func() string
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMetrics records action and resource metrics to rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(r *Reconciler) { r.metrics = rec }
}

// WithEvents publishes resource and action events to pub.
func WithEvents(pub events.Publisher) Option {
	return func(r *Reconciler) { r.events = pub }
}

// WithTracer opens spans on tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reconciler) { r.tracer = tracer }
}

// New returns a Reconciler.
func New(registry Registry, controller Controller, ids IDAllocator, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		registry:   registry,
		controller: controller,
		ids:        ids,
		logger:     logger,
		events:     events.Nop{},
		tracer:     noop.NewTracerProvider().Tracer(""),
		newRunID:   uuid.NewString,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// derivedName is the name the controller gives owner's VM.
func (r *Reconciler) derivedName(owner string) string {
	return naming.ResourceName(r.controller.Prefix(), owner)
}
