package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jbweber/autospawn/internal/allocator"
	"github.com/jbweber/autospawn/internal/config"
	"github.com/jbweber/autospawn/internal/controller"
	"github.com/jbweber/autospawn/internal/events"
	"github.com/jbweber/autospawn/internal/hypervisor"
	"github.com/jbweber/autospawn/internal/hypervisor/libvirt"
	"github.com/jbweber/autospawn/internal/hypervisor/proxmox"
	"github.com/jbweber/autospawn/internal/logging"
	"github.com/jbweber/autospawn/internal/metrics"
	"github.com/jbweber/autospawn/internal/reconciler"
	"github.com/jbweber/autospawn/internal/registry"
	"github.com/jbweber/autospawn/internal/telemetry"
)

// app holds the components shared by every command. Fields are built
// lazily by the helpers below; close releases whatever was built.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Recorder

	controller *controller.Controller
	registry   *registry.Reader
	events     events.Publisher
	tracer     trace.Tracer

	closers []func()
}

// newApp loads the configuration and builds the logger. Every error it
// returns is a configuration error.
func newApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, configError(err)
	}
	logger, cleanup, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, configError(fmt.Errorf("logging: %w", err))
	}
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	a.closers = append(a.closers, cleanup)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) driver() (hypervisor.Driver, error) {
	h := a.cfg.Hypervisor
	switch h.Driver {
	case config.DriverLibvirt:
		return libvirt.New(h.Libvirt.Socket, a.cfg.Network.Bridge, a.logger.Named("libvirt")), nil
	case config.DriverProxmox:
		d, err := proxmox.New(h.Proxmox, h.RequestTimeout, a.logger.Named("proxmox"))
		if err != nil {
			return nil, fmt.Errorf("proxmox: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported hypervisor driver %q", h.Driver)
	}
}

func (a *app) buildController() (*controller.Controller, error) {
	if a.controller != nil {
		return a.controller, nil
	}
	driver, err := a.driver()
	if err != nil {
		return nil, configError(err)
	}
	opts, err := controller.OptionsFromConfig(a.cfg)
	if err != nil {
		return nil, configError(err)
	}
	a.controller = controller.New(driver, opts, a.logger.Named("controller"), a.metrics)
	return a.controller, nil
}

func (a *app) buildRegistry() (*registry.Reader, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	reader, err := registry.Open(a.cfg.Registry, a.logger.Named("registry"))
	if err != nil {
		return nil, configError(err)
	}
	a.registry = reader
	a.closers = append(a.closers, func() {
		if err := reader.Close(); err != nil {
			a.logger.Warn("failed to close registry", zap.Error(err))
		}
	})
	return reader, nil
}

// buildEvents connects to NATS when configured. A broker that cannot be
// reached at startup is logged and events are dropped.
func (a *app) buildEvents() events.Publisher {
	if a.events != nil {
		return a.events
	}
	a.events = events.Nop{}
	if url := a.cfg.Events.NATSURL; url != "" {
		pub, err := events.NewNATS(url, a.cfg.Events.SubjectPrefix, a.logger.Named("events"))
		if err != nil {
			a.logger.Warn("event publishing disabled", zap.String("url", url), zap.Error(err))
		} else {
			a.events = pub
		}
	}
	pub := a.events
	a.closers = append(a.closers, pub.Close)
	return pub
}

func (a *app) buildTracer() (trace.Tracer, error) {
	if a.tracer != nil {
		return a.tracer, nil
	}
	tp, shutdown, err := telemetry.Setup(a.cfg.Tracing)
	if err != nil {
		return nil, configError(fmt.Errorf("tracing: %w", err))
	}
	a.tracer = tp.Tracer(telemetry.TracerName)
	a.closers = append(a.closers, func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("failed to flush traces", zap.Error(err))
		}
	})
	return a.tracer, nil
}

// buildReconciler wires the reconciler to the registry, the hypervisor and
// the observability stack.
func (a *app) buildReconciler() (*reconciler.Reconciler, error) {
	ctrl, err := a.buildController()
	if err != nil {
		return nil, err
	}
	reader, err := a.buildRegistry()
	if err != nil {
		return nil, err
	}
	tracer, err := a.buildTracer()
	if err != nil {
		return nil, err
	}
	ids := allocator.New(ctrl, a.cfg.Managed.IDFloor, a.logger.Named("allocator"))
	return reconciler.New(reader, ctrl, ids, a.logger.Named("reconciler"),
		reconciler.WithMetrics(a.metrics),
		reconciler.WithEvents(a.buildEvents()),
		reconciler.WithTracer(tracer),
	), nil
}
