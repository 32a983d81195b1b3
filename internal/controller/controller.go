// Package controller turns single reconciliation decisions (create, delete,
// list) into hypervisor calls.
//
// Every operation opens its own session through Connect, which is the only
// place that retries. Each hypervisor call is bounded by the request timeout.
package controller

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/jbweber/autospawn/api/v1alpha1"
	"github.com/jbweber/autospawn/internal/config"
	"github.com/jbweber/autospawn/internal/hypervisor"
	"github.com/jbweber/autospawn/internal/metrics"
	"github.com/jbweber/autospawn/internal/naming"
	"github.com/jbweber/autospawn/internal/status"
)

// Options configures a Controller.
type Options struct {
	Prefix     string
	Tag        string
	RequireTag bool

	TemplateID int
	Storage    string

	PrefixLength int
	Gateway      netip.Addr
	Nameserver   netip.Addr
	User         string
	Password     string
	SSHKeys      []string

	Rollback       bool
	DeleteGrace    time.Duration
	RequestTimeout time.Duration
	// TaskTimeout is how long the backend may wait on an asynchronous
	// task. Mutating calls are bounded by RequestTimeout plus TaskTimeout.
	TaskTimeout time.Duration
	Retry       RetryPolicy
}

// OptionsFromConfig builds Options from a validated config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	gw, err := netip.ParseAddr(cfg.Network.Gateway)
	if err != nil {
		return Options{}, fmt.Errorf("network.gateway: %w", err)
	}
	ns, err := netip.ParseAddr(cfg.Network.Nameserver)
	if err != nil {
		return Options{}, fmt.Errorf("network.nameserver: %w", err)
	}
	return Options{
		Prefix:         cfg.Managed.Prefix,
		Tag:            cfg.Managed.Tag,
		RequireTag:     cfg.Managed.RequireTag,
		TemplateID:     cfg.TemplateID,
		Storage:        cfg.Storage,
		PrefixLength:   cfg.Network.PrefixLength,
		Gateway:        gw,
		Nameserver:     ns,
		User:           cfg.Network.User,
		Password:       cfg.Network.Password,
		SSHKeys:        cfg.Network.SSHAuthorizedKeys,
		Rollback:       cfg.Managed.Rollback(),
		DeleteGrace:    cfg.Managed.DeleteGrace,
		RequestTimeout: cfg.Hypervisor.RequestTimeout,
		TaskTimeout:    taskTimeout(cfg),
		Retry: RetryPolicy{
			Attempts: cfg.Hypervisor.Connect.Attempts,
			Delay:    cfg.Hypervisor.Connect.Delay,
		},
	}, nil
}

// taskTimeout is the backend's task bound. Only Proxmox runs tasks.
func taskTimeout(cfg *config.Config) time.Duration {
	if cfg.Hypervisor.Driver != config.DriverProxmox {
		return 0
	}
	return cfg.Hypervisor.Proxmox.TaskTimeout
}

// Controller performs one resource action at a time against a hypervisor.
type Controller struct {
	driver  hypervisor.Driver
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Recorder

	// sleep waits out the delete grace period; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Controller. rec may be nil.
func New(driver hypervisor.Driver, opts Options, logger *zap.Logger, rec *metrics.Recorder) *Controller {
	return &Controller{
		driver:  driver,
		opts:    opts,
		logger:  logger,
		metrics: rec,
		sleep:   sleepContext,
	}
}

// Prefix returns the managed name prefix.
func (c *Controller) Prefix() string {
	return c.opts.Prefix
}

// Connect opens a session, retrying per the retry policy. After the last
// failed attempt it returns an error wrapping ErrUnavailable.
func (c *Controller) Connect(ctx context.Context) (hypervisor.Session, error) {
	attempt := 0
	sess, err := retry(ctx, c.opts.Retry, func() (hypervisor.Session, error) {
		attempt++
		cctx, cancel := c.requestContext(ctx)
		defer cancel()
		return c.driver.Connect(cctx)
	}, func(err error, next time.Duration) {
		c.logger.Warn("hypervisor connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("attempts", c.opts.Retry.Attempts),
			zap.Duration("delay", next),
			zap.Error(err))
	})
	if err != nil {
		c.metrics.ConnectFailed()
		return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrUnavailable, attempt, err)
	}
	return sess, nil
}

// Check verifies the hypervisor is reachable.
func (c *Controller) Check(ctx context.Context) error {
	sess, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	c.close(sess)
	return nil
}

// ListResources returns the managed resources currently on the hypervisor.
func (c *Controller) ListResources(ctx context.Context) ([]v1alpha1.ManagedResource, error) {
	sess, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.close(sess)

	vms, err := c.listVMs(ctx, sess)
	if err != nil {
		return nil, err
	}

	var out []v1alpha1.ManagedResource
	for _, vm := range vms {
		if !c.owns(vm) {
			continue
		}
		owner, _ := naming.OwnerFromName(c.opts.Prefix, vm.Name)
		out = append(out, v1alpha1.ManagedResource{
			ID:     vm.ID,
			Name:   vm.Name,
			Owner:  owner,
			State:  status.StateFromStatus(vm.Status),
			Status: vm.Status,
			Tagged: c.opts.Tag != "" && vm.HasTag(c.opts.Tag),
		})
	}
	return out, nil
}

// ListNames returns the name of every VM on the node, managed or not.
func (c *Controller) ListNames(ctx context.Context) ([]string, error) {
	sess, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.close(sess)

	vms, err := c.listVMs(ctx, sess)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(vms))
	for _, vm := range vms {
		names = append(names, vm.Name)
	}
	return names, nil
}

// ListIDs returns every id in use across the cluster.
func (c *Controller) ListIDs(ctx context.Context) ([]int, error) {
	sess, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.close(sess)

	var ids []int
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		ids, err = sess.ListVMIDs(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list VM ids: %w", err)
	}
	return ids, nil
}

// owns reports whether vm is a managed resource: it carries the prefix and,
// when RequireTag is set, the ownership tag.
func (c *Controller) owns(vm hypervisor.VM) bool {
	if !naming.IsManaged(c.opts.Prefix, vm.Name) {
		return false
	}
	return !c.opts.RequireTag || vm.HasTag(c.opts.Tag)
}

// Create clones, configures and starts a resource for owner at address
// under id. If a VM with the derived name exists it returns
// ErrAlreadyExists before any mutating call. Failures after the clone
// return a *CreateError; with rollback enabled the clone is removed.
func (c *Controller) Create(ctx context.Context, id int, owner string, address netip.Addr) (v1alpha1.ManagedResource, error) {
	res := v1alpha1.ManagedResource{
		ID:      id,
		Name:    naming.ResourceName(c.opts.Prefix, owner),
		Address: address,
		Owner:   owner,
	}

	sess, err := c.Connect(ctx)
	if err != nil {
		return res, err
	}
	defer c.close(sess)

	vms, err := c.listVMs(ctx, sess)
	if err != nil {
		return res, err
	}
	for _, vm := range vms {
		if vm.Name == res.Name {
			res.ID = vm.ID
			return res, fmt.Errorf("%s (id %d): %w", res.Name, vm.ID, ErrAlreadyExists)
		}
	}

	if err := status.TransitionToCreating(&res); err != nil {
		return res, err
	}
	log := c.logger.With(zap.String("name", res.Name), zap.Int("id", id))

	log.Debug("cloning template", zap.Int("template", c.opts.TemplateID), zap.String("storage", c.opts.Storage))
	if err := c.mutate(ctx, func(ctx context.Context) error {
		return sess.Clone(ctx, c.opts.TemplateID, id, res.Name, c.opts.Storage)
	}); err != nil {
		// Never compensate a failed clone: the id may belong to a VM
		// that is not ours.
		return res, &CreateError{Stage: StageClone, ID: id, Name: res.Name, Err: err}
	}

	cfg := hypervisor.InstanceConfig{
		Owner:      owner,
		Address:    netip.PrefixFrom(address, c.opts.PrefixLength),
		Gateway:    c.opts.Gateway,
		Nameserver: c.opts.Nameserver,
		User:       c.opts.User,
		Password:   c.opts.Password,
		SSHKeys:    c.opts.SSHKeys,
		Tag:        c.opts.Tag,
	}
	log.Debug("configuring", zap.Stringer("address", cfg.Address))
	if err := c.mutate(ctx, func(ctx context.Context) error {
		return sess.Configure(ctx, id, cfg)
	}); err != nil {
		return res, c.compensate(ctx, sess, &res, StageConfigure, err)
	}

	log.Debug("starting")
	if err := c.mutate(ctx, func(ctx context.Context) error {
		return sess.Start(ctx, id)
	}); err != nil {
		return res, c.compensate(ctx, sess, &res, StageStart, err)
	}

	if err := status.TransitionToRunning(&res); err != nil {
		return res, err
	}
	res.Status = "running"
	res.Tagged = c.opts.Tag != ""
	return res, nil
}

// compensate wraps a failure after a successful clone and, when rollback
// is enabled, stops and deletes the clone.
func (c *Controller) compensate(ctx context.Context, sess hypervisor.Session, res *v1alpha1.ManagedResource, stage Stage, cause error) error {
	cerr := &CreateError{Stage: stage, ID: res.ID, Name: res.Name, Err: cause}
	log := c.logger.With(zap.String("name", res.Name), zap.Int("id", res.ID), zap.String("stage", string(stage)))

	if !c.opts.Rollback {
		log.Warn("leaving partially created resource in place")
		return cerr
	}

	log.Info("rolling back partially created resource")
	if err := c.teardown(ctx, sess, res); err != nil {
		cerr.RollbackErr = err
		return cerr
	}
	cerr.RolledBack = true
	return cerr
}

// Delete stops the resource, waits the grace period and deletes it.
func (c *Controller) Delete(ctx context.Context, id int, name string) (v1alpha1.ManagedResource, error) {
	res := v1alpha1.ManagedResource{
		ID:    id,
		Name:  name,
		State: v1alpha1.ResourceStateRunning,
	}
	res.Owner, _ = naming.OwnerFromName(c.opts.Prefix, name)

	sess, err := c.Connect(ctx)
	if err != nil {
		return res, err
	}
	defer c.close(sess)

	return res, c.teardown(ctx, sess, &res)
}

// teardown is stop, grace, delete. A failed stop is logged and the delete is
// still attempted; the stop error is only returned if the delete fails too.
func (c *Controller) teardown(ctx context.Context, sess hypervisor.Session, res *v1alpha1.ManagedResource) error {
	if err := status.TransitionToStopping(res); err != nil {
		return err
	}
	log := c.logger.With(zap.String("name", res.Name), zap.Int("id", res.ID))

	var stopErr error
	if err := c.mutate(ctx, func(ctx context.Context) error {
		return sess.Stop(ctx, res.ID)
	}); err != nil {
		log.Warn("stop failed, deleting anyway", zap.Error(err))
		stopErr = fmt.Errorf("stop: %w", err)
	}

	if err := c.sleep(ctx, c.opts.DeleteGrace); err != nil {
		return multierr.Append(stopErr, err)
	}

	if err := c.mutate(ctx, func(ctx context.Context) error {
		return sess.Delete(ctx, res.ID)
	}); err != nil {
		return multierr.Append(stopErr, fmt.Errorf("delete: %w", err))
	}
	return status.TransitionToDeleted(res)
}

func (c *Controller) listVMs(ctx context.Context, sess hypervisor.Session) ([]hypervisor.VM, error) {
	var vms []hypervisor.VM
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		vms, err = sess.ListVMs(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list VMs: %w", err)
	}
	return vms, nil
}

// call runs fn under the request timeout.
func (c *Controller) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := c.requestContext(ctx)
	defer cancel()
	return fn(cctx)
}

// mutate runs a call that may wait on a backend task. It is bounded by the
// request timeout plus the task timeout.
func (c *Controller) mutate(ctx context.Context, fn func(context.Context) error) error {
	if c.opts.RequestTimeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout+c.opts.TaskTimeout)
	defer cancel()
	return fn(cctx)
}

func (c *Controller) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}

func (c *Controller) close(sess hypervisor.Session) {
	if err := sess.Close(); err != nil {
		c.logger.Warn("failed to close hypervisor session", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
