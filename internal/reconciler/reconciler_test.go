package reconciler

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/jbweber/autospawn/api/v1alpha1"
	"github.com/jbweber/autospawn/internal/allocator"
	"github.com/jbweber/autospawn/internal/controller"
	"github.com/jbweber/autospawn/internal/events"
	"github.com/jbweber/autospawn/internal/hypervisor"
	"github.com/jbweber/autospawn/internal/hypervisor/hypervisortest"
	"github.com/jbweber/autospawn/internal/metrics"
	"github.com/jbweber/autospawn/internal/registry"
)

// staticRegistry always returns the same endpoints.
type staticRegistry []v1alpha1.Endpoint

func (s staticRegistry) ListDesired(context.Context) []v1alpha1.Endpoint {
	return append([]v1alpha1.Endpoint(nil), s...)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Kind
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	hv     *hypervisortest.Hypervisor
	rec    *Reconciler
	logs   *observer.ObservedLogs
	events *recordingPublisher
	spans  *tracetest.SpanRecorder
}

func endpoint(user, addr string) v1alpha1.Endpoint {
	return v1alpha1.Endpoint{User: user, Address: netip.MustParseAddr(addr)}
}

// newFixture wires a reconciler to the real controller and allocator over an
// in-memory hypervisor holding template 3000.
func newFixture(t *testing.T, reg Registry) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	hv := hypervisortest.New()
	hv.AddTemplate(3000)

	ctrl := controller.New(hv, controller.Options{
		Prefix:       "auto",
		Tag:          "autospawn",
		TemplateID:   3000,
		Storage:      "local-zfs",
		PrefixLength: 24,
		Gateway:      netip.MustParseAddr("192.168.220.1"),
		Nameserver:   netip.MustParseAddr("8.8.8.8"),
		User:         "user",
		Rollback:     true,
		Retry:        controller.RetryPolicy{Attempts: 1},
	}, logger.Named("controller"), nil)

	pub := &recordingPublisher{}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	rec := New(reg, ctrl, allocator.New(ctrl, 5000, logger.Named("allocator")), logger.Named("reconciler"),
		WithEvents(pub),
		WithTracer(tp.Tracer("reconciler-test")),
		WithMetrics(metrics.New()),
	)
	return &fixture{hv: hv, rec: rec, logs: logs, events: pub, spans: spans}
}

func TestSync_EndToEnd(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	db.MustExec(`
CREATE TABLE guacamole_connection (connection_id INTEGER PRIMARY KEY, connection_name TEXT NOT NULL);
CREATE TABLE guacamole_connection_parameter (connection_id INTEGER, parameter_name TEXT, parameter_value TEXT);
INSERT INTO guacamole_connection VALUES (1, 'alice'), (2, 'bob');
INSERT INTO guacamole_connection_parameter VALUES
	(1, 'hostname', '192.168.220.55'),
	(2, 'hostname', '192.168.220.99');`)

	reader := registry.NewReader(db, registry.Filter{Prefix: "192.168.220.", RangeStart: 50, RangeEnd: 70}, time.Second, zap.NewNop())
	f := newFixture(t, reader)
	f.hv.AddVM(hypervisor.VM{ID: 5000, Name: "lab-gateway"})
	f.hv.AddClusterIDs(5001)

	res, err := f.rec.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Desired)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Resources, 1)
	assert.Equal(t, "auto-alice", res.Resources[0].Name)
	assert.Equal(t, 5002, res.Resources[0].ID, "next free id at or above the floor")

	vm, ok := f.hv.VM(5002)
	require.True(t, ok)
	assert.Equal(t, "auto-alice", vm.Name)
	assert.Equal(t, "running", vm.Status)

	created := f.logs.FilterMessage("resource created").All()
	require.Len(t, created, 1, "exactly one creation is logged")
	assert.Equal(t, "auto-alice", created[0].ContextMap()["name"])
	assert.Equal(t, "sync", created[0].ContextMap()["action"])
	assert.NotEmpty(t, created[0].ContextMap()["run_id"])
	assert.Equal(t, 1, f.logs.FilterMessage("sync complete").Len())
}

func TestSync_Idempotent(t *testing.T) {
	f := newFixture(t, staticRegistry{
		endpoint("alice", "192.168.220.55"),
		endpoint("Carol", "192.168.220.60"),
	})

	res, err := f.rec.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	firstCalls := len(f.hv.MutatingCalls())
	firstLogs := f.logs.Len()

	res, err = f.rec.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Len(t, f.hv.MutatingCalls(), firstCalls, "second sync must not mutate")
	assert.Equal(t, firstLogs, f.logs.Len(), "a sync with nothing to do is silent")
}

func TestSync_EmptyRegistryIsSilent(t *testing.T) {
	f := newFixture(t, staticRegistry{})
	f.hv.AddVM(hypervisor.VM{ID: 5002, Name: "auto-alice", Status: "running"})

	res, err := f.rec.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Zero(t, f.logs.Len())
	assert.Empty(t, f.hv.Calls(), "empty registry must not even query the hypervisor")
	_, ok := f.hv.VM(5002)
	assert.True(t, ok, "an empty registry never deletes")
	assert.Empty(t, f.events.kinds())
}

func TestSync_HypervisorUnavailable(t *testing.T) {
	f := newFixture(t, staticRegistry{endpoint("alice", "192.168.220.55")})
	f.hv.ConnectErr = func(int) error { return errors.New("connection refused") }

	res, err := f.rec.Sync(context.Background())
	require.ErrorIs(t, err, controller.ErrUnavailable)
	assert.Zero(t, res.Created)
	assert.Equal(t, 1, f.logs.FilterMessage("cannot list hypervisor VMs, skipping sync").Len())
}

func TestSync_AllocatesLiveIDPerEntry(t *testing.T) {
	f := newFixture(t, staticRegistry{
		endpoint("alice", "192.168.220.55"),
		endpoint("bob", "192.168.220.56"),
	})
	f.hv.AddClusterIDs(5000, 5002)

	res, err := f.rec.Sync(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Resources, 2)
	assert.Equal(t, 5001, res.Resources[0].ID)
	assert.Equal(t, 5003, res.Resources[1].ID)
}

func TestSpawn_PartialFailureIsolation(t *testing.T) {
	f := newFixture(t, staticRegistry{
		endpoint("alice", "192.168.220.55"),
		endpoint("bob", "192.168.220.56"),
	})
	f.hv.CloneErr = func(_ int, name string) error {
		if name == "auto-bob" {
			return errors.New("storage full")
		}
		return nil
	}

	res, err := f.rec.Spawn(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage full")

	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Failed)
	_, ok := f.hv.VM(5000)
	assert.True(t, ok, "alice is created despite bob failing")
	assert.Equal(t, 1, f.logs.FilterMessage("resource created").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("failed to create resource").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("spawn complete").Len())
	assert.Equal(t, []events.Kind{
		events.KindResourceCreated,
		events.KindCreateFailed,
		events.KindActionCompleted,
	}, f.events.kinds())
}

func TestSpawn_SequentialIDs(t *testing.T) {
	f := newFixture(t, staticRegistry{
		endpoint("alice", "192.168.220.55"),
		endpoint("bob", "192.168.220.56"),
		endpoint("carol", "192.168.220.57"),
		endpoint("dave", "192.168.220.58"),
	})
	// bob already has a VM: skipped without consuming an id.
	f.hv.AddVM(hypervisor.VM{ID: 4000, Name: "auto-bob"})
	// carol's start fails and is rolled back: the id is free again.
	starts := 0
	f.hv.StartErr = func(int) error {
		starts++
		if starts == 2 {
			return errors.New("no quorum")
		}
		return nil
	}

	res, err := f.rec.Spawn(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Failed)

	alice, _ := f.hv.VM(5000)
	dave, _ := f.hv.VM(5001)
	assert.Equal(t, "auto-alice", alice.Name)
	assert.Equal(t, "auto-dave", dave.Name)
}

func TestSpawn_EmptyRegistry(t *testing.T) {
	f := newFixture(t, staticRegistry{})

	res, err := f.rec.Spawn(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Equal(t, 1, f.logs.FilterMessage("no valid connections found").Len())
	assert.Empty(t, f.hv.Calls())
}

func TestTeardown_OnlyManaged(t *testing.T) {
	f := newFixture(t, staticRegistry{})
	f.hv.AddVM(hypervisor.VM{ID: 5002, Name: "auto-alice", Status: "running"})
	f.hv.AddVM(hypervisor.VM{ID: 5010, Name: "auto-bob", Status: "running"})
	f.hv.AddVM(hypervisor.VM{ID: 12, Name: "other-vm", Status: "running"})
	f.hv.AddVM(hypervisor.VM{ID: 13, Name: "autobuild-x", Status: "running"})

	res, err := f.rec.Teardown(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Deleted)

	assert.Equal(t, []string{"stop 5002", "delete 5002", "stop 5010", "delete 5010"}, f.hv.MutatingCalls())
	other, ok := f.hv.VM(12)
	require.True(t, ok, "other-vm must be left alone")
	assert.Equal(t, "running", other.Status)
	_, ok = f.hv.VM(13)
	assert.True(t, ok, "autobuild-x only shares the bare prefix")
	assert.Equal(t, 2, f.logs.FilterMessage("resource deleted").Len())
}

func TestTeardown_FailureIsolation(t *testing.T) {
	f := newFixture(t, staticRegistry{})
	f.hv.AddVM(hypervisor.VM{ID: 5002, Name: "auto-alice", Status: "running"})
	f.hv.AddVM(hypervisor.VM{ID: 5010, Name: "auto-bob", Status: "running"})
	f.hv.DeleteErr = func(id int) error {
		if id == 5002 {
			return errors.New("VM is locked")
		}
		return nil
	}

	res, err := f.rec.Teardown(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Failed)
	_, ok := f.hv.VM(5010)
	assert.False(t, ok, "bob is deleted despite alice failing")
}

func TestTeardown_Nothing(t *testing.T) {
	f := newFixture(t, staticRegistry{})
	f.hv.AddVM(hypervisor.VM{ID: 12, Name: "other-vm"})

	res, err := f.rec.Teardown(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
	assert.Equal(t, 1, f.logs.FilterMessage("no managed resources to delete").Len())
}

func TestSpans(t *testing.T) {
	f := newFixture(t, staticRegistry{endpoint("alice", "192.168.220.55")})

	_, err := f.rec.Sync(context.Background())
	require.NoError(t, err)

	var names []string
	for _, s := range f.spans.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"reconciler.create", "reconciler.sync"}, names)
}

// blockingRegistry blocks ListDesired until release is closed.
type blockingRegistry struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRegistry) ListDesired(context.Context) []v1alpha1.Endpoint {
	close(b.entered)
	<-b.release
	return nil
}

func TestActionsNeverOverlap(t *testing.T) {
	reg := &blockingRegistry{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, reg)
	f.hv.AddVM(hypervisor.VM{ID: 5002, Name: "auto-alice", Status: "running"})

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		_, _ = f.rec.Sync(context.Background())
	}()
	<-reg.entered

	teardownDone := make(chan struct{})
	go func() {
		defer close(teardownDone)
		_, _ = f.rec.Teardown(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.hv.Connects(), "teardown must wait for the running sync")

	close(reg.release)
	<-syncDone
	select {
	case <-teardownDone:
	case <-time.After(5 * time.Second):
		t.Fatal("teardown did not run after sync finished")
	}
	assert.Positive(t, f.hv.Connects())
	_, ok := f.hv.VM(5002)
	assert.False(t, ok)
}

func TestPanicReleasesActionLock(t *testing.T) {
	f := newFixture(t, staticRegistry{endpoint("alice", "192.168.220.55")})
	panicked := false
	f.hv.CloneErr = func(int, string) error {
		if !panicked {
			panicked = true
			panic("clone exploded")
		}
		return nil
	}

	func() {
		defer func() { _ = recover() }()
		_, _ = f.rec.Spawn(context.Background())
		t.Fatal("spawn should have panicked")
	}()
	require.True(t, panicked)

	done := make(chan error, 1)
	go func() {
		_, err := f.rec.Sync(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sync blocked after a panicked spawn")
	}

	_, ok := f.hv.VM(5000)
	assert.True(t, ok)

	var names []string
	for _, s := range f.spans.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "reconciler.spawn")
}
