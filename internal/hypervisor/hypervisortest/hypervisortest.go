// Package hypervisortest provides an in-memory hypervisor for tests.
package hypervisortest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/jbweber/autospawn/internal/hypervisor"
)

// Hypervisor is an in-memory hypervisor.Driver. The zero value is not
// usable; call New.
//
// Failure hooks are consulted before the corresponding operation mutates
// state. A nil hook never fails.
type Hypervisor struct {
	mu sync.Mutex

	vms       map[int]*hypervisor.VM
	configs   map[int]hypervisor.InstanceConfig
	templates map[int]bool
	foreign   []int // ids in use elsewhere in the cluster

	ConnectErr   func(attempt int) error
	ListErr      error
	ListIDsErr   error
	CloneErr     func(newID int, name string) error
	ConfigureErr func(id int) error
	StartErr     func(id int) error
	StopErr      func(id int) error
	DeleteErr    func(id int) error

	calls    []string
	connects int
	open     int
}

// New returns an empty hypervisor.
func New() *Hypervisor {
	return &Hypervisor{
		vms:       map[int]*hypervisor.VM{},
		configs:   map[int]hypervisor.InstanceConfig{},
		templates: map[int]bool{},
	}
}

// AddTemplate registers a template. Templates are cloneable and occupy an
// id but are not listed as VMs.
func (h *Hypervisor) AddTemplate(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.templates[id] = true
}

// AddVM registers an existing VM.
func (h *Hypervisor) AddVM(vm hypervisor.VM) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v := vm
	h.vms[vm.ID] = &v
}

// AddClusterIDs marks ids as used on other nodes.
func (h *Hypervisor) AddClusterIDs(ids ...int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.foreign = append(h.foreign, ids...)
}

// VM returns the VM with id.
func (h *Hypervisor) VM(id int) (hypervisor.VM, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vm, ok := h.vms[id]
	if !ok {
		return hypervisor.VM{}, false
	}
	return *vm, true
}

// VMs returns every VM ordered by id.
func (h *Hypervisor) VMs() []hypervisor.VM {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listLocked()
}

// Config returns the configuration applied to id.
func (h *Hypervisor) Config(id int) (hypervisor.InstanceConfig, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cfg, ok := h.configs[id]
	return cfg, ok
}

// Calls returns every session call in order, e.g. "clone 3000 5000 auto-alice".
func (h *Hypervisor) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// MutatingCalls returns the calls that change hypervisor state.
func (h *Hypervisor) MutatingCalls() []string {
	var out []string
	for _, c := range h.Calls() {
		switch op, _, _ := strings.Cut(c, " "); op {
		case "clone", "configure", "start", "stop", "delete":
			out = append(out, c)
		}
	}
	return out
}

// Connects returns the number of Connect calls, successful or not.
func (h *Hypervisor) Connects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects
}

// OpenSessions returns the number of sessions not yet closed.
func (h *Hypervisor) OpenSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

func (h *Hypervisor) Connect(ctx context.Context) (hypervisor.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	if h.ConnectErr != nil {
		if err := h.ConnectErr(h.connects); err != nil {
			return nil, err
		}
	}
	h.open++
	return &session{h: h}, nil
}

func (h *Hypervisor) listLocked() []hypervisor.VM {
	out := make([]hypervisor.VM, 0, len(h.vms))
	for _, vm := range h.vms {
		v := *vm
		v.Tags = slices.Clone(vm.Tags)
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b hypervisor.VM) int { return a.ID - b.ID })
	return out
}

func (h *Hypervisor) record(format string, args ...any) {
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
}

var _ hypervisor.Driver = (*Hypervisor)(nil)
