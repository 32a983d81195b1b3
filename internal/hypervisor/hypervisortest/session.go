package hypervisortest

import (
	"context"
	"fmt"
	"slices"

	"github.com/jbweber/autospawn/internal/hypervisor"
)

type session struct {
	h      *Hypervisor
	closed bool
}

func (s *session) ListVMs(ctx context.Context) ([]hypervisor.VM, error) {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("list")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.ListErr != nil {
		return nil, h.ListErr
	}
	return h.listLocked(), nil
}

func (s *session) ListVMIDs(ctx context.Context) ([]int, error) {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("listids")
	if h.ListIDsErr != nil {
		return nil, h.ListIDsErr
	}
	ids := slices.Clone(h.foreign)
	for id := range h.templates {
		ids = append(ids, id)
	}
	for id := range h.vms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *session) Clone(ctx context.Context, template, newID int, name, storage string) error {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("clone %d %d %s", template, newID, name)
	if h.CloneErr != nil {
		if err := h.CloneErr(newID, name); err != nil {
			return err
		}
	}
	if !h.templates[template] {
		return fmt.Errorf("template %d: %w", template, hypervisor.ErrNotFound)
	}
	if _, ok := h.vms[newID]; ok || h.templates[newID] || slices.Contains(h.foreign, newID) {
		return fmt.Errorf("VM %d already exists", newID)
	}
	h.vms[newID] = &hypervisor.VM{ID: newID, Name: name, Status: "stopped"}
	return nil
}

func (s *session) Configure(ctx context.Context, id int, cfg hypervisor.InstanceConfig) error {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("configure %d", id)
	vm, err := s.vm(id, h.ConfigureErr)
	if err != nil {
		return err
	}
	h.configs[id] = cfg
	if cfg.Tag != "" {
		vm.Tags = []string{cfg.Tag}
	}
	return nil
}

func (s *session) Start(ctx context.Context, id int) error {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("start %d", id)
	vm, err := s.vm(id, h.StartErr)
	if err != nil {
		return err
	}
	vm.Status = "running"
	return nil
}

func (s *session) Stop(ctx context.Context, id int) error {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("stop %d", id)
	vm, err := s.vm(id, h.StopErr)
	if err != nil {
		return err
	}
	vm.Status = "stopped"
	return nil
}

func (s *session) Delete(ctx context.Context, id int) error {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("delete %d", id)
	if _, err := s.vm(id, h.DeleteErr); err != nil {
		return err
	}
	delete(h.vms, id)
	delete(h.configs, id)
	return nil
}

func (s *session) Close() error {
	h := s.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if !s.closed {
		s.closed = true
		h.open--
	}
	return nil
}

// vm runs hook and looks up id. Callers hold h.mu.
func (s *session) vm(id int, hook func(int) error) (*hypervisor.VM, error) {
	if hook != nil {
		if err := hook(id); err != nil {
			return nil, err
		}
	}
	vm, ok := s.h.vms[id]
	if !ok {
		return nil, fmt.Errorf("id %d: %w", id, hypervisor.ErrNotFound)
	}
	return vm, nil
}

var _ hypervisor.Session = (*session)(nil)
