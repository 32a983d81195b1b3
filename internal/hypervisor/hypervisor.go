// Package hypervisor defines the narrow control-plane contract autospawn
// needs from a hypervisor: list, clone, configure, start, stop and delete
// virtual machines addressed by numeric id.
//
// Backends live in subpackages (proxmox, libvirt). Sessions are short
// lived: callers connect, perform one logical operation and close.
package hypervisor

import (
	"context"
	"errors"
	"net/netip"
	"slices"
)

// ErrNotFound is returned when an operation targets an id the hypervisor does not know.
var ErrNotFound = errors.New("vm not found")

// VM is a virtual machine as reported by the hypervisor.
type VM struct {
	ID     int
	Name   string
	Status string // backend status string, e.g. "running", "stopped"
	Tags   []string
}

// HasTag reports whether the VM carries tag.
func (v VM) HasTag(tag string) bool {
	return slices.Contains(v.Tags, tag)
}

// InstanceConfig is the per-instance configuration applied after cloning.
type InstanceConfig struct {
	Owner      string
	Address    netip.Prefix // address with prefix length, e.g. 192.168.220.55/24
	Gateway    netip.Addr
	Nameserver netip.Addr
	User       string
	Password   string
	SSHKeys    []string
	Tag        string // ownership tag; empty disables tagging
}

// Driver opens sessions against a hypervisor.
type Driver interface {
	Connect(ctx context.Context) (Session, error)
}

// Session is an open connection to the hypervisor control plane.
// Every method honours ctx cancellation and deadlines.
type Session interface {
	// ListVMs returns the VMs on the configured node.
	ListVMs(ctx context.Context) ([]VM, error)

	// ListVMIDs returns every id in use across the cluster, including
	// templates and VMs autospawn does not manage.
	ListVMIDs(ctx context.Context) ([]int, error)

	// Clone makes a full (non-linked) copy of template as newID named name
	// on storage, and waits for it to finish.
	Clone(ctx context.Context, template, newID int, name, storage string) error

	Configure(ctx context.Context, id int, cfg InstanceConfig) error
	Start(ctx context.Context, id int) error
	Stop(ctx context.Context, id int) error
	Delete(ctx context.Context, id int) error

	Close() error
}
