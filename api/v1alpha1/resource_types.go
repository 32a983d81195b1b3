package v1alpha1

import (
	"net/netip"
)

// Endpoint is a desired (user, address) pair read from the connection
// registry. Endpoints are recomputed every cycle and are unique per User.
type Endpoint struct {
	// User is the registry connection name the endpoint belongs to.
	User string `json:"user" yaml:"user"`

	// Address is the IPv4 address the user's machine must answer on.
	Address netip.Addr `json:"address" yaml:"address"`
}

// String renders the endpoint as "user (address)" for log lines.
func (e Endpoint) String() string {
	return e.User + " (" + e.Address.String() + ")"
}

// ResourceState is the lifecycle state of a ManagedResource.
type ResourceState string

const (
	// ResourceStateCreating means the clone/configure/start sequence is in progress.
	ResourceStateCreating ResourceState = "Creating"

	// ResourceStateRunning means the resource was created and started.
	ResourceStateRunning ResourceState = "Running"

	// ResourceStateStopping means a stop was issued as part of deletion.
	ResourceStateStopping ResourceState = "Stopping"

	// ResourceStateDeleted means the resource was removed from the hypervisor.
	ResourceStateDeleted ResourceState = "Deleted"
)

// ManagedResource is a hypervisor virtual machine owned by autospawn.
//
// Identity is the hypervisor-assigned ID. Name is derived from the owner
// (see naming.ResourceName) and is what marks the resource as managed.
type ManagedResource struct {
	// ID is the numeric hypervisor identifier.
	ID int `json:"id" yaml:"id"`

	// Name is prefix + "-" + lowercase(owner).
	Name string `json:"name" yaml:"name"`

	// Address is the configured IPv4 address. It is unset for resources
	// discovered through listing, since the hypervisor does not report it.
	Address netip.Addr `json:"address,omitzero" yaml:"address"`

	// Owner is the registry user the resource was created for. Empty when
	// the owner cannot be recovered from the hypervisor.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`

	// State is the lifecycle state as last observed or driven by autospawn.
	State ResourceState `json:"state" yaml:"state"`

	// Status is the raw hypervisor status string (e.g. "running", "stopped").
	Status string `json:"status,omitempty" yaml:"status,omitempty"`

	// Tagged reports whether the resource carries the ownership tag.
	Tagged bool `json:"tagged" yaml:"tagged"`
}
