// Package status validates lifecycle transitions of managed resources.
package status

import (
	"fmt"

	"github.com/jbweber/autospawn/api/v1alpha1"
)

// TransitionToCreating marks a new resource as being created.
// Only a resource with no state yet can start creating.
func TransitionToCreating(r *v1alpha1.ManagedResource) error {
	if r.State != "" {
		return fmt.Errorf("cannot transition %s to Creating from state %s", r.Name, r.State)
	}
	r.State = v1alpha1.ResourceStateCreating
	return nil
}

// TransitionToRunning marks a resource as created and started.
func TransitionToRunning(r *v1alpha1.ManagedResource) error {
	if r.State != v1alpha1.ResourceStateCreating {
		return fmt.Errorf("cannot transition %s to Running from state %s", r.Name, r.State)
	}
	r.State = v1alpha1.ResourceStateRunning
	return nil
}

// TransitionToStopping marks a resource as being torn down.
// Creating is accepted so that a failed creation can be rolled back.
func TransitionToStopping(r *v1alpha1.ManagedResource) error {
	if r.State != v1alpha1.ResourceStateRunning && r.State != v1alpha1.ResourceStateCreating {
		return fmt.Errorf("cannot transition %s to Stopping from state %s", r.Name, r.State)
	}
	r.State = v1alpha1.ResourceStateStopping
	return nil
}

// TransitionToDeleted marks a resource as removed from the hypervisor.
func TransitionToDeleted(r *v1alpha1.ManagedResource) error {
	if r.State != v1alpha1.ResourceStateStopping {
		return fmt.Errorf("cannot transition %s to Deleted from state %s", r.Name, r.State)
	}
	r.State = v1alpha1.ResourceStateDeleted
	return nil
}

// StateFromStatus maps a raw hypervisor status onto the lifecycle state
// of a resource discovered by listing.
func StateFromStatus(status string) v1alpha1.ResourceState {
	switch status {
	case "stopping", "shutdown":
		return v1alpha1.ResourceStateStopping
	default:
		// A stopped VM still exists until the delete pass removes it.
		return v1alpha1.ResourceStateRunning
	}
}

// IsTerminal returns true if the resource no longer exists.
func IsTerminal(state v1alpha1.ResourceState) bool {
	return state == v1alpha1.ResourceStateDeleted
}

// IsTransitioning returns true if the resource is mid-create or mid-delete.
func IsTransitioning(state v1alpha1.ResourceState) bool {
	return state == v1alpha1.ResourceStateCreating || state == v1alpha1.ResourceStateStopping
}
