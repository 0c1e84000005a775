// Package backend defines how services are actually launched. The
// orchestrator only ever talks to a Backend; it never interprets a
// service's launch directive itself.
package backend

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/matgreaves/stackup/spec"
)

// ErrNotFound is returned when a handle no longer refers to anything.
var ErrNotFound = errors.New("instance not found")

// Handle identifies one launched instance of a service.
type Handle struct {
	// ID is the backend's identifier (container id, pid).
	ID      string `json:"id"`
	Service string `json:"service"`
}

// Backend launches and controls service instances.
type Backend interface {
	// Start launches svc and returns once the backend has confirmed the
	// instance is running. svc has already been resolved against the stack
	// (network and volume keys replaced by backend-side names).
	Start(ctx context.Context, project string, svc spec.Service) (Handle, error)

	// Stop terminates the instance and releases it. Stopping an instance
	// that already exited is not an error.
	Stop(ctx context.Context, h Handle) error

	// ExitCode returns the exit status. exited is false while the instance
	// is still running.
	ExitCode(ctx context.Context, h Handle) (code int, exited bool, err error)

	// IsRunning reports whether the instance is still running.
	IsRunning(ctx context.Context, h Handle) (bool, error)

	// Wait blocks until the instance exits and returns its exit code.
	Wait(ctx context.Context, h Handle) (int, error)

	// Exec runs argv in the instance's context and returns its exit code.
	Exec(ctx context.Context, h Handle, argv []string) (int, error)
}

// Provisioner is implemented by backends that manage shared networks and
// volumes.
type Provisioner interface {
	EnsureNetwork(ctx context.Context, name string, n spec.Network) error
	EnsureVolume(ctx context.Context, name string, v spec.Volume) error
	RemoveNetwork(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
}

// Lister is implemented by backends that can find a project's instances
// without persisted handles.
type Lister interface {
	List(ctx context.Context, project string) ([]Handle, error)
}

// Detacher is implemented by backends whose instances can outlive the
// launching process. Detach hands restart supervision to the backend.
type Detacher interface {
	Detach(ctx context.Context, h Handle, policy spec.RestartPolicy) error
}
