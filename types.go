package manup

import (
	"context"
	"time"
)

// Status is the outcome of evaluating the running version against a platform policy.
type Status string

const (
	StatusError       Status = "Error"
	StatusLatest      Status = "Latest"
	StatusSupported   Status = "Supported"
	StatusUnsupported Status = "Unsupported"
	StatusDisabled    Status = "Disabled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusError, StatusLatest, StatusSupported, StatusUnsupported, StatusDisabled:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// DerivedState is the snapshot an Orchestrator exposes to its consumers.
// Settings and Config reference the configuration that produced Status; both are nil until
// the first successful fetch.
type DerivedState struct {
	Status    Status
	Message   string
	Settings  *PlatformPolicy
	Config    *Configuration
	UpdatedAt time.Time
	// Err is the most recent fetch error, if any. It does not affect Status unless the
	// orchestrator runs with SurfaceFetchErrors.
	Err error
}

// Source fetches the remote configuration document.
type Source interface {
	Fetch(ctx context.Context) (*Configuration, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Configuration, error)

func (f SourceFunc) Fetch(ctx context.Context) (*Configuration, error) { return f(ctx) }

// ChangeNotifier is implemented by sources that know when their document changed
// (file watches, push channels). A receive on Changes asks the cache to refetch.
type ChangeNotifier interface {
	Changes() <-chan struct{}
}

// VersionProvider reports the running application's version string.
type VersionProvider interface {
	Version() string
}

// StaticVersion implements VersionProvider with a fixed string.
type StaticVersion string

func (v StaticVersion) Version() string { return string(v) }

// Callbacks are invoked by the dispatcher on status transitions. Nil fields are ignored.
type Callbacks struct {
	OnUpdateAvailable func()
	OnUpdateRequired  func()
	OnMaintenanceMode func()
}

type EventKind string

const (
	EventSnapshot     EventKind = "snapshot"
	EventStatusChange EventKind = "status"
	EventFetchError   EventKind = "fetch_error"
)

// StatusEvent is delivered to subscription channels.
type StatusEvent struct {
	Kind       EventKind
	Previous   Status
	Status     Status
	Message    string
	OccurredAt time.Time
	Err        error
}

// Subscription is returned by Orchestrator.Subscribe.
type Subscription interface {
	ID() string
	Events() <-chan StatusEvent
	Close() error
}
