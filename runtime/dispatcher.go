package runtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepherg/manup"
)

const subscriberBuffer = 16

// Callback names used in logs and metrics.
const (
	CallbackUpdateAvailable = "onUpdateAvailable"
	CallbackUpdateRequired  = "onUpdateRequired"
	CallbackMaintenanceMode = "onMaintenanceMode"
)

// Dispatch invokes the callback matching status, if any, and returns its name. Latest and
// Error invoke nothing.
func Dispatch(status manup.Status, cb manup.Callbacks) string {
	switch status {
	case manup.StatusSupported:
		if cb.OnUpdateAvailable != nil {
			cb.OnUpdateAvailable()
			return CallbackUpdateAvailable
		}
	case manup.StatusUnsupported:
		if cb.OnUpdateRequired != nil {
			cb.OnUpdateRequired()
			return CallbackUpdateRequired
		}
	case manup.StatusDisabled:
		if cb.OnMaintenanceMode != nil {
			cb.OnMaintenanceMode()
			return CallbackMaintenanceMode
		}
	}
	return ""
}

// subscriber tracks the last status it was told about so that callbacks fire once per
// transition, not once per fetch.
type subscriber struct {
	id       string
	cb       manup.Callbacks
	events   chan manup.StatusEvent
	onClose  func(string)
	metrics  *Metrics
	mu       sync.Mutex
	last     manup.Status
	started  bool
	closed   bool
	closeOne sync.Once
}

func newSubscriber(cb manup.Callbacks, metrics *Metrics, onClose func(string)) *subscriber {
	return &subscriber{
		id:      uuid.NewString(),
		cb:      cb,
		events:  make(chan manup.StatusEvent, subscriberBuffer),
		onClose: onClose,
		metrics: metrics,
	}
}

func (s *subscriber) ID() string                       { return s.id }
func (s *subscriber) Events() <-chan manup.StatusEvent { return s.events }

func (s *subscriber) Close() error {
	s.closeOne.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose(s.id)
		}
	})
	return nil
}

// snapshot delivers the current state on subscribe and dispatches its callback once.
func (s *subscriber) snapshot(state manup.DerivedState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.last = state.Status
	s.send(manup.StatusEvent{
		Kind:       manup.EventSnapshot,
		Status:     state.Status,
		Message:    state.Message,
		OccurredAt: time.Now(),
		Err:        state.Err,
	})
	s.mu.Unlock()
	s.metrics.observeDispatch(Dispatch(state.Status, s.cb))
}

// observe reports whether state is a transition and, if so, dispatches it.
func (s *subscriber) observe(state manup.DerivedState) bool {
	s.mu.Lock()
	if s.closed || (s.started && s.last == state.Status) {
		s.mu.Unlock()
		return false
	}
	prev := s.last
	s.started = true
	s.last = state.Status
	s.send(manup.StatusEvent{
		Kind:       manup.EventStatusChange,
		Previous:   prev,
		Status:     state.Status,
		Message:    state.Message,
		OccurredAt: time.Now(),
	})
	s.mu.Unlock()
	// Callbacks run unlocked so they may close the subscription.
	s.metrics.observeDispatch(Dispatch(state.Status, s.cb))
	return true
}

func (s *subscriber) fetchError(status manup.Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.send(manup.StatusEvent{
		Kind:       manup.EventFetchError,
		Previous:   s.last,
		Status:     status,
		OccurredAt: time.Now(),
		Err:        err,
	})
}

// send must be called with s.mu held. Slow readers lose events, never callbacks.
func (s *subscriber) send(evt manup.StatusEvent) {
	select {
	case s.events <- evt:
	default:
	}
}
