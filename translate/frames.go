// Package translate builds and parses the JSON frames exchanged with status consumers and
// configuration push channels.
package translate

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stepherg/manup"
)

var (
	errEmptyFrame       = errors.New("translate: empty frame")
	errUnknownFrameType = errors.New("translate: unknown frame type")
	errMissingConfig    = errors.New("translate: config frame without document")
)

const (
	FrameSnapshot = "snapshot"
	FrameStatus   = "status"
	FrameError    = "fetch_error"
	FrameConfig   = "config"
	FramePing     = "ping"
)

// Snapshot is the JSON view of a manup.DerivedState.
type Snapshot struct {
	Status    manup.Status          `json:"status"`
	Message   string                `json:"message"`
	Settings  *manup.PlatformPolicy `json:"settings,omitempty"`
	Config    *manup.Configuration  `json:"config,omitempty"`
	UpdatedAt *time.Time            `json:"updatedAt,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Frame is the envelope written to status streams.
type Frame struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	Previous   manup.Status `json:"previous,omitempty"`
	Status     manup.Status `json:"status,omitempty"`
	Message    string       `json:"message"`
	OccurredAt time.Time    `json:"occurredAt"`
	Error      string       `json:"error,omitempty"`
	Snapshot   *Snapshot    `json:"snapshot,omitempty"`
}

// NewSnapshot converts state into its JSON view.
func NewSnapshot(state manup.DerivedState) Snapshot {
	s := Snapshot{
		Status:   state.Status,
		Message:  state.Message,
		Settings: state.Settings,
		Config:   state.Config,
	}
	if !state.UpdatedAt.IsZero() {
		t := state.UpdatedAt
		s.UpdatedAt = &t
	}
	if state.Err != nil {
		s.Error = state.Err.Error()
	}
	return s
}

// BuildSnapshot constructs the frame sent when a stream opens.
func BuildSnapshot(state manup.DerivedState) ([]byte, error) {
	snap := NewSnapshot(state)
	return json.Marshal(Frame{
		ID:         uuid.NewString(),
		Type:       FrameSnapshot,
		Status:     state.Status,
		Message:    state.Message,
		OccurredAt: time.Now().UTC(),
		Snapshot:   &snap,
	})
}

// BuildEvent constructs a status or fetch-error frame.
func BuildEvent(evt manup.StatusEvent) ([]byte, error) {
	f := Frame{
		ID:         uuid.NewString(),
		Previous:   evt.Previous,
		Status:     evt.Status,
		Message:    evt.Message,
		OccurredAt: evt.OccurredAt.UTC(),
	}
	switch evt.Kind {
	case manup.EventStatusChange:
		f.Type = FrameStatus
	case manup.EventFetchError:
		f.Type = FrameError
		if evt.Err != nil {
			f.Error = evt.Err.Error()
		}
	case manup.EventSnapshot:
		f.Type = FrameSnapshot
	default:
		return nil, errUnknownFrameType
	}
	return json.Marshal(f)
}

// ParseFrame decodes a status stream frame.
func ParseFrame(data []byte) (*Frame, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyFrame
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ParsePushFrame decodes a configuration push. Publishers may send either a bare
// configuration document or an envelope {"type":"config","config":{...}}. Ping frames
// return (nil, nil).
func ParsePushFrame(data []byte) (*manup.Configuration, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errEmptyFrame
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, err
	}
	var typ string
	if raw, ok := top["type"]; ok {
		// a platform entry named "type" is an object, not a frame type
		if json.Unmarshal(raw, &typ) != nil {
			typ = ""
		}
	}
	switch typ {
	case "":
		return manup.ParseConfiguration(data)
	case FramePing:
		return nil, nil
	case FrameConfig:
		doc, ok := top["config"]
		if !ok || len(doc) == 0 {
			return nil, errMissingConfig
		}
		return manup.ParseConfiguration(doc)
	default:
		return nil, errUnknownFrameType
	}
}

// BuildPushFrame wraps a configuration document in a config envelope.
func BuildPushFrame(cfg *manup.Configuration) ([]byte, error) {
	if cfg == nil {
		return nil, errMissingConfig
	}
	return json.Marshal(map[string]interface{}{"type": FrameConfig, "config": cfg})
}
