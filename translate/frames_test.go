package translate

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepherg/manup"
)

func TestBuildSnapshot(t *testing.T) {
	settings := &manup.PlatformPolicy{Latest: "2.4.1", Minimum: "2.1.0", Enabled: true}
	cfg := &manup.Configuration{Platforms: map[string]manup.PlatformPolicy{"ios": *settings}}
	state := manup.DerivedState{
		Status:    manup.StatusSupported,
		Message:   "There is an update available.",
		Settings:  settings,
		Config:    cfg,
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Err:       errors.New("boom"),
	}
	b, err := BuildSnapshot(state)
	require.NoError(t, err)

	f, err := ParseFrame(b)
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, FrameSnapshot, f.Type)
	require.NotNil(t, f.Snapshot)
	assert.Equal(t, manup.StatusSupported, f.Snapshot.Status)
	assert.Equal(t, "boom", f.Snapshot.Error)
	require.NotNil(t, f.Snapshot.Settings)
	assert.Equal(t, "2.4.1", f.Snapshot.Settings.Latest)
	require.NotNil(t, f.Snapshot.Config)
	assert.Equal(t, []string{"ios"}, f.Snapshot.Config.PlatformNames())
}

func TestBuildEvent(t *testing.T) {
	b, err := BuildEvent(manup.StatusEvent{
		Kind:       manup.EventStatusChange,
		Previous:   manup.StatusLatest,
		Status:     manup.StatusDisabled,
		Message:    "maintenance",
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	f, err := ParseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, FrameStatus, f.Type)
	assert.Equal(t, manup.StatusLatest, f.Previous)
	assert.Equal(t, manup.StatusDisabled, f.Status)

	b, err = BuildEvent(manup.StatusEvent{Kind: manup.EventFetchError, Status: manup.StatusLatest, Err: errors.New("offline")})
	require.NoError(t, err)
	f, err = ParseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, "offline", f.Error)

	_, err = BuildEvent(manup.StatusEvent{Kind: "bogus"})
	assert.Error(t, err)
}

func TestParsePushFrame(t *testing.T) {
	bare := `{"ios":{"latest":"1.0.0","minimum":"1.0.0","url":"","enabled":true}}`
	cfg, err := ParsePushFrame([]byte(bare))
	require.NoError(t, err)
	_, ok := cfg.Policy("ios")
	assert.True(t, ok)

	cfg, err = ParsePushFrame([]byte(`{"type":"config","config":` + bare + `}`))
	require.NoError(t, err)
	_, ok = cfg.Policy("ios")
	assert.True(t, ok)

	cfg, err = ParsePushFrame([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = ParsePushFrame([]byte(`{"type":"config"}`))
	assert.Error(t, err)
	_, err = ParsePushFrame([]byte(`{"type":"weird"}`))
	assert.Error(t, err)
	_, err = ParsePushFrame([]byte("  "))
	assert.Error(t, err)
}

func TestBuildPushFrameRoundTrip(t *testing.T) {
	cfg := &manup.Configuration{
		Platforms: map[string]manup.PlatformPolicy{"android": {Latest: "3.0.0", Minimum: "2.0.0", Enabled: false}},
		Extra:     map[string]json.RawMessage{"motd": json.RawMessage(`"hi"`)},
	}
	b, err := BuildPushFrame(cfg)
	require.NoError(t, err)
	got, err := ParsePushFrame(b)
	require.NoError(t, err)
	assert.Equal(t, cfg.Platforms["android"].Latest, got.Platforms["android"].Latest)
	assert.False(t, got.Platforms["android"].Enabled)
	assert.JSONEq(t, `"hi"`, string(got.Extra["motd"]))
}
