package engine

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"

	"github.com/stepherg/manup"
)

func scenarioPolicy() *manup.PlatformPolicy {
	return &manup.PlatformPolicy{Latest: "2.4.1", Minimum: "2.1.0", URL: "https://example.com/app", Enabled: true}
}

func TestEvaluateScenarios(t *testing.T) {
	cases := []struct {
		name    string
		current string
		policy  *manup.PlatformPolicy
		status  manup.Status
		message string
	}{
		{"below minimum", "1.0.0", scenarioPolicy(), manup.StatusUnsupported, MessageUnsupported},
		{"at minimum", "2.1.0", scenarioPolicy(), manup.StatusSupported, MessageUpdateAvailable},
		{"at latest", "2.4.1", scenarioPolicy(), manup.StatusLatest, ""},
		{"above latest", "3.0.0", scenarioPolicy(), manup.StatusLatest, ""},
		{"maintenance", "2.4.1", &manup.PlatformPolicy{Latest: "2.4.1", Minimum: "2.1.0", Enabled: false}, manup.StatusDisabled, MessageMaintenance},
		{"no platform", "0.0.1", nil, manup.StatusLatest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.current, tc.policy)
			assert.Equal(t, tc.status, got)
			assert.Equal(t, tc.message, Message(got))
		})
	}
}

func TestDisabledWinsOverEveryVersion(t *testing.T) {
	policy := &manup.PlatformPolicy{Latest: "9.9.9", Minimum: "9.0.0", Enabled: false}
	for _, current := range []string{"0.0.1", "9.0.0", "9.9.9", "100.0.0", "garbage", ""} {
		assert.Equal(t, manup.StatusDisabled, Evaluate(current, policy), current)
	}
}

func TestUnparseableVersionIsUnsupported(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
	e := New(logger)
	for _, current := range []string{"", "1.0", "one.two.three", "1.0.0.0"} {
		assert.Equal(t, manup.StatusUnsupported, e.Evaluate(current, scenarioPolicy()), current)
	}
	assert.Contains(t, buf.String(), "engine.version.parse_failed")
}

func TestEqualVersionsAreLatest(t *testing.T) {
	for _, v := range []string{"0.0.1", "1.2.3", "10.20.30", "2.0.0-rc.1"} {
		p := &manup.PlatformPolicy{Latest: v, Minimum: v, Enabled: true}
		got := Evaluate(v, p)
		assert.Equal(t, manup.StatusLatest, got, v)
		assert.Empty(t, Message(got))
	}
}

func TestBetweenMinimumAndLatestIsSupported(t *testing.T) {
	p := &manup.PlatformPolicy{Latest: "5.0.0", Minimum: "4.2.0", Enabled: true}
	for _, v := range []string{"4.2.0", "4.2.1", "4.10.0", "4.99.99"} {
		assert.Equal(t, manup.StatusSupported, Evaluate(v, p), v)
	}
	for _, v := range []string{"4.1.99", "0.0.0", "3.9.9"} {
		assert.Equal(t, manup.StatusUnsupported, Evaluate(v, p), v)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	p := scenarioPolicy()
	first := Evaluate("2.2.0", p)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, Evaluate("2.2.0", p))
	}
	assert.Equal(t, scenarioPolicy(), p)
}

func TestEvaluateConfig(t *testing.T) {
	cfg := &manup.Configuration{Platforms: map[string]manup.PlatformPolicy{
		"ios": *scenarioPolicy(),
	}}
	e := New(nil)

	status, settings := e.EvaluateConfig("2.1.0", "ios", cfg)
	assert.Equal(t, manup.StatusSupported, status)
	require.NotNil(t, settings)
	assert.Equal(t, "2.4.1", settings.Latest)

	status, settings = e.EvaluateConfig("1.0.0", "android", cfg)
	assert.Equal(t, manup.StatusLatest, status)
	assert.Nil(t, settings)
}

func TestMessageTable(t *testing.T) {
	assert.Equal(t, "", Message(manup.StatusLatest))
	assert.Equal(t, "", Message(manup.StatusError))
	assert.Equal(t, "There is an update available.", Message(manup.StatusSupported))
	assert.Equal(t, "This version is no longer supported. Please update to the latest version.", Message(manup.StatusUnsupported))
	assert.Equal(t, "The app is currently in maintenance, please check again shortly.", Message(manup.StatusDisabled))
}
