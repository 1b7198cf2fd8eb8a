package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/engine"
)

// callRecorder counts callback invocations.
type callRecorder struct {
	mu          sync.Mutex
	available   int
	required    int
	maintenance int
}

func (r *callRecorder) callbacks() manup.Callbacks {
	return manup.Callbacks{
		OnUpdateAvailable: func() { r.mu.Lock(); r.available++; r.mu.Unlock() },
		OnUpdateRequired:  func() { r.mu.Lock(); r.required++; r.mu.Unlock() },
		OnMaintenanceMode: func() { r.mu.Lock(); r.maintenance++; r.mu.Unlock() },
	}
}

func (r *callRecorder) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available, r.required, r.maintenance
}

func newTestOrchestrator(t *testing.T, src manup.Source, version string, mutate func(*OrchestratorOptions)) *Orchestrator {
	t.Helper()
	opts := manup.DefaultOptions()
	opts.Platform = "ios"
	opts.Refresh.Interval = 0
	o := OrchestratorOptions{Source: src, Versions: manup.StaticVersion(version), Options: opts}
	if mutate != nil {
		mutate(&o)
	}
	orc, err := NewOrchestrator(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orc.Close() })
	return orc
}

func TestOrchestratorInitialStateIsLatest(t *testing.T) {
	orc := newTestOrchestrator(t, newScriptedSource("k", nil), "1.0.0", nil)
	st := orc.State()
	assert.Equal(t, manup.StatusLatest, st.Status)
	assert.Empty(t, st.Message)
	assert.Nil(t, st.Settings)
	assert.Nil(t, st.Config)
}

func TestOrchestratorScenarios(t *testing.T) {
	cases := []struct {
		name    string
		version string
		doc     *manup.Configuration
		status  manup.Status
		message string
	}{
		{"unsupported", "1.0.0", policyDoc("2.4.1", "2.1.0", true), manup.StatusUnsupported, engine.MessageUnsupported},
		{"supported", "2.1.0", policyDoc("2.4.1", "2.1.0", true), manup.StatusSupported, engine.MessageUpdateAvailable},
		{"latest", "2.4.1", policyDoc("2.4.1", "2.1.0", true), manup.StatusLatest, ""},
		{"maintenance", "2.4.1", policyDoc("2.4.1", "2.1.0", false), manup.StatusDisabled, engine.MessageMaintenance},
		{"platform absent", "0.0.1", &manup.Configuration{}, manup.StatusLatest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orc := newTestOrchestrator(t, newScriptedSource("k", tc.doc), tc.version, nil)
			st, err := orc.Refresh(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.status, st.Status)
			assert.Equal(t, tc.message, st.Message)
			assert.Same(t, tc.doc, st.Config)
			assert.False(t, st.UpdatedAt.IsZero())
		})
	}
}

func TestOrchestratorDispatchesOncePerTransition(t *testing.T) {
	src := newScriptedSource("k", policyDoc("2.4.1", "2.1.0", true))
	orc := newTestOrchestrator(t, src, "2.2.0", nil)

	rec := &callRecorder{}
	sub, err := orc.Subscribe(rec.callbacks())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := orc.Refresh(context.Background())
		require.NoError(t, err)
	}
	available, required, maintenance := rec.counts()
	assert.Equal(t, 1, available)
	assert.Zero(t, required)
	assert.Zero(t, maintenance)

	src.set(policyDoc("2.4.1", "2.3.0", true), nil)
	_, err = orc.Refresh(context.Background())
	require.NoError(t, err)
	src.set(policyDoc("2.4.1", "2.3.0", false), nil)
	_, err = orc.Refresh(context.Background())
	require.NoError(t, err)
	_, err = orc.Refresh(context.Background())
	require.NoError(t, err)

	available, required, maintenance = rec.counts()
	assert.Equal(t, 1, available)
	assert.Equal(t, 1, required)
	assert.Equal(t, 1, maintenance)

	first := <-sub.Events()
	assert.Equal(t, manup.EventSnapshot, first.Kind)
	assert.Equal(t, manup.StatusLatest, first.Status)
	var kinds []manup.Status
	for i := 0; i < 3; i++ {
		evt := <-sub.Events()
		assert.Equal(t, manup.EventStatusChange, evt.Kind)
		kinds = append(kinds, evt.Status)
	}
	assert.Equal(t, []manup.Status{manup.StatusSupported, manup.StatusUnsupported, manup.StatusDisabled}, kinds)
}

func TestOrchestratorSubscribeDispatchesCurrentStatus(t *testing.T) {
	orc := newTestOrchestrator(t, newScriptedSource("k", policyDoc("2.4.1", "2.1.0", true)), "1.0.0", nil)
	_, err := orc.Refresh(context.Background())
	require.NoError(t, err)

	rec := &callRecorder{}
	_, err = orc.Subscribe(rec.callbacks())
	require.NoError(t, err)
	_, required, _ := rec.counts()
	assert.Equal(t, 1, required)

	_, err = orc.Refresh(context.Background())
	require.NoError(t, err)
	_, required, _ = rec.counts()
	assert.Equal(t, 1, required)
}

func TestOrchestratorFetchErrorKeepsStatus(t *testing.T) {
	src := newScriptedSource("k", policyDoc("2.4.1", "2.1.0", true))
	var hooked []error
	orc := newTestOrchestrator(t, src, "2.2.0", func(o *OrchestratorOptions) {
		o.OnError = func(err error) { hooked = append(hooked, err) }
	})
	_, err := orc.Refresh(context.Background())
	require.NoError(t, err)
	sub, err := orc.Subscribe(manup.Callbacks{})
	require.NoError(t, err)
	<-sub.Events()

	boom := errors.New("backend down")
	src.set(nil, boom)
	st, err := orc.Refresh(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, manup.StatusSupported, st.Status)
	assert.Equal(t, engine.MessageUpdateAvailable, st.Message)
	assert.ErrorIs(t, st.Err, boom)
	require.Len(t, hooked, 1)

	select {
	case got := <-orc.Errors():
		assert.ErrorIs(t, got, boom)
	default:
		t.Fatal("expected error on Errors channel")
	}
	evt := <-sub.Events()
	assert.Equal(t, manup.EventFetchError, evt.Kind)
	assert.Equal(t, manup.StatusSupported, evt.Status)
	assert.ErrorIs(t, evt.Err, boom)
}

func TestOrchestratorSurfaceFetchErrors(t *testing.T) {
	src := newScriptedSource("k", policyDoc("2.4.1", "2.1.0", true))
	var hooked int
	orc := newTestOrchestrator(t, src, "1.0.0", func(o *OrchestratorOptions) {
		o.Options.SurfaceFetchErrors = true
		o.OnError = func(error) { hooked++ }
	})
	rec := &callRecorder{}
	_, err := orc.Subscribe(rec.callbacks())
	require.NoError(t, err)
	_, err = orc.Refresh(context.Background())
	require.NoError(t, err)

	src.set(nil, errors.New("down"))
	st, err := orc.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, manup.StatusError, st.Status)
	assert.Empty(t, st.Message)
	assert.Zero(t, hooked)

	src.set(policyDoc("2.4.1", "2.1.0", true), nil)
	st, err = orc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manup.StatusUnsupported, st.Status)
	assert.NoError(t, st.Err)

	_, required, _ := rec.counts()
	assert.Equal(t, 2, required, "returning from Error is a new transition")
}

func TestOrchestratorUnparseableVersion(t *testing.T) {
	orc := newTestOrchestrator(t, newScriptedSource("k", policyDoc("2.4.1", "2.1.0", true)), "not-a-version", nil)
	st, err := orc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manup.StatusUnsupported, st.Status)
}

func TestOrchestratorSharedCacheIsolation(t *testing.T) {
	reg := NewRegistry(nil, nil)
	srcA := newScriptedSource("a", policyDoc("2.0.0", "1.0.0", true))
	srcB := newScriptedSource("b", policyDoc("2.0.0", "2.0.0", true))
	cacheA, err := reg.Cache(srcA, manup.RefreshConfig{})
	require.NoError(t, err)
	cacheB, err := reg.Cache(srcB, manup.RefreshConfig{})
	require.NoError(t, err)

	orcA1 := newTestOrchestrator(t, nil, "1.5.0", func(o *OrchestratorOptions) { o.Cache = cacheA })
	orcA2 := newTestOrchestrator(t, nil, "1.5.0", func(o *OrchestratorOptions) { o.Cache = cacheA })
	orcB := newTestOrchestrator(t, nil, "1.5.0", func(o *OrchestratorOptions) { o.Cache = cacheB })

	_, err = orcA1.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manup.StatusSupported, orcA2.State().Status, "same key shares the result")
	assert.Equal(t, manup.StatusLatest, orcB.State().Status, "other key untouched")
	assert.Zero(t, srcB.calls.Load())

	_, err = orcB.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manup.StatusUnsupported, orcB.State().Status)
	assert.Equal(t, int32(1), srcA.calls.Load())

	late := newTestOrchestrator(t, nil, "1.5.0", func(o *OrchestratorOptions) { o.Cache = cacheA })
	assert.Equal(t, manup.StatusSupported, late.State().Status, "late joiner derives from cached document")
}

func TestOrchestratorRunAndFocus(t *testing.T) {
	src := newScriptedSource("k", policyDoc("2.4.1", "2.1.0", true))
	orc := newTestOrchestrator(t, src, "2.4.1", nil)
	events := make(chan manup.StatusEvent, 8)
	sub, err := orc.Subscribe(manup.Callbacks{})
	require.NoError(t, err)
	go func() {
		for evt := range sub.Events() {
			events <- evt
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = orc.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	src.set(policyDoc("2.4.1", "2.1.0", false), nil)
	assert.True(t, orc.FocusRegained())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Status == manup.StatusDisabled {
				return
			}
		case <-deadline:
			t.Fatal("no maintenance transition after focus")
		}
	}
}

func TestOrchestratorCloseClosesSubscriptions(t *testing.T) {
	orc := newTestOrchestrator(t, newScriptedSource("k", nil), "1.0.0", nil)
	sub, err := orc.Subscribe(manup.Callbacks{})
	require.NoError(t, err)
	require.NoError(t, orc.Close())
	<-sub.Events()
	_, open := <-sub.Events()
	assert.False(t, open)
	_, err = orc.Subscribe(manup.Callbacks{})
	assert.ErrorIs(t, err, manup.ErrClosed)
}

func TestOrchestratorStatusMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	orc := newTestOrchestrator(t, newScriptedSource("k", policyDoc("2.4.1", "2.1.0", false)), "2.4.1", func(o *OrchestratorOptions) {
		o.Metrics = m
	})
	rec := &callRecorder{}
	_, err = orc.Subscribe(rec.callbacks())
	require.NoError(t, err)
	_, err = orc.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.status.WithLabelValues("ios", "Disabled")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.status.WithLabelValues("ios", "Latest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues(CallbackMaintenanceMode)))
}

func TestNewOrchestratorValidates(t *testing.T) {
	_, err := NewOrchestrator(OrchestratorOptions{Source: newScriptedSource("k", nil)})
	assert.Error(t, err)
	_, err = NewOrchestrator(OrchestratorOptions{Versions: manup.StaticVersion("1.0.0")})
	assert.ErrorIs(t, err, manup.ErrNilSource)
	opts := manup.DefaultOptions()
	opts.Refresh.Interval = -1
	_, err = NewOrchestrator(OrchestratorOptions{Source: newScriptedSource("k", nil), Versions: manup.StaticVersion("1.0.0"), Options: opts})
	assert.ErrorIs(t, err, manup.ErrInvalidOptions)
}

func TestOrchestratorIgnoresExtensionObjects(t *testing.T) {
	doc, err := manup.ParseConfiguration([]byte(`{
  "ios": {"latest": "2.4.1", "minimum": "2.1.0", "enabled": true},
  "newFeature": {"enabled": true}
}`))
	require.NoError(t, err)
	orc := newTestOrchestrator(t, newScriptedSource("k", doc), "1.0.0", nil)
	st, err := orc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, manup.StatusUnsupported, st.Status)
	assert.Contains(t, st.Config.Extra, "newFeature")
}
