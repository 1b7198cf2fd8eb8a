package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/stepherg/manup"
	"github.com/stepherg/manup/engine"
	"github.com/stepherg/manup/internal/logging"
)

const errorBuffer = 8

// OrchestratorOptions wires an Orchestrator. Either Cache or Source must be set; a shared
// Cache (see Registry) takes precedence.
type OrchestratorOptions struct {
	Cache    *Cache
	Source   manup.Source
	Versions manup.VersionProvider
	Options  manup.Options
	Logger   pslog.Logger
	Metrics  *Metrics
	// OnError is called for every failed fetch when fetch errors are not surfaced as
	// StatusError.
	OnError func(error)
}

// Orchestrator derives an update status from each configuration the cache delivers and
// notifies subscribers when that status changes.
type Orchestrator struct {
	cache     *Cache
	versions  manup.VersionProvider
	opts      manup.Options
	evaluator *engine.Evaluator
	logger    pslog.Logger
	metrics   *Metrics
	onError   func(error)
	errs      chan error
	detach    func()

	// applyMu orders state updates against Subscribe so a new subscriber never misses a
	// transition or sees one twice.
	applyMu sync.Mutex
	stateMu sync.RWMutex
	state   manup.DerivedState

	subMu  sync.Mutex
	subs   map[string]*subscriber
	closed bool
}

func NewOrchestrator(o OrchestratorOptions) (*Orchestrator, error) {
	if o.Versions == nil {
		return nil, errors.New("runtime: version provider required")
	}
	opts := o.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cache := o.Cache
	if cache == nil {
		if o.Source == nil {
			return nil, manup.ErrNilSource
		}
		var err error
		cache, err = NewCache(o.Source, opts.Refresh, o.Logger, o.Metrics)
		if err != nil {
			return nil, err
		}
	}
	logger := logging.WithSubsystem(o.Logger, "runtime.orchestrator").With("platform", opts.Platform)
	orc := &Orchestrator{
		cache:     cache,
		versions:  o.Versions,
		opts:      opts,
		evaluator: engine.New(o.Logger),
		logger:    logger,
		metrics:   o.Metrics,
		onError:   o.OnError,
		errs:      make(chan error, errorBuffer),
		state:     manup.DerivedState{Status: manup.StatusLatest},
		subs:      make(map[string]*subscriber),
	}
	o.Metrics.setStatus(opts.Platform, manup.StatusLatest)
	orc.applyMu.Lock()
	orc.detach = cache.OnResult(orc.apply)
	if snap := cache.Snapshot(); snap.Config != nil {
		orc.applyConfig(snap.Config, snap.UpdatedAt)
	}
	orc.applyMu.Unlock()
	return orc, nil
}

// Cache returns the cache feeding this orchestrator.
func (o *Orchestrator) Cache() *Cache { return o.cache }

// State returns the current derived state.
func (o *Orchestrator) State() manup.DerivedState {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

// Errors delivers fetch errors that were not surfaced as StatusError. Errors are dropped
// when nobody reads the channel.
func (o *Orchestrator) Errors() <-chan error { return o.errs }

// Refresh fetches the configuration now and returns the resulting state.
func (o *Orchestrator) Refresh(ctx context.Context) (manup.DerivedState, error) {
	_, err := o.cache.PollOnce(ctx)
	return o.State(), err
}

// FocusRegained requests a refetch if refetch on focus is enabled.
func (o *Orchestrator) FocusRegained() bool { return o.cache.FocusRegained() }

// Run drives the underlying cache until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.cache.Run(ctx)
	if errors.Is(err, errAlreadyRunning) {
		// A shared cache is already being refreshed by another orchestrator.
		<-ctx.Done()
		return nil
	}
	return err
}

// Subscribe registers callbacks. The current status is dispatched once immediately;
// afterwards callbacks fire only when the status changes.
func (o *Orchestrator) Subscribe(cb manup.Callbacks) (manup.Subscription, error) {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	o.subMu.Lock()
	if o.closed {
		o.subMu.Unlock()
		return nil, manup.ErrClosed
	}
	sub := newSubscriber(cb, o.metrics, o.unsubscribe)
	o.subs[sub.id] = sub
	o.subMu.Unlock()

	sub.snapshot(o.State())
	return sub, nil
}

func (o *Orchestrator) unsubscribe(id string) {
	o.subMu.Lock()
	delete(o.subs, id)
	o.subMu.Unlock()
}

// Close detaches from the cache and closes all subscriptions.
func (o *Orchestrator) Close() error {
	o.subMu.Lock()
	if o.closed {
		o.subMu.Unlock()
		return nil
	}
	o.closed = true
	subs := make([]*subscriber, 0, len(o.subs))
	for _, s := range o.subs {
		subs = append(subs, s)
	}
	o.subMu.Unlock()
	o.detach()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

func (o *Orchestrator) apply(res Result) {
	o.applyMu.Lock()
	defer o.applyMu.Unlock()
	if res.Err != nil {
		o.applyError(res.Err)
		return
	}
	o.applyConfig(res.Config, res.FetchedAt)
}

func (o *Orchestrator) applyConfig(cfg *manup.Configuration, at time.Time) {
	status, policy := o.evaluator.EvaluateConfig(o.versions.Version(), o.opts.Platform, cfg)
	next := manup.DerivedState{
		Status:    status,
		Message:   engine.Message(status),
		Settings:  policy,
		Config:    cfg,
		UpdatedAt: at,
	}
	prev := o.setState(next)
	if prev.Status != status {
		o.logger.Info("orchestrator.status.changed", "from", prev.Status, "to", status, "version", o.versions.Version())
	}
	o.metrics.setStatus(o.opts.Platform, status)
	o.notify(next)
}

func (o *Orchestrator) applyError(err error) {
	if o.opts.SurfaceFetchErrors {
		cur := o.State()
		next := manup.DerivedState{
			Status:    manup.StatusError,
			Settings:  cur.Settings,
			Config:    cur.Config,
			UpdatedAt: cur.UpdatedAt,
			Err:       err,
		}
		o.setState(next)
		o.metrics.setStatus(o.opts.Platform, manup.StatusError)
		o.notify(next)
		return
	}

	o.stateMu.Lock()
	o.state.Err = err
	status := o.state.Status
	o.stateMu.Unlock()

	o.logger.Warn("orchestrator.fetch.failed", "error", err, "status", status)
	select {
	case o.errs <- err:
	default:
	}
	if o.onError != nil {
		o.onError(err)
	}
	for _, s := range o.subscribers() {
		s.fetchError(status, err)
	}
}

func (o *Orchestrator) setState(next manup.DerivedState) manup.DerivedState {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	prev := o.state
	o.state = next
	return prev
}

func (o *Orchestrator) notify(state manup.DerivedState) {
	for _, s := range o.subscribers() {
		s.observe(state)
	}
}

func (o *Orchestrator) subscribers() []*subscriber {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	out := make([]*subscriber, 0, len(o.subs))
	for _, s := range o.subs {
		out = append(out, s)
	}
	return out
}
