// Package page is the runtime that owns the durable queue. It persists the
// mutations the interceptor hands over, replays them when connectivity
// returns and reacts to interceptor lifecycle signals.
package page

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"medsync/internal/bridge"
	"medsync/internal/database"
	"medsync/internal/events"
	"medsync/internal/metrics"
	"medsync/internal/models"
	"medsync/internal/offline"
	"medsync/internal/worker"

	"github.com/rs/zerolog"
)

// Status is what the pending-changes indicator shows.
type Status struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
}

// Connectivity is the page's view of upstream reachability.
type Connectivity interface {
	IsOnline() bool
	SetOnline(up bool) bool
}

// Hooks connect the runtime to its host.
type Hooks struct {
	// Reload is called at most once, when a new interceptor takes control.
	Reload func()
	// Confirm asks whether to switch to an available interceptor version.
	Confirm func(version string) bool
	// Indicator receives the status whenever it changes.
	Indicator func(Status)
}

// Runtime wires the store, the sync engine and a bridge endpoint together.
type Runtime struct {
	store    *database.Store
	syncer   *worker.Syncer
	endpoint bridge.Endpoint
	bus      *events.EventBus
	online   Connectivity
	hooks    Hooks

	indicatorInterval time.Duration
	seen              *bridge.Seen
	reloadOnce        sync.Once
	now               func() time.Time
	logger            zerolog.Logger

	mu          sync.Mutex
	unsubscribe []func()
	wg          sync.WaitGroup
	listenErr   error
	lost        chan struct{}
}

type Option func(*Runtime)

func WithHooks(h Hooks) Option {
	return func(r *Runtime) { r.hooks = h }
}

func WithIndicatorInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.indicatorInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger.With().Str("component", "page").Logger()
		}
	}
}

// New builds a runtime. endpoint may be nil when no interceptor is running.
func New(store *database.Store, syncer *worker.Syncer, endpoint bridge.Endpoint, bus *events.EventBus, online Connectivity, opts ...Option) *Runtime {
	r := &Runtime{
		store:             store,
		syncer:            syncer,
		endpoint:          endpoint,
		bus:               bus,
		online:            online,
		indicatorInterval: models.DefaultIndicatorInterval,
		seen:              bridge.NewSeen(1024),
		lost:              make(chan struct{}),
		now:               time.Now,
		logger:            zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start opens the store and launches the background loops. An error means
// the store is unusable and the runtime must not continue.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.store.Open(ctx); err != nil {
		return fmt.Errorf("open pending changes store: %w", err)
	}

	if r.bus != nil {
		r.subscribe(events.ConnectivityRestored, func(*events.Event) error {
			r.syncer.Trigger()
			return nil
		})
		r.subscribe(events.ControllerChanged, func(*events.Event) error {
			r.reload()
			return nil
		})
		r.subscribe(events.UpdateAvailable, func(e *events.Event) error {
			var p events.ControllerPayload
			_ = e.Decode(&p)
			r.offerUpdate(p.Version)
			return nil
		})
	}

	r.goRun(func() { r.syncer.Run(ctx) })
	if r.endpoint != nil {
		r.goRun(func() { r.listen(ctx) })
	}
	if r.hooks.Indicator != nil {
		r.goRun(func() { r.indicate(ctx) })
	}

	r.logger.Info().Str("store", r.store.Path()).Bool("bridge", r.endpoint != nil).Msg("page runtime started")
	return nil
}

// Wait blocks until every loop has stopped, then drops event subscriptions.
func (r *Runtime) Wait() error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, unsub := range r.unsubscribe {
		unsub()
	}
	r.unsubscribe = nil
	return r.listenErr
}

// Client returns an HTTP client for application code running in this page.
// Mutations that cannot reach the upstream are queued and answered with a
// deferred success.
func (r *Runtime) Client(base *http.Client) *http.Client {
	logger := r.logger
	return offline.NewClient(base, r.store,
		offline.WithStateReporter(r.online),
		offline.WithEventBus(r.bus),
		offline.WithClock(r.now),
		offline.WithLogger(&logger),
	)
}

// Disconnected is closed when the bridge connection fails.
func (r *Runtime) Disconnected() <-chan struct{} {
	return r.lost
}

// Status reports connectivity and the number of queued changes.
func (r *Runtime) Status(ctx context.Context) (Status, error) {
	n, err := r.store.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Online: r.online.IsOnline(), Pending: n}, nil
}

func (r *Runtime) goRun(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) subscribe(eventType string, handler events.EventHandler) {
	unsub := r.bus.Subscribe(eventType, handler)
	r.mu.Lock()
	r.unsubscribe = append(r.unsubscribe, unsub)
	r.mu.Unlock()
}

func (r *Runtime) reload() {
	r.reloadOnce.Do(func() {
		r.logger.Info().Msg("new interceptor in control, reloading")
		if r.hooks.Reload != nil {
			r.hooks.Reload()
		}
	})
}

func (r *Runtime) offerUpdate(version string) {
	if r.hooks.Confirm == nil {
		r.logger.Info().Str("version", version).Msg("update available")
		return
	}
	if r.hooks.Confirm(version) {
		r.reload()
	}
}

func (r *Runtime) listen(ctx context.Context) {
	for {
		env, err := r.endpoint.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, bridge.ErrClosed):
				return
			case errors.Is(err, bridge.ErrUnknownMessage), errors.Is(err, bridge.ErrMalformed):
				r.logger.Warn().Err(err).Msg("ignoring bridge frame")
				metrics.IncBridge("unknown", "rejected")
				continue
			default:
				r.logger.Error().Err(err).Msg("bridge connection lost")
				r.mu.Lock()
				r.listenErr = err
				r.mu.Unlock()
				close(r.lost)
				return
			}
		}
		r.handle(ctx, env)
	}
}

func (r *Runtime) handle(ctx context.Context, env bridge.Envelope) {
	switch msg := env.Msg.(type) {
	case bridge.SavePendingChange:
		r.persist(ctx, env.ID, msg)
	case bridge.SyncPendingChanges:
		r.syncer.Trigger()
	}
}

func (r *Runtime) persist(ctx context.Context, id string, msg bridge.SavePendingChange) {
	if !r.seen.First(id) {
		r.ack(ctx, id)
		return
	}

	change, err := msg.PendingChange()
	if err != nil {
		r.logger.Warn().Err(err).Str("method", msg.Method).Str("url", msg.URL).Msg("dropping persist message")
		r.ack(ctx, id)
		return
	}
	change.EnqueuedAt = r.now()

	changeID, err := r.store.Add(ctx, change)
	if err != nil {
		r.seen.Forget(id)
		r.logger.Error().Err(err).Str("url", msg.URL).Msg("failed to persist handed over change")
		return
	}

	metrics.IncQueued("bridge")
	r.logger.Info().Int64("id", changeID).Str("kind", string(change.Kind)).Str("target", change.Target).Msg("change queued from interceptor")
	_ = r.bus.PublishJSON(events.ChangeQueued, events.ChangeQueuedPayload{
		ID: changeID, Kind: string(change.Kind), Target: change.Target, Source: "bridge",
	})
	r.ack(ctx, id)
}

func (r *Runtime) ack(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := r.endpoint.Ack(ctx, id); err != nil {
		r.logger.Warn().Err(err).Str("id", id).Msg("failed to acknowledge bridge message")
	}
}

func (r *Runtime) indicate(ctx context.Context) {
	ticker := time.NewTicker(r.indicatorInterval)
	defer ticker.Stop()

	var last *Status
	for {
		st, err := r.Status(ctx)
		if err == nil && (last == nil || *last != st) {
			r.hooks.Indicator(st)
			last = &st
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StatusHandler serves Status as JSON.
func (r *Runtime) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		st, err := r.Status(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})
}
