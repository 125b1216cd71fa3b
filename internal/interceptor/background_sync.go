package interceptor

import (
	"sync"

	"medsync/internal/bridge"
	"medsync/internal/events"

	"github.com/rs/zerolog"
)

// BackgroundSync is the deferred-execution facility on the interceptor side.
// BackgroundSyncRequested registers a tag; the next ConnectivityRestored asks
// every live page to drain its queue. A tag stays registered until at least
// one page has been reached.
type BackgroundSync struct {
	bus    *events.EventBus
	pages  Sender
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewBackgroundSync(bus *events.EventBus, pages Sender, logger *zerolog.Logger) *BackgroundSync {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "background-sync").Logger()
	}
	return &BackgroundSync{bus: bus, pages: pages, logger: l, pending: make(map[string]struct{})}
}

// Start subscribes to the bus and returns a function that unsubscribes.
func (b *BackgroundSync) Start() func() {
	unregister := b.bus.Subscribe(events.BackgroundSyncRequested, b.register)
	unrestore := b.bus.Subscribe(events.ConnectivityRestored, func(*events.Event) error {
		b.Fire()
		return nil
	})
	return func() {
		unregister()
		unrestore()
	}
}

// Pending reports whether a sync is registered and not yet delivered.
func (b *BackgroundSync) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// Fire sends one SYNC_PENDING_CHANGES per registered tag and returns the
// number of tags delivered.
func (b *BackgroundSync) Fire() int {
	b.mu.Lock()
	tags := make([]string, 0, len(b.pending))
	for tag := range b.pending {
		tags = append(tags, tag)
	}
	b.mu.Unlock()

	fired := 0
	for _, tag := range tags {
		if b.pages == nil || b.pages.Send(bridge.SyncPendingChanges{}) == 0 {
			b.logger.Warn().Str("tag", tag).Msg("no live page for background sync, keeping registration")
			continue
		}
		b.mu.Lock()
		delete(b.pending, tag)
		b.mu.Unlock()
		fired++
		b.logger.Info().Str("tag", tag).Msg("background sync handed to pages")
	}
	return fired
}

func (b *BackgroundSync) register(event *events.Event) error {
	var payload events.BackgroundSyncPayload
	if len(event.Payload) > 0 {
		if err := event.Decode(&payload); err != nil {
			b.logger.Warn().Err(err).Msg("malformed background sync request")
		}
	}
	if payload.Tag == "" {
		payload.Tag = events.SyncTag
	}

	b.mu.Lock()
	b.pending[payload.Tag] = struct{}{}
	b.mu.Unlock()
	return nil
}
