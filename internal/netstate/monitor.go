package netstate

import (
	"sync"
	"sync/atomic"

	"medsync/internal/events"
	"medsync/internal/metrics"

	"github.com/rs/zerolog"
)

// Monitor is the process view of upstream reachability. Transitions are
// published on the event bus: offline to online as ConnectivityRestored,
// online to offline as ConnectivityLost. Repeated reports of the same state
// publish nothing.
type Monitor struct {
	online atomic.Bool
	mu     sync.Mutex
	bus    *events.EventBus
	logger zerolog.Logger
}

func NewMonitor(initial bool, bus *events.EventBus, logger *zerolog.Logger) *Monitor {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "netstate").Logger()
	}
	m := &Monitor{bus: bus, logger: l}
	m.online.Store(initial)
	metrics.SetOnline(initial)
	return m
}

func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// SetOnline records the observed state and reports whether it changed.
func (m *Monitor) SetOnline(up bool) bool {
	m.mu.Lock()
	if m.online.Load() == up {
		m.mu.Unlock()
		return false
	}
	m.online.Store(up)
	m.mu.Unlock()

	metrics.SetOnline(up)
	eventType := events.ConnectivityLost
	if up {
		eventType = events.ConnectivityRestored
	}
	m.logger.Info().Bool("online", up).Msg("connectivity changed")
	m.bus.Publish(&events.Event{Type: eventType})
	return true
}
