package netstate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"medsync/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_PublishesTransitionsOnce(t *testing.T) {
	bus := events.NewEventBus()
	var restored, lost atomic.Int32
	bus.Subscribe(events.ConnectivityRestored, func(*events.Event) error { restored.Add(1); return nil })
	bus.Subscribe(events.ConnectivityLost, func(*events.Event) error { lost.Add(1); return nil })

	m := NewMonitor(true, bus, nil)
	assert.True(t, m.IsOnline())

	assert.False(t, m.SetOnline(true))
	assert.True(t, m.SetOnline(false))
	assert.False(t, m.SetOnline(false))
	assert.True(t, m.SetOnline(true))
	assert.False(t, m.SetOnline(true))

	assert.Equal(t, int32(1), restored.Load())
	assert.Equal(t, int32(1), lost.Load())
}

func TestMonitor_NilBus(t *testing.T) {
	m := NewMonitor(false, nil, nil)
	assert.NotPanics(t, func() { m.SetOnline(true) })
	assert.True(t, m.IsOnline())
}

func TestProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	m := NewMonitor(false, events.NewEventBus(), nil)
	p := NewProber(m, srv.Client(), srv.URL, 0, nil)
	ctx := context.Background()

	require.True(t, p.Probe(ctx), "any HTTP response means reachable")
	assert.True(t, m.IsOnline())

	srv.Close()
	assert.False(t, p.Probe(ctx))
	assert.False(t, m.IsOnline())
}
