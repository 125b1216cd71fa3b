package bridge

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"medsync/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(ackMode bool) *Hub {
	logger := zerolog.New(io.Discard)
	return NewHub(config.BridgeConfig{AckMode: ackMode, ResendInterval: 20 * time.Millisecond, OutboxSize: 8}, &logger)
}

func saveMsg(t *testing.T, url string) SavePendingChange {
	t.Helper()
	msg, err := NewSavePendingChange("POST", url, []byte(`{}`))
	require.NoError(t, err)
	return msg
}

func receive(t *testing.T, e Endpoint) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := e.Receive(ctx)
	require.NoError(t, err)
	return env
}

func TestHub_NoPeersLosesMessage(t *testing.T) {
	hub := newTestHub(false)

	assert.Equal(t, 0, hub.Send(saveMsg(t, "/api/a")))
	n, err := hub.Broadcast(SyncPendingChanges{})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrNoPeers)
	assert.Equal(t, 0, hub.Outstanding())
}

func TestHub_FanOutToLocalPeers(t *testing.T) {
	hub := newTestHub(false)
	a := hub.NewLocalPeer(4)
	b := hub.NewLocalPeer(4)
	defer a.Close()
	defer b.Close()

	assert.Equal(t, 2, hub.Peers())
	assert.Equal(t, 2, hub.Send(saveMsg(t, "/api/a")))

	for _, p := range []*LocalPeer{a, b} {
		env := receive(t, p)
		assert.Empty(t, env.ID, "ids are only assigned in ack mode")
		assert.Equal(t, "/api/a", env.Msg.(SavePendingChange).URL)
	}

	require.NoError(t, a.Close())
	assert.Equal(t, 1, hub.Peers())
	assert.Equal(t, 1, hub.Send(SyncPendingChanges{}))

	_, err := a.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHub_FullPeerIsNotCounted(t *testing.T) {
	hub := newTestHub(false)
	p := hub.NewLocalPeer(1)
	defer p.Close()

	assert.Equal(t, 1, hub.Send(SyncPendingChanges{}))
	assert.Equal(t, 0, hub.Send(SyncPendingChanges{}))
}

func TestHub_AckModeHoldsUntilAcknowledged(t *testing.T) {
	hub := newTestHub(true)

	assert.Equal(t, 0, hub.Send(saveMsg(t, "/api/a")))
	assert.Equal(t, 1, hub.Outstanding())

	// Sync messages are never held.
	hub.Send(SyncPendingChanges{})
	assert.Equal(t, 1, hub.Outstanding())

	p := hub.NewLocalPeer(4)
	defer p.Close()

	env := receive(t, p)
	require.NotEmpty(t, env.ID)
	assert.Equal(t, "/api/a", env.Msg.(SavePendingChange).URL)

	require.NoError(t, p.Ack(context.Background(), env.ID))
	assert.Equal(t, 0, hub.Outstanding())
	assert.False(t, hub.Acknowledge(env.ID))
}

func TestHub_AckModeResendsOnTick(t *testing.T) {
	hub := newTestHub(true)
	p := hub.NewLocalPeer(8)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	assert.Equal(t, 1, hub.Send(saveMsg(t, "/api/a")))
	first := receive(t, p)
	again := receive(t, p)
	assert.Equal(t, first.ID, again.ID)

	seen := NewSeen(8)
	assert.True(t, seen.First(first.ID))
	assert.False(t, seen.First(again.ID))
}

func TestHub_OutboxBounded(t *testing.T) {
	hub := newTestHub(true)
	for i := 0; i < 12; i++ {
		hub.Send(saveMsg(t, "/api/a"))
	}
	assert.Equal(t, 8, hub.Outstanding())
}

func TestHub_RunWithoutAckModeReturns(t *testing.T) {
	hub := newTestHub(false)
	done := make(chan struct{})
	go func() {
		hub.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return immediately without ack mode")
	}
}

func TestHub_Websocket(t *testing.T) {
	hub := newTestHub(true)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	page, err := Dial(ctx, url, nil)
	require.NoError(t, err)
	defer page.Close()

	require.Eventually(t, func() bool { return hub.Peers() == 1 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, hub.Send(saveMsg(t, "/api/ws")))
	env := receive(t, page)
	require.NotEmpty(t, env.ID)
	assert.Equal(t, "/api/ws", env.Msg.(SavePendingChange).URL)

	require.NoError(t, page.Ack(ctx, env.ID))
	require.Eventually(t, func() bool { return hub.Outstanding() == 0 }, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, hub.Send(SyncPendingChanges{}))
	env = receive(t, page)
	assert.Equal(t, SyncPendingChanges{}, env.Msg)

	require.NoError(t, page.Close())
	require.Eventually(t, func() bool { return hub.Peers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestDial_Unreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := Dial(context.Background(), url, nil)
	assert.Error(t, err)
}
