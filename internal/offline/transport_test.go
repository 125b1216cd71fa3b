package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"medsync/internal/database"
	"medsync/internal/events"
	"medsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

var errRefused = errors.New("dial tcp 127.0.0.1:3000: connect: connection refused")

func unreachable() http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.Body != nil {
			io.Copy(io.Discard, r.Body)
		}
		return nil, errRefused
	})
}

func respondWith(status int, seen *string) http.RoundTripper {
	return roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.Body != nil && seen != nil {
			data, _ := io.ReadAll(r.Body)
			*seen = string(data)
		}
		return &http.Response{StatusCode: status, Header: make(http.Header), Body: io.NopCloser(strings.NewReader("upstream")), Request: r}, nil
	})
}

type stateRecorder struct {
	last  atomic.Bool
	calls atomic.Int32
}

func (s *stateRecorder) SetOnline(up bool) bool {
	s.calls.Add(1)
	s.last.Store(up)
	return true
}

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store := database.NewStore(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, store.Open(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRoundTrip_MutationQueuedWhenUnreachable(t *testing.T) {
	store := newTestStore(t)
	bus := events.NewEventBus()
	state := &stateRecorder{}

	var queued []events.ChangeQueuedPayload
	var syncRequests int
	bus.Subscribe(events.ChangeQueued, func(e *events.Event) error {
		var p events.ChangeQueuedPayload
		require.NoError(t, e.Decode(&p))
		queued = append(queued, p)
		return nil
	})
	bus.Subscribe(events.BackgroundSyncRequested, func(*events.Event) error { syncRequests++; return nil })

	client := NewClient(&http.Client{Transport: unreachable()}, store, WithEventBus(bus), WithStateReporter(state))

	resp, err := client.Post("http://app.local/api/medicamentos", "application/json", strings.NewReader(`{"nombre":"paracetamol","stock":10}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, IsDeferred(resp))

	var body DeferredBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.OK)
	assert.True(t, body.Offline)
	assert.Equal(t, models.DeferredMessage, body.Message)

	changes, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.KindCreate, changes[0].Kind)
	assert.Equal(t, "http://app.local/api/medicamentos", changes[0].Target)
	assert.JSONEq(t, `{"nombre":"paracetamol","stock":10}`, string(changes[0].Payload))
	assert.Equal(t, 0, changes[0].RetryCount)

	require.Len(t, queued, 1)
	assert.Equal(t, changes[0].ID, queued[0].ID)
	assert.Equal(t, "wrapper", queued[0].Source)
	assert.Equal(t, 1, syncRequests)
	assert.False(t, state.last.Load())
}

func TestRoundTrip_ReadFailurePropagates(t *testing.T) {
	store := newTestStore(t)
	tr := NewTransport(unreachable(), store)

	req, err := http.NewRequest(http.MethodGet, "http://app.local/api/medicamentos", nil)
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, errRefused)

	n, _ := store.Count(context.Background())
	assert.Equal(t, 0, n)
}

func TestRoundTrip_PatchIsNotQueued(t *testing.T) {
	store := newTestStore(t)
	tr := NewTransport(unreachable(), store)

	req, err := http.NewRequest(http.MethodPatch, "http://app.local/api/medicamentos/1", strings.NewReader(`{}`))
	require.NoError(t, err)

	_, err = tr.RoundTrip(req)
	assert.ErrorIs(t, err, errRefused)
	n, _ := store.Count(context.Background())
	assert.Equal(t, 0, n)
}

func TestRoundTrip_HTTPErrorsPassThrough(t *testing.T) {
	store := newTestStore(t)
	state := &stateRecorder{}
	var seen string
	tr := NewTransport(respondWith(http.StatusInternalServerError, &seen), store, WithStateReporter(state))

	req, err := http.NewRequest(http.MethodPut, "http://app.local/api/medicamentos/1", strings.NewReader(`{"stock":5}`))
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.False(t, IsDeferred(resp))
	assert.JSONEq(t, `{"stock":5}`, seen, "body is forwarded intact")
	assert.True(t, state.last.Load())

	n, _ := store.Count(context.Background())
	assert.Equal(t, 0, n)
}

func TestRoundTrip_CallerCancellationNotQueued(t *testing.T) {
	store := newTestStore(t)
	state := &stateRecorder{}
	tr := NewTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, r.Context().Err()
	}), store, WithStateReporter(state))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, "http://app.local/api/medicamentos/3", nil)
	require.NoError(t, err)

	_, err = tr.RoundTrip(req)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), state.calls.Load())

	n, _ := store.Count(context.Background())
	assert.Equal(t, 0, n)
}

type brokenQueue struct{}

func (brokenQueue) Add(context.Context, models.PendingChange) (int64, error) {
	return 0, errors.New("disk I/O error")
}

func TestRoundTrip_QueueFailureSurfaces(t *testing.T) {
	tr := NewTransport(unreachable(), brokenQueue{})

	req, err := http.NewRequest(http.MethodPost, "http://app.local/api/receta", strings.NewReader(`{}`))
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, errRefused)
	assert.ErrorContains(t, err, "disk I/O error")
}

func TestRoundTrip_OfflineSequencePreservesOrder(t *testing.T) {
	store := newTestStore(t)
	client := NewClient(&http.Client{Transport: unreachable()}, store)

	const n = 12
	for i := 0; i < n; i++ {
		method := http.MethodPut
		if i%3 == 0 {
			method = http.MethodPost
		}
		req, err := http.NewRequest(method, fmt.Sprintf("http://app.local/api/medicamentos/%d", i), strings.NewReader(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.True(t, IsDeferred(resp))
	}

	changes, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, n)
	for i, c := range changes {
		assert.Equal(t, fmt.Sprintf("http://app.local/api/medicamentos/%d", i), c.Target)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(c.Payload))
	}
}

func TestRoundTrip_DeleteWithoutBody(t *testing.T) {
	store := newTestStore(t)
	tr := NewTransport(unreachable(), store)

	req, err := http.NewRequest(http.MethodDelete, "http://app.local/api/medicamentos/4", nil)
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	changes, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.KindDelete, changes[0].Kind)
	assert.Nil(t, changes[0].Payload)
}
