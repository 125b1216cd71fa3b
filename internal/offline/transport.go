// Package offline provides the request wrapper application code uses for
// mutations: when the upstream cannot be reached, the mutation is captured
// into the durable queue and the caller receives a synthetic deferred success.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"medsync/internal/events"
	"medsync/internal/metrics"
	"medsync/internal/models"

	"github.com/rs/zerolog"
)

// Queue is the capture side of the durable store.
type Queue interface {
	Add(ctx context.Context, change models.PendingChange) (int64, error)
}

// StateReporter receives connectivity observations.
type StateReporter interface {
	SetOnline(up bool) bool
}

// Transport wraps a base RoundTripper with offline capture.
type Transport struct {
	base   http.RoundTripper
	queue  Queue
	state  StateReporter
	bus    *events.EventBus
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

func WithStateReporter(state StateReporter) Option {
	return func(t *Transport) { t.state = state }
}

func WithEventBus(bus *events.EventBus) Option {
	return func(t *Transport) { t.bus = bus }
}

func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger.With().Str("component", "offline-transport").Logger()
		}
	}
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, queue Queue, opts ...Option) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &Transport{
		base:   base,
		queue:  queue,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewClient returns a copy of base whose transport captures failed mutations.
func NewClient(base *http.Client, queue Queue, opts ...Option) *http.Client {
	c := &http.Client{}
	if base != nil {
		*c = *base
	}
	c.Transport = NewTransport(c.Transport, queue, opts...)
	return c
}

// RoundTrip implements http.RoundTripper. HTTP error statuses pass through
// untouched; only transport failures of mutating requests are captured.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	kind, mutating := models.KindFromMethod(req.Method)

	var body []byte
	if mutating && req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req = req.Clone(req.Context())
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		req.ContentLength = int64(len(body))
	}

	resp, err := t.base.RoundTrip(req)
	if err == nil {
		t.report(true)
		return resp, nil
	}

	// The caller gave up; that says nothing about connectivity. Deadlines
	// (client timeouts) do count as an unreachable upstream.
	if errors.Is(req.Context().Err(), context.Canceled) {
		return nil, err
	}
	t.report(false)

	if !mutating {
		return nil, err
	}

	change := models.PendingChange{
		Kind:       kind,
		Target:     req.URL.String(),
		Payload:    body,
		EnqueuedAt: t.now(),
	}
	id, addErr := t.queue.Add(context.WithoutCancel(req.Context()), change)
	if addErr != nil {
		t.logger.Error().Err(addErr).Str("target", change.Target).Msg("failed to queue offline change")
		return nil, errors.Join(err, fmt.Errorf("queue offline change: %w", addErr))
	}

	metrics.IncQueued("wrapper")
	t.logger.Info().Int64("id", id).Str("kind", string(kind)).Str("target", change.Target).Msg("change queued while offline")
	_ = t.bus.PublishJSON(events.ChangeQueued, events.ChangeQueuedPayload{
		ID: id, Kind: string(kind), Target: change.Target, Source: "wrapper",
	})
	_ = t.bus.PublishJSON(events.BackgroundSyncRequested, events.BackgroundSyncPayload{Tag: events.SyncTag})

	return DeferredResponse(req), nil
}

func (t *Transport) report(up bool) {
	if t.state != nil {
		t.state.SetOnline(up)
	}
}

// DeferredBody is the JSON body of a synthetic deferred response.
type DeferredBody struct {
	OK      bool   `json:"ok"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

func deferredPayload() []byte {
	data, _ := json.Marshal(DeferredBody{OK: true, Offline: true, Message: models.DeferredMessage})
	return data
}

// DeferredResponse synthesizes the 200 returned for a queued mutation.
func DeferredResponse(req *http.Request) *http.Response {
	data := deferredPayload()
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set(models.DeferredHeader, "true")
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       req,
	}
}

// WriteDeferred writes the deferred response to w.
func WriteDeferred(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(models.DeferredHeader, "true")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(deferredPayload())
}

// IsDeferred reports whether resp is a synthetic deferred success rather than
// a real upstream confirmation.
func IsDeferred(resp *http.Response) bool {
	return resp != nil && strings.EqualFold(resp.Header.Get(models.DeferredHeader), "true")
}
