package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"medsync/internal/config"
	"medsync/internal/metrics"
	"medsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ReplayHeader marks requests issued by the sync engine.
const ReplayHeader = "X-Medsync-Replay"

// Replay outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeRetried  = "retried"
	OutcomeHeld     = "held"
)

// Queue is the part of the durable store the sync engine needs.
type Queue interface {
	ListAll(ctx context.Context) ([]models.PendingChange, error)
	Remove(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64) error
}

// Doer sends replay requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Connectivity reports whether the upstream is believed reachable.
type Connectivity interface {
	IsOnline() bool
}

// DeadLetterSink receives terminally rejected changes when the
// deadletter client error policy is active.
type DeadLetterSink interface {
	Push(ctx context.Context, change models.PendingChange, status int) error
}

// SyncerConfig tunes the sync engine. Zero values fall back to defaults.
type SyncerConfig struct {
	BaseURL           string
	MaxRetries        int
	Interval          time.Duration
	ClientErrorPolicy string
	DeadLetter        DeadLetterSink
	RPS               float64
	Burst             int
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Skipped   bool
	Attempted int
	Succeeded int
	Rejected  int
	Retried   int
	Held      int
	Errors    int
}

// Syncer replays pending changes against the upstream.
type Syncer struct {
	queue      Queue
	client     Doer
	online     Connectivity
	baseURL    *url.URL
	maxRetries int
	interval   time.Duration
	policy     string
	deadLetter DeadLetterSink
	limiter    *rate.Limiter
	trigger    chan struct{}
	logger     zerolog.Logger
}

// NewSyncer builds a sync engine with sane defaults.
func NewSyncer(queue Queue, client Doer, online Connectivity, cfg SyncerConfig, logger *zerolog.Logger) (*Syncer, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = models.DefaultMaxRetries
	}
	if cfg.Interval <= 0 {
		cfg.Interval = models.DefaultSyncInterval
	}
	if cfg.ClientErrorPolicy == "" {
		cfg.ClientErrorPolicy = config.ClientErrorDrop
	}
	if cfg.ClientErrorPolicy == config.ClientErrorDeadLetter && cfg.DeadLetter == nil {
		return nil, errors.New("deadletter policy requires a dead letter sink")
	}
	if client == nil {
		client = http.DefaultClient
	}

	var base *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		base = u
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "syncer").Logger()
	}

	return &Syncer{
		queue:      queue,
		client:     client,
		online:     online,
		baseURL:    base,
		maxRetries: cfg.MaxRetries,
		interval:   cfg.Interval,
		policy:     cfg.ClientErrorPolicy,
		deadLetter: cfg.DeadLetter,
		limiter:    rate.NewLimiter(limit, burst),
		trigger:    make(chan struct{}, 1),
		logger:     l,
	}, nil
}

// Trigger asks Run for a drain pass. Bursts of triggers coalesce into one pass.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run drains once at start when online, then on every Trigger and on the
// periodic ticker, until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("syncer started")
	defer s.logger.Info().Msg("syncer stopped")

	s.drainLogged(ctx, "startup")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			s.drainLogged(ctx, "trigger")
		case <-ticker.C:
			s.drainLogged(ctx, "timer")
		}
	}
}

func (s *Syncer) drainLogged(ctx context.Context, reason string) {
	res, err := s.Drain(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Str("reason", reason).Msg("drain failed")
		return
	}
	if res.Attempted > 0 {
		s.logger.Info().
			Str("reason", reason).
			Int("attempted", res.Attempted).
			Int("succeeded", res.Succeeded).
			Int("rejected", res.Rejected).
			Int("retried", res.Retried).
			Int("held", res.Held).
			Int("errors", res.Errors).
			Msg("drain finished")
	}
}

// Drain replays every pending change in order, one at a time. It returns
// immediately when offline. A failure on one record never stops the pass.
func (s *Syncer) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	if s.online != nil && !s.online.IsOnline() {
		res.Skipped = true
		return res, nil
	}

	changes, err := s.queue.ListAll(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending changes: %w", err)
	}

	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return res, err
		}

		res.Attempted++
		outcome, err := s.process(ctx, change)
		if err != nil {
			res.Errors++
			s.logger.Error().Err(err).Int64("id", change.ID).Msg("pending change bookkeeping failed")
			continue
		}
		metrics.IncReplay(outcome)
		switch outcome {
		case OutcomeSuccess:
			res.Succeeded++
		case OutcomeRejected:
			res.Rejected++
		case OutcomeRetried:
			res.Retried++
		case OutcomeHeld:
			res.Held++
		}
	}

	metrics.SetPending(len(changes) - res.Succeeded - res.Rejected)
	return res, nil
}

func (s *Syncer) process(ctx context.Context, change models.PendingChange) (string, error) {
	req, err := s.buildRequest(ctx, change)
	if err != nil {
		// Cannot ever be sent; same fate as a 4xx.
		s.logger.Warn().Err(err).Int64("id", change.ID).Msg("unreplayable pending change")
		return s.reject(ctx, change, 0)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Debug().Err(err).Int64("id", change.ID).Msg("replay network failure")
		return s.retryOrHold(ctx, change)
	}
	resp.Body.Close()

	switch Classify(resp.StatusCode) {
	case ClassSuccess:
		if err := s.queue.Remove(ctx, change.ID); err != nil {
			return "", err
		}
		return OutcomeSuccess, nil
	case ClassClientError:
		return s.reject(ctx, change, resp.StatusCode)
	default:
		s.logger.Debug().Int("status", resp.StatusCode).Int64("id", change.ID).Msg("replay transient failure")
		return s.retryOrHold(ctx, change)
	}
}

func (s *Syncer) retryOrHold(ctx context.Context, change models.PendingChange) (string, error) {
	if change.RetryCount >= s.maxRetries {
		return OutcomeHeld, nil
	}
	if err := s.queue.IncrementRetry(ctx, change.ID); err != nil {
		return "", err
	}
	return OutcomeRetried, nil
}

func (s *Syncer) reject(ctx context.Context, change models.PendingChange, status int) (string, error) {
	if s.policy == config.ClientErrorDeadLetter {
		if err := s.deadLetter.Push(ctx, change, status); err != nil {
			// Keep the record rather than lose it without a trace.
			return "", fmt.Errorf("dead letter %d: %w", change.ID, err)
		}
	}
	s.logger.Warn().Int64("id", change.ID).Int("status", status).Str("target", change.Target).
		Str("policy", s.policy).Msg("pending change rejected")
	if err := s.queue.Remove(ctx, change.ID); err != nil {
		return "", err
	}
	return OutcomeRejected, nil
}

func (s *Syncer) buildRequest(ctx context.Context, change models.PendingChange) (*http.Request, error) {
	method := change.Kind.Method()
	if method == "" {
		return nil, fmt.Errorf("unknown kind %q", change.Kind)
	}

	target, err := url.Parse(change.Target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	if !target.IsAbs() {
		if s.baseURL == nil {
			return nil, fmt.Errorf("relative target %q without base url", change.Target)
		}
		target = s.baseURL.ResolveReference(target)
	}

	var body *bytes.Reader
	if change.Payload != nil {
		body = bytes.NewReader(change.Payload)
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, target.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target.String(), nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ReplayHeader, "1")
	return req, nil
}

// StatusClass buckets upstream responses for replay decisions.
type StatusClass int

const (
	ClassSuccess StatusClass = iota
	ClassClientError
	ClassTransient
)

// Classify maps an HTTP status to its replay class. Anything that is not
// 2xx or 4xx is treated as possibly transient.
func Classify(status int) StatusClass {
	switch {
	case status >= 200 && status < 300:
		return ClassSuccess
	case status >= 400 && status < 500:
		return ClassClientError
	default:
		return ClassTransient
	}
}
