package netstate

import (
	"context"
	"net/http"
	"time"

	"medsync/internal/models"
	"medsync/internal/worker"

	"github.com/rs/zerolog"
)

// Prober keeps a Monitor current by polling an upstream URL. Any HTTP
// response counts as reachable; only transport failures mean offline.
type Prober struct {
	monitor  *Monitor
	client   *http.Client
	url      string
	interval time.Duration
	backoff  *worker.Backoff
	logger   zerolog.Logger
}

func NewProber(monitor *Monitor, client *http.Client, url string, interval time.Duration, logger *zerolog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = models.DefaultProbeInterval
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "prober").Logger()
	}
	return &Prober{
		monitor:  monitor,
		client:   client,
		url:      url,
		interval: interval,
		backoff:  worker.NewBackoff(worker.RetryPolicy{InitialDelay: time.Second, MaxDelay: interval, BackoffFactor: 2}),
		logger:   l,
	}
}

// Probe performs one check and updates the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Error().Err(err).Str("url", p.url).Msg("build probe request")
		return p.monitor.IsOnline()
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return p.monitor.IsOnline()
		}
		p.logger.Debug().Err(err).Msg("probe failed")
		p.monitor.SetOnline(false)
		return false
	}
	resp.Body.Close()
	p.monitor.SetOnline(true)
	return true
}

// Run probes until ctx is done. While offline, probes back off from one
// second up to the regular interval.
func (p *Prober) Run(ctx context.Context) {
	for {
		delay := p.interval
		if p.Probe(ctx) {
			p.backoff.Reset()
		} else {
			delay = p.backoff.Fail()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
