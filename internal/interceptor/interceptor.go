// Package interceptor fronts the upstream origin: it proxies every request,
// serves cached pages and assets when the upstream is unreachable and hands
// failed API mutations to live pages over the bridge.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"medsync/internal/bridge"
	"medsync/internal/cache"
	"medsync/internal/config"
	"medsync/internal/events"
	"medsync/internal/metrics"
	"medsync/internal/models"
	"medsync/internal/offline"
	"medsync/internal/worker"

	"github.com/rs/zerolog"
)

// Sender delivers bridge messages to live pages.
type Sender interface {
	Send(msg bridge.Message) int
}

// Config describes the origin being fronted.
type Config struct {
	Upstream   string
	Version    string
	APIPrefix  string
	StaticDirs []string
	Precache   []string
}

// ConfigFrom extracts the interceptor settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Upstream:   cfg.Upstream.BaseURL,
		Version:    cfg.Cache.Version,
		APIPrefix:  cfg.Interceptor.APIPrefix,
		StaticDirs: cfg.Interceptor.StaticDirs,
		Precache:   cfg.Interceptor.Precache,
	}
}

// Interceptor is an http.Handler proxying to the upstream.
type Interceptor struct {
	upstream   *url.URL
	version    string
	apiPrefix  string
	staticDirs []string
	precache   []string

	client *http.Client
	cache  cache.Store
	pages  Sender
	bus    *events.EventBus
	state  offline.StateReporter
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Interceptor)

// WithClient sets the client used to reach the upstream. Redirects are
// always passed back to the caller.
func WithClient(client *http.Client) Option {
	return func(i *Interceptor) {
		if client != nil {
			c := *client
			i.client = &c
		}
	}
}

func WithEventBus(bus *events.EventBus) Option {
	return func(i *Interceptor) { i.bus = bus }
}

func WithStateReporter(state offline.StateReporter) Option {
	return func(i *Interceptor) { i.state = state }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(i *Interceptor) {
		if logger != nil {
			i.logger = logger.With().Str("component", "interceptor").Logger()
		}
	}
}

func New(cfg Config, store cache.Store, pages Sender, opts ...Option) (*Interceptor, error) {
	u, err := url.Parse(cfg.Upstream)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream %q is not an absolute URL", cfg.Upstream)
	}
	if store == nil {
		return nil, errors.New("interceptor requires a cache store")
	}
	if cfg.Version == "" {
		cfg.Version = models.DefaultCacheVersion
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = models.DefaultAPIPrefix
	}
	if cfg.StaticDirs == nil {
		cfg.StaticDirs = []string{"/static/", "/_next/static/"}
	}
	if cfg.Precache == nil {
		cfg.Precache = []string{"/"}
	}

	i := &Interceptor{
		upstream:   u,
		version:    cfg.Version,
		apiPrefix:  cfg.APIPrefix,
		staticDirs: cfg.StaticDirs,
		precache:   cfg.Precache,
		client:     &http.Client{Timeout: 15 * time.Second},
		cache:      store,
		pages:      pages,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return i, nil
}

// Version returns the cache version this interceptor serves.
func (i *Interceptor) Version() string {
	return i.version
}

// Classify maps a request path to its cache class.
func (i *Interceptor) Classify(p string) models.CacheClass {
	if strings.HasPrefix(p, i.apiPrefix) {
		return models.CacheAPI
	}
	for _, dir := range i.staticDirs {
		if strings.HasPrefix(p, dir) {
			return models.CacheStatic
		}
	}
	if path.Ext(p) != "" {
		return models.CacheStatic
	}
	return models.CachePages
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	class := i.Classify(r.URL.Path)
	if class == models.CacheAPI {
		i.serveAPI(w, r)
		return
	}
	i.serveCached(w, r, class)
}

func (i *Interceptor) serveAPI(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	resp, err := i.forward(r, body)
	if err == nil {
		defer resp.Body.Close()
		i.report(true)
		metrics.IncIntercepted(string(models.CacheAPI), "network")
		copyResponse(w, resp)
		return
	}
	if errors.Is(r.Context().Err(), context.Canceled) {
		return
	}
	i.report(false)

	// Replays that reach the interceptor are already queued.
	if !models.IsMutating(r.Method) || r.Header.Get(worker.ReplayHeader) != "" {
		i.logger.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("api request failed while offline")
		metrics.IncIntercepted(string(models.CacheAPI), "offline")
		writeError(w, http.StatusServiceUnavailable, "offline")
		return
	}

	msg, err := bridge.NewSavePendingChange(r.Method, r.URL.RequestURI(), body)
	if err != nil {
		i.logger.Error().Err(err).Msg("failed to build persist message")
		writeError(w, http.StatusServiceUnavailable, "offline")
		return
	}

	reached := 0
	if i.pages != nil {
		reached = i.pages.Send(msg)
	}
	i.logger.Info().
		Str("method", msg.Method).
		Str("url", msg.URL).
		Int("pages", reached).
		Msg("mutation handed to pages while offline")
	_ = i.bus.PublishJSON(events.BackgroundSyncRequested, events.BackgroundSyncPayload{Tag: events.SyncTag})

	metrics.IncIntercepted(string(models.CacheAPI), "deferred")
	offline.WriteDeferred(w)
}

func (i *Interceptor) serveCached(w http.ResponseWriter, r *http.Request, class models.CacheClass) {
	ctx := r.Context()
	partition := models.PartitionName(class, i.version)
	key := cache.Key(http.MethodGet, r.URL.RequestURI())

	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	resp, err := i.forward(r, body)
	if err == nil {
		defer resp.Body.Close()
		i.report(true)
		if r.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
			metrics.IncIntercepted(string(class), "network")
			copyResponse(w, resp)
			return
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			i.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("failed to read upstream body")
			writeError(w, http.StatusBadGateway, "upstream body truncated")
			return
		}
		if err := i.cache.Put(ctx, partition, key, cache.NewEntry(resp.StatusCode, resp.Header, data, i.now())); err != nil {
			i.logger.Warn().Err(err).Str("partition", partition).Str("key", key).Msg("failed to cache response")
		}
		metrics.IncIntercepted(string(class), "network")
		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(data)
		return
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	i.report(false)

	// Only GET responses are stored, so nothing else can be answered offline.
	if r.Method != http.MethodGet {
		i.unavailable(w, class)
		return
	}

	entry, err := i.cache.Match(ctx, partition, key)
	if err != nil {
		i.logger.Warn().Err(err).Str("partition", partition).Msg("cache lookup failed")
	}
	if entry == nil && isNavigation(r) {
		entry, err = i.cache.Match(ctx, models.PartitionName(models.CachePages, i.version), cache.Key(http.MethodGet, "/"))
		if err != nil {
			i.logger.Warn().Err(err).Msg("cache lookup for root page failed")
		}
	}
	if entry == nil {
		i.unavailable(w, class)
		return
	}

	metrics.IncIntercepted(string(class), "cache")
	entry.Respond(w)
}

func (i *Interceptor) unavailable(w http.ResponseWriter, class models.CacheClass) {
	metrics.IncIntercepted(string(class), "unavailable")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, "unavailable offline")
}

// Install precaches the configured URLs into the current partitions. When
// partitions of another version exist an UpdateAvailable signal follows.
func (i *Interceptor) Install(ctx context.Context) error {
	existing, err := i.cache.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list cache partitions: %w", err)
	}

	var errs []error
	for _, target := range i.precache {
		if err := i.precacheOne(ctx, target); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("precache: %w", err)
	}
	i.logger.Info().Str("version", i.version).Int("urls", len(i.precache)).Msg("interceptor installed")

	for _, name := range existing {
		if !i.current(name) {
			_ = i.bus.PublishJSON(events.UpdateAvailable, events.ControllerPayload{Version: i.version})
			break
		}
	}
	return nil
}

func (i *Interceptor) precacheOne(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.resolve(target), nil)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", target, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	partition := models.PartitionName(i.Classify(u.Path), i.version)
	entry := cache.NewEntry(resp.StatusCode, resp.Header, data, i.now())
	return i.cache.Put(ctx, partition, cache.Key(http.MethodGet, u.RequestURI()), entry)
}

// Activate deletes every partition not belonging to the current version and
// signals that this version now controls pages. It returns the deleted names.
func (i *Interceptor) Activate(ctx context.Context) ([]string, error) {
	if r, ok := i.cache.(cache.Retainer); ok {
		r.RetainOnly(i.current)
	}
	names, err := i.cache.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cache partitions: %w", err)
	}

	var deleted []string
	for _, name := range names {
		if i.current(name) {
			continue
		}
		if _, err := i.cache.DeletePartition(ctx, name); err != nil {
			return deleted, fmt.Errorf("delete partition %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	if len(deleted) > 0 {
		i.logger.Info().Strs("partitions", deleted).Msg("stale cache partitions deleted")
	}

	_ = i.bus.PublishJSON(events.ControllerChanged, events.ControllerPayload{Version: i.version})
	return deleted, nil
}

func (i *Interceptor) current(partition string) bool {
	for _, class := range []models.CacheClass{models.CachePages, models.CacheStatic, models.CacheAPI} {
		if partition == models.PartitionName(class, i.version) {
			return true
		}
	}
	return false
}

func (i *Interceptor) forward(r *http.Request, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, i.resolve(r.URL.RequestURI()), reader)
	if err != nil {
		return nil, err
	}
	copyHeader(out.Header, r.Header)
	out.Header.Set("X-Forwarded-Host", r.Host)
	return i.client.Do(out)
}

func (i *Interceptor) resolve(target string) string {
	ref, err := url.Parse(target)
	if err != nil {
		return i.upstream.String() + target
	}
	return i.upstream.ResolveReference(ref).String()
}

func (i *Interceptor) report(up bool) {
	if i.state != nil {
		i.state.SetOnline(up)
	}
}

func isNavigation(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func copyResponse(w http.ResponseWriter, resp *http.Response) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
