package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const defaultRecoverAfter = time.Minute

// FailoverStore serves from primary until it errors, then from fallback,
// retrying the primary once recoverAfter has elapsed.
type FailoverStore struct {
	primary      Store
	fallback     Store
	logger       *zerolog.Logger
	recoverAfter time.Duration
	now          func() time.Time
	isDown       atomic.Bool
	lastCheck    atomic.Int64

	// sweepPending is set by an outage and cleared once the primary has been
	// purged of partitions outside keep.
	sweepPending atomic.Bool
	keepMu       sync.RWMutex
	keep         func(partition string) bool
}

func NewFailoverStore(primary, fallback Store, logger *zerolog.Logger) *FailoverStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverStore{
		primary:      primary,
		fallback:     fallback,
		logger:       logger,
		recoverAfter: defaultRecoverAfter,
		now:          time.Now,
	}
}

// Degraded reports whether calls are currently served by the fallback.
func (f *FailoverStore) Degraded() bool {
	return f.isDown.Load()
}

// RetainOnly sets the partitions that survive a primary sweep.
func (f *FailoverStore) RetainOnly(keep func(partition string) bool) {
	f.keepMu.Lock()
	f.keep = keep
	f.keepMu.Unlock()
}

func (f *FailoverStore) markDown(err error) {
	f.sweepPending.Store(true)
	if !f.isDown.Swap(true) {
		f.logger.Error().Err(err).Msg("Primary cache store failed, falling back to memory")
	}
	f.lastCheck.Store(f.now().UnixNano())
}

// usePrimary reports whether the next call should try the primary store.
func (f *FailoverStore) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	last := time.Unix(0, f.lastCheck.Load())
	return f.now().Sub(last) > f.recoverAfter
}

// recovered clears the degraded flag and, after an outage, deletes primary
// partitions that RetainOnly no longer keeps. It reports whether a sweep ran.
func (f *FailoverStore) recovered(ctx context.Context) bool {
	if f.isDown.Swap(false) {
		f.logger.Info().Msg("Primary cache store recovered")
	}

	f.keepMu.RLock()
	keep := f.keep
	f.keepMu.RUnlock()
	if keep == nil || !f.sweepPending.CompareAndSwap(true, false) {
		return false
	}

	names, err := f.primary.Partitions(ctx)
	if err != nil {
		f.sweepPending.Store(true)
		f.logger.Warn().Err(err).Msg("Listing primary partitions for sweep failed")
		return false
	}
	for _, name := range names {
		if keep(name) {
			continue
		}
		if _, err := f.primary.DeletePartition(ctx, name); err != nil {
			f.sweepPending.Store(true)
			f.logger.Warn().Err(err).Str("partition", name).Msg("Sweeping stale primary partition failed")
			continue
		}
		f.logger.Info().Str("partition", name).Msg("Stale primary partition swept after recovery")
	}
	return true
}

// Partitions returns the union of both stores' partitions.
func (f *FailoverStore) Partitions(ctx context.Context) ([]string, error) {
	local, err := f.fallback.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	if !f.usePrimary() {
		return local, nil
	}
	remote, err := f.primary.Partitions(ctx)
	if err != nil {
		f.markDown(err)
		return local, nil
	}
	if f.recovered(ctx) {
		if remote, err = f.primary.Partitions(ctx); err != nil {
			f.markDown(err)
			return local, nil
		}
	}

	seen := make(map[string]struct{}, len(remote)+len(local))
	names := make([]string, 0, len(remote)+len(local))
	for _, name := range append(remote, local...) {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FailoverStore) Match(ctx context.Context, partition, key string) (*Entry, error) {
	if f.usePrimary() {
		entry, err := f.primary.Match(ctx, partition, key)
		if err == nil {
			f.recovered(ctx)
			if entry != nil {
				return entry, nil
			}
			// Entries written while degraded live only in the fallback.
			return f.fallback.Match(ctx, partition, key)
		}
		f.markDown(err)
	}
	return f.fallback.Match(ctx, partition, key)
}

func (f *FailoverStore) Put(ctx context.Context, partition, key string, entry *Entry) error {
	if f.usePrimary() {
		err := f.primary.Put(ctx, partition, key, entry)
		if err == nil {
			f.recovered(ctx)
			return nil
		}
		f.markDown(err)
	}
	return f.fallback.Put(ctx, partition, key, entry)
}

// DeletePartition removes the partition from both stores.
func (f *FailoverStore) DeletePartition(ctx context.Context, partition string) (bool, error) {
	fromFallback, _ := f.fallback.DeletePartition(ctx, partition)
	if f.usePrimary() {
		fromPrimary, err := f.primary.DeletePartition(ctx, partition)
		if err == nil {
			f.recovered(ctx)
			return fromPrimary || fromFallback, nil
		}
		f.markDown(err)
	}
	return fromFallback, nil
}
