package models

import "time"

const (
	// DefaultMaxRetries caps PendingChange.RetryCount.
	DefaultMaxRetries = 3

	// DefaultSyncInterval is the safety-net drain period.
	DefaultSyncInterval = 30 * time.Second

	// DefaultProbeInterval is how often the upstream is probed for connectivity.
	DefaultProbeInterval = 15 * time.Second

	// DefaultIndicatorInterval matches the pending badge refresh of the web client.
	DefaultIndicatorInterval = 5 * time.Second

	// DefaultCacheVersion tags cache partitions until a deploy bumps it.
	DefaultCacheVersion = "v1"

	// DefaultAPIPrefix marks requests that belong to the data API.
	DefaultAPIPrefix = "/api/"

	// DeferredHeader is set on synthetic responses for queued mutations.
	DeferredHeader = "X-Medsync-Deferred"

	// DeferredMessage is returned to callers whose mutation was queued.
	DeferredMessage = "Change saved locally. It will be synchronized when the connection is back."

	// SchemaVersion of the pending_changes store.
	SchemaVersion = 1
)

// CacheClass is a logical cache partition.
type CacheClass string

const (
	CachePages  CacheClass = "pages"
	CacheStatic CacheClass = "static"
	CacheAPI    CacheClass = "api"
)

// PartitionName returns the versioned partition name for class.
func PartitionName(class CacheClass, version string) string {
	return string(class) + "-" + version
}
