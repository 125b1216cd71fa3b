// Package cache stores versioned response partitions for the interceptor.
package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrNilClient is returned by Redis-backed stores constructed without a client.
var ErrNilClient = errors.New("redis client is nil")

// Entry is a stored response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Store is a set of named partitions, each mapping a request key to an Entry.
type Store interface {
	// Partitions lists every partition currently holding entries.
	Partitions(ctx context.Context) ([]string, error)
	// Match returns nil, nil when key is absent from partition.
	Match(ctx context.Context, partition, key string) (*Entry, error)
	Put(ctx context.Context, partition, key string, entry *Entry) error
	// DeletePartition reports whether the partition existed.
	DeletePartition(ctx context.Context, partition string) (bool, error)
}

// Retainer is implemented by stores that may miss partitions while degraded.
// RetainOnly registers which partitions are current so unreachable copies of
// the rest are removed once the store can reach them again.
type Retainer interface {
	RetainOnly(keep func(partition string) bool)
}

// Key builds the lookup key for a request.
func Key(method, url string) string {
	return strings.ToUpper(method) + " " + url
}

// NewEntry captures a response for storage. Hop-by-hop headers are dropped.
func NewEntry(status int, header http.Header, body []byte, now time.Time) *Entry {
	h := header.Clone()
	for _, name := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Set-Cookie"} {
		h.Del(name)
	}
	return &Entry{Status: status, Header: h, Body: body, StoredAt: now}
}

// Respond replays the entry onto w.
func (e *Entry) Respond(w http.ResponseWriter) {
	for name, values := range e.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(e.Status)
	_, _ = w.Write(e.Body)
}
