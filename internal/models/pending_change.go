package models

import (
	"net/http"
	"strings"
	"time"
)

// ChangeKind mirrors the mutating HTTP verb a PendingChange replays.
type ChangeKind string

const (
	KindCreate ChangeKind = "CREATE"
	KindUpdate ChangeKind = "UPDATE"
	KindDelete ChangeKind = "DELETE"
)

// PendingChange is a queued mutation not yet confirmed by the upstream.
//
// Ownership: capture paths (request wrapper, bridge persist handler) only insert.
// Only the sync engine increments RetryCount or removes a record.
type PendingChange struct {
	ID         int64      `json:"id"`
	Kind       ChangeKind `json:"kind"`
	Target     string     `json:"target"`
	Payload    []byte     `json:"payload,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	RetryCount int        `json:"retry_count"`
}

// Valid reports whether k is one of the known kinds.
func (k ChangeKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Method returns the HTTP method used to replay the change.
func (k ChangeKind) Method() string {
	switch k {
	case KindCreate:
		return http.MethodPost
	case KindUpdate:
		return http.MethodPut
	case KindDelete:
		return http.MethodDelete
	}
	return ""
}

// KindFromMethod maps a mutating HTTP method to its kind.
// Only POST, PUT and DELETE are queueable.
func KindFromMethod(method string) (ChangeKind, bool) {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodPost:
		return KindCreate, true
	case http.MethodPut:
		return KindUpdate, true
	case http.MethodDelete:
		return KindDelete, true
	}
	return "", false
}

// IsMutating reports whether requests with this method get queued on failure.
func IsMutating(method string) bool {
	_, ok := KindFromMethod(method)
	return ok
}
