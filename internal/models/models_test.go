package models

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFromMethod(t *testing.T) {
	tests := []struct {
		method string
		kind   ChangeKind
		ok     bool
	}{
		{http.MethodPost, KindCreate, true},
		{"put", KindUpdate, true},
		{http.MethodDelete, KindDelete, true},
		{http.MethodGet, "", false},
		{http.MethodPatch, "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		kind, ok := KindFromMethod(tt.method)
		assert.Equal(t, tt.ok, ok, tt.method)
		assert.Equal(t, tt.kind, kind, tt.method)
	}
}

func TestChangeKindMethodRoundTrip(t *testing.T) {
	for _, k := range []ChangeKind{KindCreate, KindUpdate, KindDelete} {
		assert.True(t, k.Valid())
		back, ok := KindFromMethod(k.Method())
		assert.True(t, ok)
		assert.Equal(t, k, back)
	}
	assert.False(t, ChangeKind("PATCH").Valid())
	assert.Equal(t, "", ChangeKind("PATCH").Method())
}

func TestPartitionName(t *testing.T) {
	assert.Equal(t, "pages-v2", PartitionName(CachePages, "v2"))
	assert.Equal(t, "api-v1", PartitionName(CacheAPI, DefaultCacheVersion))
}
