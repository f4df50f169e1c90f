package controlserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	entries  int
	used     int64
	capacity int64
	remote   int64
}

func (f fakeSource) CacheStats() (int, int64, int64) { return f.entries, f.used, f.capacity }
func (f fakeSource) TotalRemoteSize() int64          { return f.remote }

func TestHealthzReturnsServiceUnavailableBeforeReady(t *testing.T) {
	s := New(fakeSource{}, func() bool { return false })
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthzReturnsOKOnceReady(t *testing.T) {
	s := New(fakeSource{}, func() bool { return true })
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusReportsSourceSnapshot(t *testing.T) {
	source := fakeSource{entries: 3, used: 100, capacity: 1000, remote: 5000}
	s := New(source, func() bool { return true })

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.True(t, got.Ready)
	assert.Equal(t, 3, got.CacheEntries)
	assert.EqualValues(t, 100, got.CacheBytesUsed)
	assert.EqualValues(t, 5000, got.TotalRemoteBytes)
}

func TestStatusZeroedBeforeReady(t *testing.T) {
	s := New(fakeSource{entries: 9}, func() bool { return false })
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	var got Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.False(t, got.Ready)
	assert.Zero(t, got.CacheEntries)
}

func TestMetricsExposesPrometheusText(t *testing.T) {
	s := New(fakeSource{entries: 1, used: 10, capacity: 20, remote: 30}, func() bool { return true })
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "branchfs_cache_bytes_used"))
}

func TestNewToleratesNilSource(t *testing.T) {
	s := New(nil, func() bool { return true })
	w := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	})
}
