package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/lockbox/pkg/raft"
	"github.com/pixperk/lockbox/pkg/store"
	"github.com/pixperk/lockbox/pkg/store/memory"
	"github.com/pixperk/lockbox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downStore struct {
	store.Store
}

func (downStore) Get(ctx context.Context, key types.Key) (*types.Record, error) {
	return nil, errors.New("connection refused")
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	srv := NewServer(":0", memory.New(), nil, nil)

	rec := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestHealthzReportsStoreFailure(t *testing.T) {
	srv := NewServer(":0", downStore{}, nil, nil)

	rec := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(":0", memory.New(), nil, nil)

	rec := get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestRaftStatusWithoutNode(t *testing.T) {
	srv := NewServer(":0", memory.New(), nil, nil)

	rec := get(t, srv.Handler(), "/raft")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRaftStatus(t *testing.T) {
	node, err := raft.NewNode(&raft.Config{
		NodeID:    uuid.New(),
		BindAddr:  "127.0.0.1:0",
		DataDir:   t.TempDir(),
		Bootstrap: true,
	})
	require.NoError(t, err)
	defer node.Shutdown()
	require.NoError(t, node.WaitForLeader(10*time.Second))

	srv := NewServer(":0", memory.New(), node, nil)

	rec := get(t, srv.Handler(), "/raft")
	require.Equal(t, http.StatusOK, rec.Code)

	var status raftStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Leader)
	assert.Equal(t, 1, status.Peers)
	assert.Equal(t, "Leader", status.Raft["state"])
}
