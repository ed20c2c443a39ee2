package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/example/ride-pairing/internal/dispatch"
	"github.com/example/ride-pairing/internal/lifecycle"
	"github.com/example/ride-pairing/internal/matcher"
	"github.com/example/ride-pairing/internal/models"
	"github.com/example/ride-pairing/internal/pairing"
	"github.com/example/ride-pairing/internal/registry"
	"github.com/example/ride-pairing/internal/storage"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testclock.NewFakeClock(time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC))
	store := storage.NewMemoryStore()
	cache := registry.NewLocalCache()
	t.Cleanup(cache.Close)
	reg := registry.New(store, cache, registry.NewBatcher(store, registry.DefaultBatcherConfig(), clk, logger),
		registry.Options{Clock: clk, Logger: logger})
	ws := dispatch.NewWSRegistry(logger)
	lc := lifecycle.New(reg, lifecycle.Options{Clock: clk, Logger: logger,
		Notifier: dispatch.NewNotifier([]dispatch.Channel{ws, &dispatch.LogChannel{Logger: logger}}, nil, clk, logger)})
	t.Cleanup(lc.Close)
	cycle := matcher.NewCycle(reg, lc, matcher.NewScorer(matcher.DefaultThresholds()), matcher.DefaultCycleConfig(), clk, logger)
	svc := pairing.NewService(reg, lc, cycle, nil, clk, logger)
	srv := httptest.NewServer(NewServer(svc, ws, logger))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

var (
	pickup = map[string]any{"lat": 48.8566, "lon": 2.3522}
	dest   = map[string]any{"lat": 48.8566, "lon": 2.4022}
)

func TestSearchLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/searches", map[string]any{
		"user_id": "o1", "role": "offeror", "pickup": pickup, "destination": dest, "capacity": 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/searches", map[string]any{
		"user_id": "s1", "role": "seeker", "pickup": pickup, "destination": dest, "party_size": 2,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, rep := do(t, http.MethodPost, srv.URL+"/internal/cycle/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	proposed := rep["proposed"].([]any)
	require.Len(t, proposed, 1)
	matchID := proposed[0].(string)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/matches/"+matchID+"/accept", map[string]any{"user_id": "s1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, ride := do(t, http.MethodPost, srv.URL+"/api/v1/matches/"+matchID+"/accept", map[string]any{"user_id": "o1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, matchID, ride["match_id"])

	resp, view := do(t, http.MethodGet, srv.URL+"/api/v1/searches/s1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.SearchMatched), view["search"].(map[string]any)["status"])
	assert.Equal(t, "o1", view["counterpart"].(map[string]any)["user_id"])

	resp, match := do(t, http.MethodGet, srv.URL+"/api/v1/matches/"+matchID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.MatchAccepted), match["status"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/searches/o1/location", map[string]any{"lat": 48.857, "lon": 2.36})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, stopped := do(t, http.MethodDelete, srv.URL+"/api/v1/searches/o1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(models.SearchStopped), stopped["status"])
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/searches", map[string]any{"user_id": "u1", "role": "pilot"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "role")

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/searches/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/matches/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/matches/ghost/reject", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
