package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/example/ride-pairing/internal/models"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeChannel struct {
	name string
	err  error
	got  []models.Event
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(_ context.Context, ev models.Event) error {
	f.got = append(f.got, ev)
	return f.err
}

func TestNotifierStopsAtFirstDelivery(t *testing.T) {
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	ws := &fakeChannel{name: "ws", err: ErrNoSession}
	push := &fakeChannel{name: "push"}
	last := &fakeChannel{name: "log"}
	tap := &fakeChannel{name: "kafka"}
	n := NewNotifier([]Channel{ws, push, last}, []Channel{tap}, testclock.NewFakePassiveClock(at), quiet())

	require.NoError(t, n.Notify(context.Background(), "u1", models.EventMatchProposed, map[string]string{"match_id": "m1"}))
	assert.Len(t, ws.got, 1)
	assert.Len(t, push.got, 1)
	assert.Empty(t, last.got)
	require.Len(t, tap.got, 1)
	assert.Equal(t, "u1", tap.got[0].UserID)
	assert.Equal(t, at, tap.got[0].At)
}

func TestNotifierReportsUndelivered(t *testing.T) {
	boom := errors.New("boom")
	tap := &fakeChannel{name: "kafka", err: boom}
	n := NewNotifier([]Channel{&fakeChannel{name: "ws", err: ErrNoSession}}, []Channel{tap}, nil, quiet())

	err := n.Notify(context.Background(), "u1", models.EventMatchExpired, nil)
	require.ErrorIs(t, err, ErrNoChannel)
	assert.ErrorIs(t, err, ErrNoSession)
	assert.NotErrorIs(t, err, boom)
}

func TestPushDispatcherPostsMessage(t *testing.T) {
	var body map[string]map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	p := NewPushDispatcher(srv.URL, "secret")
	err := p.Deliver(context.Background(), models.Event{
		Type: models.EventMatchAccepted, UserID: "u7", Payload: map[string]string{"ride_id": "r1"},
		At: time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	msg := body["message"]
	assert.Equal(t, "u7", msg["token"])
	data := msg["data"].(map[string]any)
	assert.Equal(t, "match_accepted", data["type"])
	assert.JSONEq(t, `{"ride_id":"r1"}`, data["payload"].(string))
}

func TestPushDispatcherFailsOnProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	err := NewPushDispatcher(srv.URL, "").Deliver(context.Background(), models.Event{UserID: "u1"})
	require.Error(t, err)
}

func TestWSRegistryDeliversToSession(t *testing.T) {
	reg := NewWSRegistry(quiet())
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add("u1", conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Deliver(context.Background(), models.Event{Type: models.EventMatchProposed, UserID: "u1"}))
	var got models.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, models.EventMatchProposed, got.Type)

	assert.ErrorIs(t, reg.Deliver(context.Background(), models.Event{UserID: "nobody"}), ErrNoSession)
}
