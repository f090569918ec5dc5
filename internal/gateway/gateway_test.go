package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-rooms/internal/bus"
	"github.com/basket/go-rooms/internal/persistence"
	"github.com/basket/go-rooms/internal/scheduler"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeTasks struct {
	mu     sync.Mutex
	ids    []string
	result scheduler.Result
}

func (f *fakeTasks) RunTaskNow(_ context.Context, taskID string) scheduler.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, taskID)
	return f.result
}

func (f *fakeTasks) Running() bool { return true }

type testServer struct {
	store *persistence.Store
	bus   *bus.Bus
	tasks *fakeTasks
	srv   *httptest.Server
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	ts := &testServer{
		store: openTestStore(t),
		bus:   bus.New(nil),
		tasks: &fakeTasks{result: scheduler.Result{Started: true}},
	}
	gw := New(Config{Store: ts.store, Bus: ts.bus, Tasks: ts.tasks, AuthToken: token, ConfigFingerprint: "cfg-test"})
	ts.srv = httptest.NewServer(gw.Handler())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz_NoAuthRequired(t *testing.T) {
	ts := newTestServer(t, "secret")
	resp := ts.do(t, http.MethodGet, "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["healthy"] != true || payload["config_fingerprint"] != "cfg-test" {
		t.Fatalf("payload %v", payload)
	}
}

func TestRunTask_AuthAndReasons(t *testing.T) {
	ts := newTestServer(t, "secret")

	if resp := ts.do(t, http.MethodPost, "/api/tasks/t1/run", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/tasks/t1/run", "wrong", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", resp.StatusCode)
	}

	resp := ts.do(t, http.MethodPost, "/api/tasks/t1/run", "secret", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res scheduler.Result
	_ = json.NewDecoder(resp.Body).Decode(&res)
	if !res.Started {
		t.Fatalf("result %+v", res)
	}

	cases := []struct {
		reason scheduler.Reason
		want   int
	}{
		{scheduler.ReasonNotFound, http.StatusNotFound},
		{scheduler.ReasonAlreadyRunning, http.StatusConflict},
		{scheduler.ReasonNotRunning, http.StatusServiceUnavailable},
		{scheduler.ReasonLookupFailed, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ts.tasks.mu.Lock()
		ts.tasks.result = scheduler.Result{Reason: tc.reason}
		ts.tasks.mu.Unlock()
		if resp := ts.do(t, http.MethodPost, "/api/tasks/t1/run", "secret", ""); resp.StatusCode != tc.want {
			t.Errorf("reason %s: status = %d, want %d", tc.reason, resp.StatusCode, tc.want)
		}
	}
	if resp := ts.do(t, http.MethodGet, "/api/tasks/t1/run", "secret", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
}

func TestPostMessage_StoresAndAnnouncesKeeperMessage(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	room, _ := ts.store.CreateRoom(ctx, persistence.Room{Name: "lab"})

	got := make(chan bus.UserMessage, 1)
	ts.bus.Subscribe(bus.RoomChannel(room.ID), func(ev bus.Event) {
		if m, ok := ev.Data.(bus.UserMessage); ok {
			got <- m
		}
	})

	resp := ts.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", "", `{"content":"  status please  "}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	select {
	case m := <-got:
		if m.Content != "status please" {
			t.Fatalf("event %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("no user_message event")
	}

	msgs, _ := ts.store.ListMessages(ctx, room.ID, 10)
	if len(msgs) != 1 || msgs[0].Source != persistence.SourceKeeper || msgs[0].Sender != "keeper" {
		t.Fatalf("stored %+v", msgs)
	}

	list := ts.do(t, http.MethodGet, "/api/rooms/"+room.ID+"/messages", "", "")
	var body struct {
		Messages []persistence.Message `json:"messages"`
	}
	_ = json.NewDecoder(list.Body).Decode(&body)
	if len(body.Messages) != 1 {
		t.Fatalf("listed %+v", body.Messages)
	}

	if resp := ts.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", "", `{"content":"   "}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content status = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/rooms/"+room.ID+"/messages", "", `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad JSON status = %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/rooms/missing/messages", "", `{"content":"hi"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing room status = %d", resp.StatusCode)
	}
}

func TestEventsStream_ForwardsChannelEvents(t *testing.T) {
	ts := newTestServer(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/events?channel=" + bus.ChannelRuns
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatal("dial without a token should fail")
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer secret"}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered asynchronously after the upgrade.
	deadline := time.Now().Add(2 * time.Second)
	for ts.bus.ListenerCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	ts.bus.Publish(bus.ChannelClerk, bus.Commentary{Content: "not for this stream"})
	ts.bus.Publish(bus.ChannelRuns, bus.RunCreated{TaskID: "t1", TaskName: "digest", Source: scheduler.SourceManual})

	var ev struct {
		Channel string         `json:"channel"`
		Type    string         `json:"type"`
		Data    map[string]any `json:"data"`
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Channel != bus.ChannelRuns || ev.Type != bus.TypeRunCreated || ev.Data["task_id"] != "t1" {
		t.Fatalf("event %+v", ev)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline = time.Now().Add(2 * time.Second)
	for ts.bus.ListenerCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := ts.bus.ListenerCount(); n != 0 {
		t.Fatalf("stream left %d listeners after disconnect", n)
	}
}
