package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/entity"
	"github.com/hearthside-labs/vigil/internal/events"
)

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

var testUpgrader = websocket.Upgrader{}

// fakeHA speaks enough of the Home Assistant websocket protocol for the
// client: auth handshake, subscribe_events, get_states, call_service,
// and pushed state_changed events.
type fakeHA struct {
	authFail  bool
	failCalls bool

	mu     sync.Mutex
	conn   *websocket.Conn
	subID  int64
	states []map[string]any
	calls  []map[string]any

	writeMu sync.Mutex
}

func (f *fakeHA) send(v any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (f *fakeHA) reply(id int64, success bool, result any) {
	f.send(map[string]any{"id": id, "type": "result", "success": success, "result": result})
}

func (f *fakeHA) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	f.send(map[string]any{"type": "auth_required", "ha_version": "2025.8.1"})

	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if f.authFail || auth["access_token"] != "secret" {
		f.send(map[string]any{"type": "auth_invalid", "message": "invalid token"})
		conn.Close()
		return
	}
	f.send(map[string]any{"type": "auth_ok"})

	for {
		var cmd map[string]any
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		id, _ := cmd["id"].(float64)
		switch cmd["type"] {
		case "subscribe_events":
			f.mu.Lock()
			f.subID = int64(id)
			f.mu.Unlock()
			f.reply(int64(id), true, nil)
		case "get_states":
			f.mu.Lock()
			states := f.states
			f.mu.Unlock()
			f.reply(int64(id), true, states)
		case "call_service":
			f.mu.Lock()
			f.calls = append(f.calls, cmd)
			fail := f.failCalls
			f.mu.Unlock()
			if fail {
				f.send(map[string]any{
					"id": int64(id), "type": "result", "success": false,
					"error": map[string]any{"code": "service_not_found", "message": "no such service"},
				})
			} else {
				f.reply(int64(id), true, map[string]any{})
			}
		}
	}
}

func (f *fakeHA) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subID != 0
}

func (f *fakeHA) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeHA) pushState(entityID, state string, changed time.Time) {
	f.mu.Lock()
	subID := f.subID
	f.mu.Unlock()
	f.send(map[string]any{
		"id":   subID,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"data": map[string]any{
				"entity_id": entityID,
				"new_state": map[string]any{
					"entity_id":    entityID,
					"state":        state,
					"attributes":   map[string]any{"via": "test"},
					"last_changed": changed.UTC().Format(time.RFC3339Nano),
				},
			},
		},
	})
}

type submitCall struct {
	source string
	ids    []string
	at     *time.Time
}

type recordingSubmitter struct {
	mu      sync.Mutex
	submits []submitCall
}

func (r *recordingSubmitter) Submit(source string, entityIDs []string, changedAt *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits = append(r.submits, submitCall{source: source, ids: entityIDs, at: changedAt})
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submits)
}

func (r *recordingSubmitter) all() []submitCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]submitCall, len(r.submits))
	copy(out, r.submits)
	return out
}

func (r *recordingSubmitter) submitsFor(entityID string) []submitCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []submitCall
	for _, s := range r.submits {
		for _, id := range s.ids {
			if id == entityID {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

type clientFixture struct {
	client *Client
	store  *entity.Store
	sub    *recordingSubmitter
	bus    *events.Bus
}

func newClientFixture(t *testing.T, serverURL string) *clientFixture {
	t.Helper()
	store, err := entity.NewStore(filepath.Join(t.TempDir(), "entities.db"))
	if err != nil {
		t.Fatalf("open entity store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sub := &recordingSubmitter{}
	bus := events.NewBus(8)
	return &clientFixture{
		client: New(serverURL, "secret", store, sub, bus, zap.NewNop()),
		store:  store,
		sub:    sub,
		bus:    bus,
	}
}

func (f *clientFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = f.client.Run(ctx) }()
}

func TestClientSyncsOnConnect(t *testing.T) {
	t1 := time.Now().Add(-time.Hour).UTC()
	t2 := time.Now().Add(-time.Minute).UTC()
	fake := &fakeHA{states: []map[string]any{
		{"entity_id": "binary_sensor.front_door", "state": "on", "last_changed": t1.Format(time.RFC3339Nano)},
		{"entity_id": "light.porch", "state": "off", "last_changed": t2.Format(time.RFC3339Nano)},
	}}
	ts := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer ts.Close()

	f := newClientFixture(t, ts.URL)
	syncEvents := f.bus.Subscribe("test")
	defer f.bus.Unsubscribe("test")
	f.start(t)

	waitFor(t, 3*time.Second, func() bool { return f.store.Count() == 2 })
	if !f.client.Connected() {
		t.Error("client should report connected")
	}
	if st, _ := f.store.State("binary_sensor.front_door"); st != "on" {
		t.Errorf("front_door state = %q, want on", st)
	}

	waitFor(t, time.Second, func() bool { return f.sub.count() >= 1 })
	submits := f.sub.all()
	got := submits[0]
	if got.source != "home_assistant" {
		t.Errorf("submit source = %q", got.source)
	}
	if len(got.ids) != 2 {
		t.Errorf("submitted ids = %v, want both entities", got.ids)
	}
	// The batch changed_at is the earliest last_changed among the
	// changed entities.
	if got.at == nil || !got.at.Equal(t1) {
		t.Errorf("submit changed_at = %v, want %v", got.at, t1)
	}

	foundSync := false
	deadline := time.After(time.Second)
	for !foundSync {
		select {
		case evt := <-syncEvents:
			if evt.Type == events.EntitySyncCompleted {
				detail, ok := evt.Detail.(events.EntitySyncDetail)
				if !ok || detail.Count != 2 {
					t.Errorf("sync detail = %#v", evt.Detail)
				}
				foundSync = true
			}
		case <-deadline:
			t.Fatal("no EntitySyncCompleted event")
		}
	}
}

func TestClientIngestsStateChanges(t *testing.T) {
	fake := &fakeHA{}
	ts := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer ts.Close()

	f := newClientFixture(t, ts.URL)
	f.start(t)
	waitFor(t, 3*time.Second, func() bool { return fake.subscribed() })

	changed := time.Now().Add(-10 * time.Second).UTC()
	fake.pushState("binary_sensor.hall_motion", "on", changed)
	waitFor(t, 2*time.Second, func() bool {
		st, _ := f.store.State("binary_sensor.hall_motion")
		return st == "on"
	})

	submits := f.sub.submitsFor("binary_sensor.hall_motion")
	if len(submits) != 1 {
		t.Fatalf("got %d submits, want 1", len(submits))
	}
	if submits[0].at == nil || !submits[0].at.Equal(changed) {
		t.Errorf("submit changed_at = %v, want %v", submits[0].at, changed)
	}

	// A repeat of the same state is stored but not re-submitted; the
	// following real change is.
	fake.pushState("binary_sensor.hall_motion", "on", changed.Add(time.Second))
	fake.pushState("binary_sensor.hall_motion", "off", changed.Add(2*time.Second))
	waitFor(t, 2*time.Second, func() bool {
		st, _ := f.store.State("binary_sensor.hall_motion")
		return st == "off"
	})
	if n := len(f.sub.submitsFor("binary_sensor.hall_motion")); n != 2 {
		t.Errorf("got %d submits after duplicate, want 2", n)
	}
}

func TestCallServiceRoundTrip(t *testing.T) {
	fake := &fakeHA{}
	ts := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer ts.Close()

	f := newClientFixture(t, ts.URL)
	f.start(t)
	waitFor(t, 3*time.Second, func() bool { return f.client.Connected() })

	err := f.client.CallService(context.Background(), "light", "turn_on",
		map[string]any{"entity_id": "light.porch"},
		map[string]any{"brightness": 200})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	waitFor(t, time.Second, func() bool { return fake.callCount() == 1 })

	fake.mu.Lock()
	call := fake.calls[0]
	fake.mu.Unlock()
	if call["domain"] != "light" || call["service"] != "turn_on" {
		t.Errorf("recorded call = %v", call)
	}
	if _, ok := call["service_data"]; !ok {
		t.Error("service_data missing from call")
	}

	fake.mu.Lock()
	fake.failCalls = true
	fake.mu.Unlock()
	if err := f.client.CallService(context.Background(), "light", "explode", nil, nil); err == nil {
		t.Error("expected error from rejected service call")
	}
}

func TestClientAuthInvalid(t *testing.T) {
	fake := &fakeHA{authFail: true}
	ts := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer ts.Close()

	f := newClientFixture(t, ts.URL)
	f.start(t)

	time.Sleep(200 * time.Millisecond)
	if f.client.Connected() {
		t.Error("client should not report connected after auth_invalid")
	}
	if f.store.Count() != 0 {
		t.Errorf("no entities should sync, got %d", f.store.Count())
	}
}

func TestWSURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "http://ha.local:8123", want: "ws://ha.local:8123/api/websocket"},
		{in: "https://ha.example.com", want: "wss://ha.example.com/api/websocket"},
		{in: "ws://ha.local:8123/api/websocket", want: "ws://ha.local:8123/api/websocket"},
		{in: "ftp://ha.local", err: true},
	}
	for _, tc := range cases {
		got, err := wsURL(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("wsURL(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("wsURL(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("wsURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
