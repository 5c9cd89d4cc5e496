package progress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func collect(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	for len(out) < n {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("got %d events, want %d", len(out), n)
		}
	}
	return out
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestWebsocketDialer_NormalClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("Detecting scenes"))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		conn.ReadMessage()
	}))
	defer server.Close()

	events := make(chan Event, 8)
	d := &WebsocketDialer{}
	conn, err := d.Dial(context.Background(), wsURL(server), func(ev Event) { events <- ev })
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	got := collect(t, events, 3)
	if got[0].Kind != EventOpen {
		t.Errorf("first event = %v, want open", got[0].Kind)
	}
	if got[1].Kind != EventMessage || got[1].Text != "Detecting scenes" {
		t.Errorf("second event = %+v", got[1])
	}
	if got[2].Kind != EventClose {
		t.Errorf("third event = %v, want close without error", got[2].Kind)
	}
}

func TestWebsocketDialer_AbnormalClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.UnderlyingConn().Close()
	}))
	defer server.Close()

	events := make(chan Event, 8)
	d := &WebsocketDialer{}
	conn, err := d.Dial(context.Background(), wsURL(server), func(ev Event) { events <- ev })
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	got := collect(t, events, 3)
	if got[0].Kind != EventOpen || got[1].Kind != EventError || got[2].Kind != EventClose {
		t.Errorf("events = %+v, want open, error, close", got)
	}
}

func TestWebsocketDialer_Refused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(server)
	server.Close()

	d := &WebsocketDialer{}
	called := false
	if _, err := d.Dial(context.Background(), url, func(Event) { called = true }); err == nil {
		t.Fatal("expected dial error")
	}
	if called {
		t.Error("no event should be emitted for a failed dial")
	}
}

func TestManager_WithWebsocketServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("Generating clip 2 of 5"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	m := NewManager(wsURL(server), &WebsocketDialer{}, 10*time.Millisecond, testLogger())
	m.Activate(context.Background())
	defer m.Deactivate()

	deadline := time.Now().Add(5 * time.Second)
	for m.CurrentText() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.CurrentText(); got != "Generating clip 2 of 5" {
		t.Errorf("text = %q", got)
	}
	if m.State() != Open {
		t.Errorf("state = %s, want open", m.State())
	}
}
