package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialStatus(t *testing.T, srv *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + testToken
	return websocket.DefaultDialer.Dial(url, header)
}

func TestWebsocket_PushesStatusChanges(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.cfg.Hub.Run(ctx, func() any { return buildStatus(env.cfg) })

	conn, _, err := dialStatus(t, srv, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial StatusResponse
	if err := conn.ReadJSON(&initial); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if initial.Phase != "idle" || initial.JobID == "" {
		t.Fatalf("initial = %+v", initial)
	}

	newID := env.machine.Reset()
	for {
		var next StatusResponse
		if err := conn.ReadJSON(&next); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if next.JobID == newID {
			break
		}
	}
}

func TestWebsocket_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.com")
	_, resp, err := dialStatus(t, srv, header)
	if err == nil {
		t.Fatal("expected handshake failure for foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestHub_NotifyCoalesces(t *testing.T) {
	hub := NewHub(testLogger())
	for i := 0; i < 10; i++ {
		hub.Notify()
	}
	if len(hub.notify) != 1 {
		t.Errorf("pending notifications = %d, want 1", len(hub.notify))
	}
	if hub.Len() != 0 {
		t.Errorf("clients = %d", hub.Len())
	}
}
