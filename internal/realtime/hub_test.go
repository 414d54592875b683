package realtime_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaydesk/relaydesk/internal/realtime"
)

func startHub(t *testing.T, userID string) (*realtime.Hub, *websocket.Conn) {
	t.Helper()
	hub := realtime.NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.Serve(w, r, userID); err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	return hub, conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func readEvent(t *testing.T, conn *websocket.Conn) realtime.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var event realtime.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", payload, err)
	}
	return event
}

func TestBroadcastReachesSubscribedClient(t *testing.T) {
	hub, conn := startHub(t, "user-a")

	hub.Broadcast("user-a", realtime.Event{
		Type:           "message.received",
		ConversationID: "conv-1",
		Platform:       "whatsapp",
		Direction:      "inbound",
		Content:        "hello",
	})

	event := readEvent(t, conn)
	if event.Type != "message.received" {
		t.Fatalf("Type = %q, want message.received", event.Type)
	}
	if event.ConversationID != "conv-1" {
		t.Fatalf("ConversationID = %q, want conv-1", event.ConversationID)
	}
	if event.At.IsZero() {
		t.Fatal("At is zero, want broadcast timestamp")
	}
}

func TestBroadcastIsTenantScoped(t *testing.T) {
	hub, conn := startHub(t, "user-b")

	hub.Broadcast("user-a", realtime.Event{Type: "message.received", ConversationID: "other-tenant"})
	hub.Broadcast("user-b", realtime.Event{Type: "conversation.updated", ConversationID: "mine"})

	event := readEvent(t, conn)
	if event.ConversationID != "mine" {
		t.Fatalf("ConversationID = %q, want mine", event.ConversationID)
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	t.Parallel()

	hub := realtime.NewHub(nil)
	done := make(chan struct{})
	go func() {
		hub.Broadcast("nobody", realtime.Event{Type: "message.received"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked with no clients connected")
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	hub, conn := startHub(t, "user-a")

	hub.Stop()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 4; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
	t.Fatal("connection still open after Stop()")
}
