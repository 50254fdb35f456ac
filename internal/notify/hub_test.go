package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type received struct {
	clientID string
	msg      Message
}

func startHub(t *testing.T) (*Hub, *httptest.Server, chan received) {
	t.Helper()
	inbound := make(chan received, 8)
	hub := NewHub(discardLogger(), func(id string, msg Message) {
		inbound <- received{clientID: id, msg: msg}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Serve(ctx)
		close(done)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, srv, inbound
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestHub_Broadcast_reaches_client(t *testing.T) {
	hub, srv, _ := startHub(t)
	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)

	msg, err := NewMessage("UPDATE_SOURCES", map[string]any{"ready": true})
	if err != nil {
		t.Fatal(err)
	}
	if !hub.Broadcast(msg) {
		t.Fatal("broadcast dropped")
	}

	got := readMessage(t, conn)
	if got.Type != "UPDATE_SOURCES" {
		t.Fatalf("type = %q", got.Type)
	}
	var payload struct {
		Ready bool `json:"ready"`
	}
	if err := got.Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if !payload.Ready {
		t.Error("expected ready=true in payload")
	}
}

func TestHub_inbound_message_delivered(t *testing.T) {
	hub, srv, inbound := startHub(t)
	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)

	body := `{"type":"SET_CONFIG","data":{"sources":["rtsp://cam/1"],"updateIntervalMs":3000}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(body)); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-inbound:
		if r.msg.Type != "SET_CONFIG" {
			t.Errorf("type = %q", r.msg.Type)
		}
		if r.clientID == "" {
			t.Error("expected a client id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not delivered")
	}
}

func TestHub_ping_answered_with_pong(t *testing.T) {
	hub, srv, inbound := startHub(t)
	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"PING"}`)); err != nil {
		t.Fatal(err)
	}
	if got := readMessage(t, conn); got.Type != TypePong {
		t.Errorf("type = %q, want %q", got.Type, TypePong)
	}
	select {
	case r := <-inbound:
		t.Errorf("ping must not reach the inbound handler, got %q", r.msg.Type)
	default:
	}
}

func TestHub_rejects_cross_origin(t *testing.T) {
	_, srv, _ := startHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"http://elsewhere.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake to fail for a foreign origin")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHub_disconnect_unregisters(t *testing.T) {
	hub, srv, _ := startHub(t)
	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)

	_ = conn.Close()
	waitForClients(t, hub, 0)
}

func TestMessage_Decode_empty_payload(t *testing.T) {
	var v map[string]any
	if err := (Message{Type: "X"}).Decode(&v); err == nil {
		t.Error("expected error for empty payload")
	}
}
