package websocket_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/recbooth/recbooth/internal/websocket"
	"github.com/recbooth/recbooth/pkg/logger"
)

func newHub(t *testing.T) (*websocket.Server, *httptest.Server) {
	t.Helper()
	hub := websocket.NewServer(logger.NewNop())
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *gorilla.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *gorilla.Conn) websocket.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg websocket.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading message: %v", err)
	}
	return msg
}

func TestBroadcastReachesSubscribedClient(t *testing.T) {
	hub, srv := newHub(t)
	conn := dial(t, srv, "?token=tok_a")

	// registration races the broadcast; give the hub a beat
	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(&websocket.Message{
		Type:  websocket.MessageTypeStateChanged,
		Token: "tok_a",
		Data:  map[string]any{"state": "RECORDING", "marker": "state-recording"},
	})

	msg := readMessage(t, conn)
	if msg.Type != websocket.MessageTypeStateChanged {
		t.Fatalf("message type = %q", msg.Type)
	}
	if msg.Token != "tok_a" {
		t.Fatalf("message token = %q", msg.Token)
	}
	if msg.Data["marker"] != "state-recording" {
		t.Fatalf("message data = %v", msg.Data)
	}
}

func TestBroadcastFiltersByToken(t *testing.T) {
	hub, srv := newHub(t)
	conn := dial(t, srv, "?token=tok_mine")

	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(&websocket.Message{
		Type:  websocket.MessageTypeUploadProgress,
		Token: "tok_other",
		Data:  map[string]any{"seq": float64(1)},
	})
	hub.Broadcast(&websocket.Message{
		Type:  websocket.MessageTypeUploadProgress,
		Token: "tok_mine",
		Data:  map[string]any{"seq": float64(2)},
	})

	// only the message for the subscribed token arrives
	msg := readMessage(t, conn)
	if msg.Token != "tok_mine" {
		t.Fatalf("received message for wrong token: %q", msg.Token)
	}
	if msg.Data["seq"] != float64(2) {
		t.Fatalf("message data = %v", msg.Data)
	}
}

func TestSubscribeMessageBindsToken(t *testing.T) {
	hub, srv := newHub(t)
	conn := dial(t, srv, "")

	time.Sleep(50 * time.Millisecond)

	if err := conn.WriteJSON(websocket.Message{
		Type:  websocket.MessageTypeSubscribe,
		Token: "tok_late",
	}); err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	hub.Broadcast(&websocket.Message{
		Type:  websocket.MessageTypeStateChanged,
		Token: "tok_unrelated",
	})
	hub.Broadcast(&websocket.Message{
		Type:  websocket.MessageTypeStateChanged,
		Token: "tok_late",
	})

	msg := readMessage(t, conn)
	if msg.Token != "tok_late" {
		t.Fatalf("received message for wrong token: %q", msg.Token)
	}
}
