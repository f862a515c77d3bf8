package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		n := len(hub.clients)
		hub.mu.RUnlock()
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", want)
}

// A dead connection discovered during a broadcast is evicted while live
// clients keep receiving; the per-connection ping goroutines check
// membership concurrently, so this path must hold the write lock.
func TestWSHub_BroadcastEvictsDeadClients(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	alive := dialHub(t, srv)
	defer alive.Close()
	dead := dialHub(t, srv)
	waitForClients(t, hub, 2)

	// Tear down the transport underneath the hub so writes to it fail.
	dead.UnderlyingConn().Close()

	for i := 0; i < 20; i++ {
		hub.Publish("ev1", "trade", map[string]int{"seq": i})
	}

	alive.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := alive.ReadMessage(); err != nil {
		t.Fatalf("live client should keep receiving broadcasts: %v", err)
	}
	waitForClients(t, hub, 1)
}
