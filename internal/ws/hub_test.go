package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_BroadcastsToClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zap.NewNop())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	a := dial(t, srv)
	b := dial(t, srv)

	// the dial can complete before the hub registers the client
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				hub.Notify("contact_status", map[string]string{"wa_id": "5565999990001", "status": "contacted"})
			}
		}
	}()

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev WSEvent
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, "contact_status", ev.Type)
		data, ok := ev.Data.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "contacted", data["status"])
	}
}

func TestHub_NotifyNeverBlocks(t *testing.T) {
	hub := NewHub(zap.NewNop())
	// Run is not started: the buffer fills and the rest are dropped
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Notify("message_sent", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked")
	}
}

func TestHub_StopClosesClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(zap.NewNop())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()
	conn := dial(t, srv)

	cancel()
	<-stopped

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
