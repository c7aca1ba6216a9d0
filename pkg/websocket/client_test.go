package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"trading_core/pkg/logging"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoServer upgrades every request and pushes one payload to the client.
func echoServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return
		}
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_DeliversMessages(t *testing.T) {
	srv := echoServer(t, `{"hello":"world"}`)

	received := make(chan []byte, 1)
	client := NewClient(wsURL(srv), func(message []byte) {
		select {
		case received <- message:
		default:
		}
	}, logging.NewNop())

	client.Start()
	t.Cleanup(client.Stop)

	select {
	case msg := <-received:
		require.JSONEq(t, `{"hello":"world"}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestClient_OnConnectedRuns(t *testing.T) {
	srv := echoServer(t, "ping")

	connected := make(chan struct{}, 1)
	client := NewClient(wsURL(srv), nil, logging.NewNop())
	client.SetOnConnected(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	client.Start()
	t.Cleanup(client.Stop)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("onConnected never fired")
	}
}

func TestClient_SendBeforeConnect(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/never", nil, logging.NewNop())
	err := client.Send(map[string]string{"op": "subscribe"})
	require.Error(t, err)
}
