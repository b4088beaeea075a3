package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kljama/fleetmon/internal/models"
)

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/updates"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebsocketReceivesStateEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, srv := newTestServer(t, &fakeAPIStore{}, &fakeHistory{}, &fakeDiscoverer{})
	go s.Run(ctx)

	conn := dialWS(t, srv)
	waitForClients(t, s.hub, 1)

	s.HandleStateEvent(models.StateEvent{
		Kind: models.EventDeviceDown, DeviceID: 42, IP: "10.1.1.20",
		Old: "up", New: "down", At: time.Now().UTC(),
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "state", msg.Stream)
	payload := msg.Payload.(map[string]any)
	assert.Equal(t, models.EventDeviceDown, payload["kind"])
	assert.Equal(t, float64(42), payload["device_id"])
}

func TestWebsocketReceivesProblemEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, srv := newTestServer(t, &fakeAPIStore{}, &fakeHistory{}, &fakeDiscoverer{})
	go s.Run(ctx)

	conn := dialWS(t, srv)
	waitForClients(t, s.hub, 1)

	s.HandleProblemEvent(models.ProblemEvent{
		Kind: models.EventProblemOpened, ProblemID: 7,
		RuleName: "isp-router-down", DeviceID: 5,
		Severity: models.SeverityCritical, At: time.Now().UTC(),
	})

	msg := readMessage(t, conn)
	assert.Equal(t, "problems", msg.Stream)
	payload := msg.Payload.(map[string]any)
	assert.Equal(t, "isp-router-down", payload["rule_name"])
}

func TestWebsocketBroadcastReachesAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, srv := newTestServer(t, &fakeAPIStore{}, &fakeHistory{}, &fakeDiscoverer{})
	go s.Run(ctx)

	a := dialWS(t, srv)
	b := dialWS(t, srv)
	waitForClients(t, s.hub, 2)

	s.HandleStateEvent(models.StateEvent{Kind: models.EventDeviceUp, DeviceID: 9})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		assert.Equal(t, "state", msg.Stream)
	}
}

func TestWebsocketDisconnectDropsClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, srv := newTestServer(t, &fakeAPIStore{}, &fakeHistory{}, &fakeDiscoverer{})
	go s.Run(ctx)

	conn := dialWS(t, srv)
	waitForClients(t, s.hub, 1)

	conn.Close()
	waitForClients(t, s.hub, 0)
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("hub client count never reached %d (have %d)", want, h.ClientCount())
}
