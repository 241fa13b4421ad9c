package ws

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
	"go.uber.org/zap"

	"github.com/Faffstifu/wake-o-matic/internal/pipeline"
)

func startHub(t *testing.T) (*StatusHub, string, context.CancelFunc) {
	t.Helper()
	hub := NewStatusHub(zap.NewNop())
	srv := httptest.NewServer(NewHandler(hub, nil))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status", cancel
}

func dial(t *testing.T, hub *StatusHub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func statusEvent(status pipeline.SleepStatus, action string) *pipeline.StatusEvent {
	return &pipeline.StatusEvent{
		SessionID: "s-1",
		Cycle:     4,
		Previous:  pipeline.Awake,
		Status:    status,
		Action:    action,
		Timestamp: time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC),
	}
}

func TestStatusHub_BroadcastsStatus(t *testing.T) {
	hub, url, _ := startHub(t)
	first := dial(t, hub, url, 1)
	second := dial(t, hub, url, 2)

	hub.OnStatus(statusEvent(pipeline.Asleep, "alarm"))

	for _, conn := range []*websocket.Conn{first, second} {
		var msg StatusMessage
		readJSON(t, conn, &msg)
		assert.Equal(t, "status", msg.Type)
		assert.Equal(t, "s-1", msg.SessionID)
		assert.Equal(t, 4, msg.Cycle)
		assert.Equal(t, "awake", msg.Previous)
		assert.Equal(t, "asleep", msg.Status)
		assert.Equal(t, "alarm", msg.Action)
	}
}

func TestStatusHub_NewClientGetsCurrentStatus(t *testing.T) {
	hub, url, _ := startHub(t)
	hub.OnStatus(statusEvent(pipeline.NoFace, "warning"))
	require.Eventually(t, func() bool { return len(hub.outbound) == 0 }, 2*time.Second, 10*time.Millisecond)

	conn := dial(t, hub, url, 1)
	var msg StatusMessage
	readJSON(t, conn, &msg)
	assert.Equal(t, "no_face", msg.Status)
	assert.Equal(t, "warning", msg.Action)
}

func TestStatusHub_BroadcastsDiagnostics(t *testing.T) {
	hub, url, _ := startHub(t)
	conn := dial(t, hub, url, 1)

	hub.OnDiagnostic(&pipeline.DiagnosticEvent{
		SessionID: "s-1",
		Kind:      pipeline.DiagnosticDetectionTimeout,
		Detail:    "no classification in 5s",
	})

	var msg DiagnosticMessage
	readJSON(t, conn, &msg)
	assert.Equal(t, "diagnostic", msg.Type)
	assert.Equal(t, string(pipeline.DiagnosticDetectionTimeout), msg.Kind)
	assert.Equal(t, "no classification in 5s", msg.Detail)
}

func TestStatusHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, url, _ := startHub(t)
	conn := dial(t, hub, url, 1)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStatusHub_ShutdownClosesClients(t *testing.T) {
	hub, url, cancel := startHub(t)
	conn := dial(t, hub, url, 1)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestStatusHub_QueueNeverBlocks(t *testing.T) {
	hub := NewStatusHub(nil)
	for i := 0; i < outboundCap+5; i++ {
		hub.OnStatus(statusEvent(pipeline.Awake, "awake"))
	}
	assert.Equal(t, uint64(5), hub.Dropped())
}
