package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"novel-stream/internal/config"
	"novel-stream/internal/engine"
	"novel-stream/internal/engine/ai"
	"novel-stream/internal/handler"
	"novel-stream/internal/messaging"
	"novel-stream/internal/mocks"
	"novel-stream/internal/protocol"
	"novel-stream/internal/repository"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var wsConfig = config.WSConfig{
	WriteWait:      time.Second,
	PongWait:       5 * time.Second,
	MaxMessageSize: 4096,
	SendBuffer:     16,
}

type testServer struct {
	url     string
	manager *handler.ConnectionManager
	ai      *mocks.MockAIClient
}

func newTestServer(t *testing.T, origins ...string) *testServer {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	aiClient := mocks.NewMockAIClient(t)
	eng := engine.New(repository.NewMemoryRepository(), aiClient, ai.ApproxCounter{}, messaging.NoopPublisher{},
		engine.Config{Mode: config.EngineModeChoice, DecisionsPerStory: 3, OptionsPerDecision: 3}, zap.NewNop())

	manager := handler.NewConnectionManager(zerolog.Nop())
	h := handler.NewWebSocketHandler(manager, eng, wsConfig, origins, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		manager.Shutdown()
		srv.Close()
	})
	return &testServer{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		manager: manager,
		ai:      aiClient,
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func read(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeServerEvent(raw)
	require.NoError(t, err)
	return msg
}

func TestWebSocketHandler_StoryExchange(t *testing.T) {
	srv := newTestServer(t)
	srv.ai.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("TYPE: path\n1. Left\n2. Right", ai.Usage{}, nil).Once()
	srv.ai.On("Stream", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			onChunk := args.Get(3).(func(string) error)
			_ = onChunk("You go ")
			_ = onChunk("left.")
		}).
		Return(ai.Usage{}, nil).Once()
	srv.ai.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("TYPE: companion\n1. Owl", ai.Usage{}, nil).Once()

	conn := dial(t, srv.url)
	send(t, conn, protocol.StartStoryPayload{})

	initial, ok := read(t, conn).(protocol.InitialChoicesPayload)
	require.True(t, ok)
	assert.Equal(t, []string{"Left", "Right"}, initial.Choices)
	assert.Equal(t, protocol.NodeID(0), initial.CurrentNodeID)

	send(t, conn, protocol.MakeChoicePayload{StoryID: initial.StoryID, CurrentNodeID: 0, UserChoice: "Right"})
	assert.Equal(t, protocol.StoryUpdatePayload{Content: "You go "}, read(t, conn))
	assert.Equal(t, protocol.StoryUpdatePayload{Content: "left."}, read(t, conn))
	assert.Equal(t, protocol.NextChoicesPayload{CurrentNodeID: 1, NextChoiceType: "companion", Choices: []string{"Owl"}}, read(t, conn))
}

func TestWebSocketHandler_MalformedFrameKeepsConnection(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv.url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"teleport"}`)))
	assert.Equal(t, protocol.ErrorPayload{Message: engine.MsgInvalidData}, read(t, conn))

	send(t, conn, protocol.MakeChoicePayload{StoryID: "missing", CurrentNodeID: 0, UserChoice: "Left"})
	assert.Equal(t, protocol.ErrorPayload{Message: engine.MsgInvalidData}, read(t, conn))
}

func TestWebSocketHandler_RegistersConnections(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv.url)

	assert.Eventually(t, func() bool { return srv.manager.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()

	assert.Eventually(t, func() bool { return srv.manager.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHandler_ShutdownClosesConnections(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv.url)
	require.Eventually(t, func() bool { return srv.manager.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.manager.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocketHandler_OriginCheck(t *testing.T) {
	srv := newTestServer(t, "https://novel.example")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.DialContext(context.Background(), srv.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header = http.Header{"Origin": []string{"https://novel.example"}}
	conn, resp, err := websocket.DefaultDialer.DialContext(context.Background(), srv.url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}
