package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"novel-stream/internal/client"
	"novel-stream/internal/config"
	"novel-stream/internal/protocol"
	"novel-stream/internal/session"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testWS = config.WSConfig{
	WriteWait:      time.Second,
	PongWait:       5 * time.Second,
	MaxMessageSize: 4096,
}

// scriptedEngine отвечает на каждое клиентское событие заранее заданными кадрами.
// Пустой ответ закрывает соединение.
func scriptedEngine(t *testing.T, replies map[protocol.EventName][]string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.DecodeClientEvent(raw)
			if err != nil {
				return
			}
			frames, ok := replies[msg.Event()]
			if !ok || len(frames) == 0 {
				return
			}
			for _, f := range frames {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server) *client.Transport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr, err := client.Dial(ctx, wsURL(srv), testWS, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTransport_EndToEndStory(t *testing.T) {
	srv := scriptedEngine(t, map[protocol.EventName][]string{
		protocol.EventStartStory: {
			`{"event":"initial_choices","data":{"story_id":"s-1","current_node_id":0,"choice_type":"path","choices":["left","right"]}}`,
		},
		protocol.EventMakeChoice: {
			`{"event":"story_update","data":{"content":"Once upon a time, "}}`,
			`{"event":"story_update","data":{"content":"a hero emerged."}}`,
			`{"event":"final_story","data":{"content":"They lived happily."}}`,
		},
	})
	r, _ := startRunner(t, dial(t, srv))
	ctx := context.Background()

	require.NoError(t, r.Begin(ctx))
	snap := waitFor(t, r, "awaiting choice", modeIs(session.ModeAwaitingChoice))
	assert.Equal(t, session.ChoiceSet{ChoiceType: "path", Options: []string{"left", "right"}}, snap.Decision)

	require.NoError(t, r.Choose(ctx, "right"))
	snap = waitFor(t, r, "completed", modeIs(session.ModeCompleted))
	assert.Equal(t, "Once upon a time, a hero emerged."+session.EndMarker+"They lived happily.", snap.Transcript())
}

func TestTransport_MalformedFrameFailsSession(t *testing.T) {
	srv := scriptedEngine(t, map[protocol.EventName][]string{
		protocol.EventStartStory: {
			`{"event":"initial_choices","data":{"story_id":"s-1","current_node_id":0,"choice_type":"path","choices":["left"]}}`,
		},
		protocol.EventMakeChoice: {
			`{"event":"story_update","data":{"content":"kept"}}`,
			`{"event":"story_update","data":{}}`,
		},
	})
	r, _ := startRunner(t, dial(t, srv))
	ctx := context.Background()

	require.NoError(t, r.Begin(ctx))
	waitFor(t, r, "awaiting choice", modeIs(session.ModeAwaitingChoice))
	require.NoError(t, r.Choose(ctx, "left"))

	snap := waitFor(t, r, "failed", modeIs(session.ModeFailed))
	assert.Equal(t, "kept", snap.Transcript())
	assert.ErrorIs(t, snap.Failure, session.ErrProtocolViolation)
}

func TestTransport_ServerHangupFailsSession(t *testing.T) {
	srv := scriptedEngine(t, map[protocol.EventName][]string{
		protocol.EventStartStory: {
			`{"event":"llm_question","data":{"story_id":"s-1","current_node_id":0,"question":"Who?"}}`,
		},
		// user_response без ответа: сервер закрывает соединение
	})
	r, result := startRunner(t, dial(t, srv))
	ctx := context.Background()

	require.NoError(t, r.Begin(ctx))
	waitFor(t, r, "awaiting answer", modeIs(session.ModeAwaitingFreeform))
	require.NoError(t, r.Answer(ctx, "me"))

	snap := waitFor(t, r, "failed", modeIs(session.ModeFailed))
	assert.Equal(t, session.DisconnectMessage, snap.FailureMessage)
	assert.ErrorIs(t, <-result, client.ErrDisconnected)
}

func TestTransport_SendAfterClose(t *testing.T) {
	srv := scriptedEngine(t, nil)
	tr := dial(t, srv)

	require.NoError(t, tr.Close())
	<-tr.Done()

	assert.ErrorIs(t, tr.Send(protocol.StartStoryPayload{}), client.ErrClosed)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Dial(ctx, "ws://127.0.0.1:1/ws", testWS, zerolog.Nop())
	assert.Error(t, err)
}
