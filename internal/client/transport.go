package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"novel-stream/internal/config"
	"novel-stream/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Ошибки транспорта.
var (
	ErrClosed        = errors.New("transport closed")
	ErrSendQueueFull = errors.New("send queue is full")
)

const sendBuffer = 16

// Inbound - результат декодирования одного входящего кадра.
// Ровно одно из полей заполнено.
type Inbound struct {
	Msg protocol.Message
	Err error
}

// Transport - WebSocket соединение клиента с движком историй.
// Входящие кадры декодируются в readPump, исходящие пишет writePump.
// Закрытие канала Inbound() означает потерю соединения.
type Transport struct {
	conn    *websocket.Conn
	cfg     config.WSConfig
	send    chan []byte
	inbound chan Inbound
	done    chan struct{}
	once    sync.Once
	logger  zerolog.Logger
}

// Dial устанавливает соединение и запускает насосы чтения и записи.
func Dial(ctx context.Context, url string, cfg config.WSConfig, logger zerolog.Logger) (*Transport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	t := &Transport{
		conn:    conn,
		cfg:     cfg,
		send:    make(chan []byte, sendBuffer),
		inbound: make(chan Inbound, sendBuffer),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "Transport").Str("url", url).Logger(),
	}
	t.logger.Info().Msg("WebSocket connection established")

	go t.writePump()
	go t.readPump()
	return t, nil
}

// Send кодирует намерение и ставит его в очередь записи. Не блокирует.
func (t *Transport) Send(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- raw:
		t.logger.Debug().Str("event", string(msg.Event())).Msg("Intent queued")
		return nil
	case <-t.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Inbound возвращает канал входящих событий.
func (t *Transport) Inbound() <-chan Inbound {
	return t.inbound
}

// Done закрывается при остановке транспорта.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Close инициирует закрытие соединения. Повторные вызовы безопасны.
func (t *Transport) Close() error {
	t.shutdown()
	return nil
}

func (t *Transport) shutdown() {
	t.once.Do(func() { close(t.done) })
}

// readPump читает кадры, декодирует их и передает в Inbound().
func (t *Transport) readPump() {
	defer func() {
		t.shutdown()
		_ = t.conn.Close()
		close(t.inbound)
		t.logger.Info().Msg("readPump finished")
	}()

	if t.cfg.MaxMessageSize > 0 {
		t.conn.SetReadLimit(t.cfg.MaxMessageSize)
	}
	extend := func() { _ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait)) }
	extend()
	t.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	// Движок тоже пингует: продлеваем дедлайн и отвечаем pong.
	t.conn.SetPingHandler(func(appData string) error {
		extend()
		err := t.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.cfg.WriteWait))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn().Err(err).Msg("WebSocket read error")
			} else {
				t.logger.Info().Msg("WebSocket connection closed")
			}
			return
		}
		extend()

		msg, err := protocol.DecodeServerEvent(raw)
		in := Inbound{Msg: msg, Err: err}
		if err != nil {
			t.logger.Warn().Err(err).Bytes("frame", raw).Msg("Malformed inbound event")
			in.Msg = nil
		}
		select {
		case t.inbound <- in:
		case <-t.done:
			return
		}
	}
}

// writePump пишет исходящие кадры и периодические пинги.
func (t *Transport) writePump() {
	ticker := time.NewTicker(t.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
		t.logger.Info().Msg("writePump finished")
	}()

	for {
		select {
		case raw := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				t.logger.Error().Err(err).Msg("Failed to write message")
				t.shutdown()
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Warn().Err(err).Msg("Failed to send ping")
				t.shutdown()
				return
			}
		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
