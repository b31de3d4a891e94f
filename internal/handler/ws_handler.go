package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"novel-stream/internal/config"
	"novel-stream/internal/engine"
	"novel-stream/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrConnectionClosed - событие не доставлено, соединение уже закрыто.
var ErrConnectionClosed = errors.New("websocket connection closed")

// incomingBuffer - сколько декодированных событий может ждать обработки.
const incomingBuffer = 8

// WebSocketHandler обрабатывает запросы на установку WebSocket соединения.
type WebSocketHandler struct {
	manager  *ConnectionManager
	engine   *engine.Engine
	cfg      config.WSConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewWebSocketHandler создает обработчик. allowedOrigins со значением "*" разрешает любой Origin.
func NewWebSocketHandler(manager *ConnectionManager, eng *engine.Engine, cfg config.WSConfig, allowedOrigins []string, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager: manager,
		engine:  eng,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With().Str("component", "WebSocketHandler").Logger(),
	}
}

// originChecker разрешает запросы без Origin (CLI клиенты) и из списка allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWS обрабатывает входящий HTTP запрос для WebSocket.
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader уже ответил клиенту
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	connID := uuid.NewString()
	logger := h.logger.With().Str("connID", connID).Logger()
	logger.Info().Str("remote", r.RemoteAddr).Msg("WebSocket connection established")

	client := newClient(connID, conn, h.cfg, logger)
	conv := h.engine.NewConversation(connID, client)
	h.manager.RegisterClient(client)

	go client.writePump()
	go client.readPump()
	go client.handleLoop(conv, h.manager)
}

type incomingEvent struct {
	msg protocol.Message
	err error
}

// Client - одно WebSocket соединение с клиентом историй.
// События соединения обрабатываются по одному в handleLoop.
type Client struct {
	ID       string
	conn     *websocket.Conn
	cfg      config.WSConfig
	send     chan []byte
	incoming chan incomingEvent
	done     chan struct{}
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	logger   zerolog.Logger
}

func newClient(id string, conn *websocket.Conn, cfg config.WSConfig, logger zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:       id,
		conn:     conn,
		cfg:      cfg,
		send:     make(chan []byte, buffer),
		incoming: make(chan incomingEvent, incomingBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Emit ставит событие в очередь записи. Блокирует при полной очереди,
// чтобы не терять фрагменты текста, пока соединение живо.
func (c *Client) Emit(msg protocol.Message) error {
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- raw:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	}
}

// shutdown прерывает текущий шаг истории и останавливает насосы.
func (c *Client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
}

// readPump читает кадры и передает декодированные события в handleLoop.
func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
		close(c.incoming)
		c.logger.Info().Msg("readPump finished")
	}()

	if c.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.logger.Debug().Msg("Pong received")
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			} else {
				c.logger.Info().Msg("WebSocket connection closed (expected)")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		msg, err := protocol.DecodeClientEvent(raw)
		if err != nil {
			c.logger.Warn().Err(err).Bytes("frame", raw).Msg("Malformed client event")
		}
		select {
		case c.incoming <- incomingEvent{msg: msg, err: err}:
		case <-c.done:
			return
		}
	}
}

// handleLoop последовательно передает события движку.
func (c *Client) handleLoop(conv *engine.Conversation, manager *ConnectionManager) {
	defer func() {
		conv.Close(context.Background())
		manager.UnregisterClient(c.ID)
		c.logger.Info().Msg("handleLoop finished")
	}()

	for ev := range c.incoming {
		var err error
		if ev.err != nil {
			err = conv.Reject(ev.err)
		} else {
			c.logger.Debug().Str("event", string(ev.msg.Event())).Msg("Client event received")
			err = conv.Handle(c.ctx, ev.msg)
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to deliver engine events, closing connection")
			c.shutdown()
		}
	}
}

// writePump пишет события из очереди и периодические пинги.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.logger.Info().Msg("writePump finished")
	}()

	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.logger.Error().Err(err).Msg("Failed to write message")
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send ping")
				c.shutdown()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush дописывает уже поставленные в очередь события перед закрытием.
func (c *Client) flush() {
	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		default:
			return
		}
	}
}
