package handler

import (
	"sync"

	"novel-stream/internal/metrics"

	"github.com/rs/zerolog"
)

// ConnectionManager управляет активными WebSocket соединениями.
type ConnectionManager struct {
	clients    map[string]*Client // connID -> Client
	register   chan *Client
	unregister chan string
	done       chan struct{}
	once       sync.Once
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewConnectionManager создает и запускает новый менеджер соединений.
func NewConnectionManager(logger zerolog.Logger) *ConnectionManager {
	m := &ConnectionManager{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan string),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "ConnectionManager").Logger(),
	}
	go m.run()
	return m
}

// run обрабатывает регистрацию и дерегистрацию клиентов.
func (m *ConnectionManager) run() {
	m.logger.Info().Msg("ConnectionManager started")
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			m.clients[client.ID] = client
			m.mu.Unlock()
			metrics.ActiveConnections.Inc()
			m.logger.Debug().Str("connID", client.ID).Msg("Client registered")

		case connID := <-m.unregister:
			m.mu.Lock()
			_, ok := m.clients[connID]
			delete(m.clients, connID)
			m.mu.Unlock()
			if ok {
				metrics.ActiveConnections.Dec()
				m.logger.Debug().Str("connID", connID).Msg("Client unregistered")
			}

		case <-m.done:
			m.logger.Info().Msg("ConnectionManager stopped")
			return
		}
	}
}

// RegisterClient регистрирует нового клиента. После Shutdown клиент сразу закрывается.
func (m *ConnectionManager) RegisterClient(client *Client) {
	select {
	case m.register <- client:
	case <-m.done:
		client.shutdown()
	}
}

// UnregisterClient удаляет клиента.
func (m *ConnectionManager) UnregisterClient(connID string) {
	select {
	case m.unregister <- connID:
	case <-m.done:
	}
}

// Count возвращает число зарегистрированных клиентов.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Shutdown останавливает менеджер и закрывает все соединения.
func (m *ConnectionManager) Shutdown() {
	m.once.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, client := range m.clients {
		client.shutdown()
		delete(m.clients, id)
		metrics.ActiveConnections.Dec()
	}
}
