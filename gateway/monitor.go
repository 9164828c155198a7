// Package gateway bridges the protocol event stream to WebSocket clients.
// A Monitor subscribes to birth, death and result topics on any Transport
// and fans events out to connected clients as JSON envelopes. Slow clients
// are disconnected rather than buffered unboundedly.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/taskwire/errors"
	"github.com/c360/taskwire/protocol"
	"github.com/c360/taskwire/transport"
)

// Event is the envelope sent to WebSocket clients for every observed
// protocol message.
type Event struct {
	Type       string          `json:"type"` // birth, death or result
	DeviceID   string          `json:"device_id"`
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	ObservedAt time.Time       `json:"observed_at"`
}

// sendBuffer is the per-client outbound queue depth. A client that falls
// this far behind is disconnected.
const sendBuffer = 64

// client is one connected WebSocket consumer.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// Monitor serves the protocol event stream over WebSocket.
type Monitor struct {
	tr     transport.Transport
	port   int
	path   string
	logger *slog.Logger

	upgrader  websocket.Upgrader
	server    *http.Server
	tlsConfig *tls.Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	subs []transport.Subscription

	lifecycleMu sync.Mutex
	running     bool
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the monitor's structured logger.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithAddress sets the listen port and WebSocket path.
func WithAddress(port int, path string) MonitorOption {
	return func(m *Monitor) {
		m.port = port
		m.path = path
	}
}

// WithTLS serves the endpoint over TLS.
func WithTLS(cfg *tls.Config) MonitorOption {
	return func(m *Monitor) {
		m.tlsConfig = cfg
	}
}

// NewMonitor creates a monitor over an already-connected transport.
func NewMonitor(tr transport.Transport, opts ...MonitorOption) (*Monitor, error) {
	if tr == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nil transport"), "Monitor", "NewMonitor", "validate arguments")
	}

	m := &Monitor{
		tr:     tr,
		port:   8082,
		path:   "/ws",
		logger: slog.Default().With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Handler returns the WebSocket upgrade handler, for embedding the
// monitor in an existing HTTP server.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(m.handleWebSocket)
}

// Start subscribes to the protocol topics and begins serving WebSocket
// upgrades on the configured port.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.running {
		return errors.ErrAlreadyStarted
	}

	for kind, topic := range map[string]string{
		"birth":  protocol.BirthTopic(protocol.Wildcard),
		"death":  protocol.DeathTopic(protocol.Wildcard),
		"result": protocol.ResultTopic(protocol.Wildcard),
	} {
		kind := kind
		sub, err := m.tr.Subscribe(ctx, topic, func(_ context.Context, topic string, payload []byte) {
			m.broadcast(kind, topic, payload)
		})
		if err != nil {
			m.unsubscribeAll()
			return errors.Wrap(err, "Monitor", "Start", "subscribe "+kind)
		}
		m.subs = append(m.subs, sub)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(m.path, m.handleWebSocket)
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", m.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         m.tlsConfig,
	}

	go func() {
		var err error
		if m.tlsConfig != nil {
			err = m.server.ListenAndServeTLS("", "")
		} else {
			err = m.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			m.logger.Error("monitor server failed", "error", err)
		}
	}()

	m.running = true
	m.logger.Info("monitor started", "port", m.port, "path", m.path)
	return nil
}

// Stop shuts the server down and disconnects every client.
func (m *Monitor) Stop(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false

	m.unsubscribeAll()

	var err error
	if m.server != nil {
		err = m.server.Shutdown(ctx)
		m.server = nil
	}

	m.clientsMu.Lock()
	for c := range m.clients {
		m.closeClient(c)
	}
	m.clients = make(map[*client]struct{})
	m.clientsMu.Unlock()

	m.logger.Info("monitor stopped")
	return err
}

// ClientCount returns the number of connected WebSocket clients.
func (m *Monitor) ClientCount() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

func (m *Monitor) unsubscribeAll() {
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Debug("unsubscribe failed", "topic", sub.Topic(), "error", err)
		}
	}
	m.subs = nil
}

// broadcast fans one protocol event out to every connected client. Clients
// whose send queue is full are disconnected; the event stream never blocks
// on a slow consumer.
func (m *Monitor) broadcast(kind, topic string, payload []byte) {
	deviceID, _, err := protocol.ParseTopic(topic)
	if err != nil {
		m.logger.Warn("event on unparseable topic", "topic", topic, "error", err)
		return
	}

	data, err := json.Marshal(Event{
		Type:       kind,
		DeviceID:   deviceID,
		Topic:      topic,
		Payload:    json.RawMessage(payload),
		ObservedAt: time.Now().UTC(),
	})
	if err != nil {
		m.logger.Error("event marshal failed", "topic", topic, "error", err)
		return
	}

	m.clientsMu.RLock()
	var slow []*client
	for c := range m.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	m.clientsMu.RUnlock()

	for _, c := range slow {
		m.logger.Warn("disconnecting slow client", "remote", c.conn.RemoteAddr())
		m.removeClient(c)
	}
}

func (m *Monitor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	m.clientsMu.Lock()
	m.clients[c] = struct{}{}
	count := len(m.clients)
	m.clientsMu.Unlock()
	m.logger.Debug("client connected", "remote", conn.RemoteAddr(), "clients", count)

	go m.writeLoop(c)
	go m.readLoop(c)
}

// writeLoop drains the client's send queue. gorilla/websocket forbids
// concurrent writes, so this goroutine is the only writer.
func (m *Monitor) writeLoop(c *client) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.removeClient(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.removeClient(c)
				return
			}
		}
	}
}

// readLoop consumes inbound frames so close and pong frames are
// processed. The monitor is one-way; client payloads are discarded.
func (m *Monitor) readLoop(c *client) {
	defer m.removeClient(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *Monitor) removeClient(c *client) {
	m.clientsMu.Lock()
	delete(m.clients, c)
	m.clientsMu.Unlock()
	m.closeClient(c)
}

func (m *Monitor) closeClient(c *client) {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}
