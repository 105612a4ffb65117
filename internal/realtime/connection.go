package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 1 << 20
	frameBufferSize        = 64
)

var (
	errMissingURL    = errors.New("realtime: websocket url is required")
	errMissingDialer = errors.New("realtime: dialer is required")

	// ErrAlreadyConnected indicates that Connect was called while the connection loop is running.
	ErrAlreadyConnected = errors.New("realtime: connection loop already running")
	// ErrNotConnected indicates that a frame could not be sent because the socket is down.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrRetriesExhausted indicates that the reconnect ceiling was reached.
	ErrRetriesExhausted = errors.New("realtime: reconnect attempts exhausted")
)

// ConnectionState enumerates the connection manager lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the observable connectivity of the manager.
type Status struct {
	State          ConnectionState `json:"state"`
	Attempt        int             `json:"attempt"`
	IsConnected    bool            `json:"isConnected"`
	IsReconnecting bool            `json:"isReconnecting"`
	LastError      string          `json:"lastError,omitempty"`
	ChangedAt      time.Time       `json:"changedAt"`
}

// Conn is the subset of *websocket.Conn the manager relies on.
type Conn interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(deadline time.Time) error
	SetWriteDeadline(deadline time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(handler func(appData string) error)
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with gorilla/websocket. HeaderFunc, when set, is consulted on every dial so
// short-lived credentials stay current across reconnects.
type WebSocketDialer struct {
	Dialer     *websocket.Dialer
	Header     http.Header
	HeaderFunc func() (http.Header, error)
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := d.Header.Clone()
	if d.HeaderFunc != nil {
		extra, err := d.HeaderFunc()
		if err != nil {
			return nil, fmt.Errorf("dial headers: %w", err)
		}
		if header == nil {
			header = http.Header{}
		}
		for key, values := range extra {
			header[key] = values
		}
	}
	conn, response, err := dialer.DialContext(ctx, url, header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Observer receives every recognized frame after it has been applied to the state.
type Observer interface {
	Observe(message Message)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(message Message)

// Observe implements Observer.
func (f ObserverFunc) Observe(message Message) {
	f(message)
}

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	URL             string
	Dialer          Dialer
	Strategy        ReconnectStrategy
	MaxAttempts     int
	Dispatcher      *Dispatcher
	Acks            *AckRouter
	Observers       []Observer
	InitialState    *State
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	Logger          *zap.Logger
	Clock           func() time.Time
}

// Manager owns the socket lifecycle, applies inbound frames to the state projection in arrival
// order, and forwards them to observers.
type Manager struct {
	url             string
	dialer          Dialer
	strategy        ReconnectStrategy
	maxAttempts     int
	dispatcher      *Dispatcher
	acks            *AckRouter
	pingInterval    time.Duration
	pongWait        time.Duration
	writeWait       time.Duration
	maxMessageBytes int64
	logger          *zap.Logger
	clock           func() time.Time
	metrics         managerMetrics

	state atomic.Pointer[State]

	observersMu sync.RWMutex
	observers   []Observer

	statusMu sync.RWMutex
	status   Status

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}

	connMu sync.Mutex
	conn   Conn
}

// NewManager validates the configuration and returns a disconnected manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	strategy := cfg.Strategy
	if strategy.BaseInterval <= 0 {
		strategy = DefaultReconnectStrategy(time.Second)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
	}
	acks := cfg.Acks
	if acks == nil {
		acks = NewAckRouter()
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = (pongWait * 9) / 10
	}
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	manager := &Manager{
		url:             cfg.URL,
		dialer:          cfg.Dialer,
		strategy:        strategy,
		maxAttempts:     cfg.MaxAttempts,
		dispatcher:      dispatcher,
		acks:            acks,
		pingInterval:    pingInterval,
		pongWait:        pongWait,
		writeWait:       writeWait,
		maxMessageBytes: maxMessageBytes,
		logger:          logger,
		clock:           clock,
		metrics:         newManagerMetrics(),
		observers:       append([]Observer(nil), cfg.Observers...),
		status:          Status{State: StateDisconnected, ChangedAt: clock().UTC()},
	}
	initial := cfg.InitialState
	if initial == nil {
		initial = NewState()
	}
	manager.state.Store(initial.WithConnected(false))
	return manager, nil
}

// Dispatcher exposes the fan-out used for state, typing, document and status events.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// Acks exposes the acknowledgment router fed by inbound ack/nack frames.
func (m *Manager) Acks() *AckRouter {
	return m.acks
}

// AddObserver registers an observer for subsequent frames.
func (m *Manager) AddObserver(observer Observer) {
	if observer == nil {
		return
	}
	m.observersMu.Lock()
	m.observers = append(m.observers, observer)
	m.observersMu.Unlock()
}

// State returns the current immutable snapshot.
func (m *Manager) State() *State {
	return m.state.Load()
}

// Seed replaces the projection wholesale, typically with a persisted snapshot before connecting.
func (m *Manager) Seed(state *State) {
	if state == nil {
		return
	}
	next := state.WithConnected(m.Status().IsConnected)
	m.state.Store(next)
	m.dispatcher.Publish(Event{Topic: TopicState, State: next, Timestamp: m.clock().UTC()})
}

// Status returns the current connectivity.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// IsConnected reports whether the socket is open.
func (m *Manager) IsConnected() bool {
	return m.Status().IsConnected
}

// IsReconnecting reports whether a reconnect is pending.
func (m *Manager) IsReconnecting() bool {
	return m.Status().IsReconnecting
}

// Connect starts the connection loop in the background.
func (m *Manager) Connect(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done

	go func() {
		err := m.Run(runCtx)
		if err != nil {
			m.logger.Warn("realtime connection loop stopped", zap.Error(err))
		}
		m.lifecycleMu.Lock()
		if m.done == done {
			m.cancel = nil
			m.done = nil
		}
		m.lifecycleMu.Unlock()
		cancel()
		close(done)
	}()
	return nil
}

// Disconnect stops the connection loop, cancels any pending reconnect timer and waits for teardown.
func (m *Manager) Disconnect() {
	m.lifecycleMu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.lifecycleMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run drives the connection state machine until ctx ends or reconnect attempts are exhausted.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			m.transition(StateDisconnected, 0, nil)
			return nil
		}

		m.transition(StateConnecting, attempt, nil)
		conn, err := m.dialer.Dial(ctx, m.url)
		if err != nil {
			if ctx.Err() != nil {
				m.transition(StateDisconnected, 0, nil)
				return nil
			}
			m.logger.Warn("realtime dial failed", zap.String("url", m.url), zap.Int("attempt", attempt), zap.Error(err))
			attempt++
			if err := m.waitForRetry(ctx, attempt, err); err != nil {
				return m.finish(err)
			}
			continue
		}

		attempt = 0
		m.attach(conn)
		m.transition(StateConnected, 0, nil)
		serveErr := m.serve(ctx, conn)
		m.detach(conn)

		if ctx.Err() != nil {
			m.transition(StateDisconnected, 0, nil)
			return nil
		}
		m.logger.Warn("realtime connection lost", zap.Error(serveErr))
		attempt = 1
		if err := m.waitForRetry(ctx, attempt, serveErr); err != nil {
			return m.finish(err)
		}
	}
}

// Send writes a JSON frame. It fails fast with ErrNotConnected while the socket is down.
func (m *Manager) Send(ctx context.Context, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.conn == nil || !m.IsConnected() {
		return ErrNotConnected
	}
	if err := m.conn.SetWriteDeadline(m.clock().Add(m.writeWait)); err != nil {
		return err
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) finish(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.transition(StateDisconnected, 0, nil)
		return nil
	}
	m.transition(StateDisconnected, 0, err)
	return err
}

func (m *Manager) waitForRetry(ctx context.Context, attempt int, cause error) error {
	if m.maxAttempts > 0 && attempt > m.maxAttempts {
		return ErrRetriesExhausted
	}
	delay := m.strategy.Delay(attempt)
	m.transition(StateReconnecting, attempt, cause)
	m.metrics.reconnecting(attempt)
	m.logger.Info("realtime reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) serve(ctx context.Context, conn Conn) error {
	conn.SetReadLimit(m.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(m.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.pongWait))
	})

	frames := make(chan []byte, frameBufferSize)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(frames)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(m.pongWait))
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			select {
			case frames <- payload:
			case <-stop:
				return
			}
		}
	}()

	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.writeControl(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return ctx.Err()
		case payload, ok := <-frames:
			if !ok {
				_ = conn.Close()
				return <-readErr
			}
			m.handleFrame(ctx, payload)
		case <-ticker.C:
			if err := m.writeControl(conn, websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return err
			}
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, payload []byte) {
	if ctx.Err() != nil {
		return
	}
	message, err := ParseMessage(payload)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrUnrecognizedType) {
			reason = "unrecognized"
		}
		m.metrics.dropped(reason)
		m.logger.Warn("realtime frame dropped", zap.String("reason", reason), zap.Error(err))
		return
	}

	if message.Type.IsAck() && !m.acks.Resolve(message) {
		m.logger.Debug("realtime acknowledgment unclaimed", zap.String("type", string(message.Type)))
	}

	current := m.state.Load()
	next, err := Apply(current, message)
	if err != nil {
		m.metrics.dropped("invalid_payload")
		m.logger.Warn("realtime frame rejected by reducer", zap.String("type", string(message.Type)), zap.Error(err))
		return
	}
	now := m.clock().UTC()
	if next != current {
		m.state.Store(next)
		m.dispatcher.Publish(Event{Topic: TopicState, Message: &message, State: next, Timestamp: now})
	}
	switch message.Type {
	case MessageTypeConversationTyping:
		m.dispatcher.Publish(Event{Topic: TopicTyping, Message: &message, Timestamp: now})
	case MessageTypeDocumentUpdated:
		m.dispatcher.Publish(Event{Topic: TopicDocument, Message: &message, Timestamp: now})
	}
	m.metrics.applied(message.Type)
	m.logger.Debug("realtime frame applied", zap.String("type", string(message.Type)), zap.String("timestamp", message.Timestamp))

	m.observersMu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.observersMu.RUnlock()
	for _, observer := range observers {
		observer.Observe(message)
	}
}

func (m *Manager) writeControl(conn Conn, messageType int, data []byte) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

func (m *Manager) attach(conn Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()
}

func (m *Manager) detach(conn Conn) {
	m.connMu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.connMu.Unlock()
}

func (m *Manager) transition(state ConnectionState, attempt int, cause error) {
	next := Status{
		State:          state,
		Attempt:        attempt,
		IsConnected:    state == StateConnected,
		IsReconnecting: state == StateReconnecting,
		ChangedAt:      m.clock().UTC(),
	}
	if cause != nil {
		next.LastError = cause.Error()
	}

	m.statusMu.Lock()
	previous := m.status
	m.status = next
	m.statusMu.Unlock()

	if previous.State != next.State {
		m.logger.Info("realtime connection state changed",
			zap.String("from", previous.State.String()),
			zap.String("to", next.State.String()),
			zap.Int("attempt", attempt))
	}
	if previous.State == next.State && previous.Attempt == next.Attempt && previous.LastError == next.LastError {
		return
	}

	statusCopy := next
	m.dispatcher.Publish(Event{Topic: TopicStatus, Status: &statusCopy, Timestamp: next.ChangedAt})

	current := m.state.Load()
	if updated := current.WithConnected(next.IsConnected); updated != current {
		m.state.Store(updated)
		m.dispatcher.Publish(Event{Topic: TopicState, State: updated, Timestamp: next.ChangedAt})
	}
}
