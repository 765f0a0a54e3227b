// Package channel is the client side of the realtime socket. It owns one
// websocket transport per session, turns inbound frames into events on a
// single ordered stream and sends outbound events without queuing.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/4xmen/taskchat/internal/models"
)

var (
	ErrAuthRequired   = errors.New("auth credential required")
	ErrNotConnected   = errors.New("not connected")
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
	eventQueueSize = 256
)

// identityClaims are the claims the client reads from its own credential.
// The signature is not checked here; the server does that on upgrade.
type identityClaims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Session is one authenticated use of the channel. Connecting again ends
// the previous session.
type Session struct {
	ID   uuid.UUID
	User models.Sender

	token     string
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the session is replaced or the manager is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) end() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Identity reads the user snapshot out of a bearer credential without
// verifying it.
func Identity(token string) (models.Sender, error) {
	claims := &identityClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return models.Sender{}, fmt.Errorf("read credential: %w", err)
	}
	return models.Sender{ID: claims.UserID, Username: claims.Username, Avatar: claims.Avatar}, nil
}

type transport struct {
	conn    *websocket.Conn
	session *Session
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func (t *transport) close() {
	t.once.Do(func() {
		close(t.done)
		t.conn.Close()
	})
}

type Option func(*Manager)

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager maintains the connection to one server URL.
type Manager struct {
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger
	events chan models.Envelope
	closed chan struct{}

	mu        sync.Mutex
	current   *transport
	session   *Session
	closeOnce sync.Once
}

func New(url string, opts ...Option) *Manager {
	m := &Manager{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: zerolog.Nop(),
		events: make(chan models.Envelope, eventQueueSize),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events is the single ordered stream of inbound events, including the
// local connect and disconnect events. It is never closed.
func (m *Manager) Events() <-chan models.Envelope {
	return m.events
}

// Connect starts a session. It fails only when no credential is given; a
// refused or failed handshake arrives later as an error event on Events.
func (m *Manager) Connect(ctx context.Context, credential string) (*Session, error) {
	if credential == "" {
		return nil, ErrAuthRequired
	}

	user, err := Identity(credential)
	if err != nil {
		m.logger.Warn().Err(err).Msg("credential carries no readable identity")
	}

	s := &Session{
		ID:    uuid.New(),
		User:  user,
		token: credential,
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	m.replaceLocked(nil)
	if m.session != nil {
		m.session.end()
	}
	m.session = s
	m.mu.Unlock()

	go m.dial(ctx, s)
	return s, nil
}

func (m *Manager) dial(ctx context.Context, s *Session) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, resp, err := m.dialer.DialContext(ctx, m.url, header)
	if err != nil {
		msg := err.Error()
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			msg = "unauthorized"
		}
		m.logger.Error().Err(err).Str("url", m.url).Msg("websocket dial failed")
		m.deliver(s, localEvent(models.EventError, models.ServerError{Message: msg}))
		return
	}

	t := &transport{
		conn:    conn,
		session: s,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	if m.session != s || m.isClosed() {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.replaceLocked(t)
	m.mu.Unlock()

	m.logger.Info().Str("session", s.ID.String()).Int("user_id", s.User.ID).Msg("connected")
	m.deliver(s, localEvent(models.EventConnect, nil))

	go m.writePump(t)
	go m.readPump(t)
}

// replaceLocked swaps the live transport. m.mu must be held.
func (m *Manager) replaceLocked(t *transport) {
	if m.current != nil {
		m.current.close()
	}
	m.current = t
}

func localEvent(name string, payload any) models.Envelope {
	env := models.Envelope{Event: name}
	if payload != nil {
		env.Data, _ = json.Marshal(payload)
	}
	return env
}

// deliver queues an event for the consumer unless the session is over.
func (m *Manager) deliver(s *Session, env models.Envelope) {
	select {
	case m.events <- env:
	case <-s.done:
	case <-m.closed:
	}
}

// Connected reports whether a live transport exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Emit sends one event now. Nothing is queued while disconnected.
func (m *Manager) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ErrNotConnected
	}
	select {
	case m.current.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close ends the session and the transport. The manager can connect again
// afterwards only through a new Manager.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.replaceLocked(nil)
		if m.session != nil {
			m.session.end()
		}
		close(m.closed)
		m.mu.Unlock()
	})
	return nil
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *Manager) readPump(t *transport) {
	defer func() {
		t.close()
		m.mu.Lock()
		live := m.current == t
		if live {
			m.current = nil
		}
		m.mu.Unlock()
		if live {
			m.logger.Info().Str("session", t.session.ID.String()).Msg("disconnected")
			m.deliver(t.session, localEvent(models.EventDisconnect, nil))
		}
	}()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		name := gjson.GetBytes(data, "event")
		if name.Type != gjson.String || name.Str == "" {
			m.logger.Debug().Int("bytes", len(data)).Msg("dropping frame without event name")
			continue
		}
		env := models.Envelope{Event: name.Str}
		if raw := gjson.GetBytes(data, "data"); raw.Exists() {
			env.Data = json.RawMessage(raw.Raw)
		}

		select {
		case m.events <- env:
		case <-t.done:
			return
		case <-m.closed:
			return
		}
	}
}

func (m *Manager) writePump(t *transport) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.close()
	}()

	for {
		select {
		case frame := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				m.logger.Warn().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-t.done:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
