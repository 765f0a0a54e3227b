// Package chatsync runs the per-session event loop. Inbound socket events
// and UI commands are applied one at a time to the room router, presence
// tracker, typing indicator and reconciliation engine; the renderer learns
// about changes through the Updates stream and reads state back through the
// query methods.
package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/4xmen/taskchat/internal/attach"
	"github.com/4xmen/taskchat/internal/models"
	"github.com/4xmen/taskchat/internal/presence"
	"github.com/4xmen/taskchat/internal/reconcile"
	"github.com/4xmen/taskchat/internal/rooms"
	"github.com/4xmen/taskchat/internal/typing"
)

// Conn is the socket as seen by the loop. *channel.Manager implements it.
type Conn interface {
	Events() <-chan models.Envelope
	Emit(event string, payload any) error
}

type UpdateKind int

const (
	MessagesChanged UpdateKind = iota
	TypingChanged
	PresenceChanged
	ServerErrored
	Connected
	Disconnected
)

func (k UpdateKind) String() string {
	switch k {
	case MessagesChanged:
		return "messages"
	case TypingChanged:
		return "typing"
	case PresenceChanged:
		return "presence"
	case ServerErrored:
		return "error"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// Update tells the renderer what changed. It is a hint; the state itself is
// read back through the query methods.
type Update struct {
	Kind   UpdateKind
	RoomID string
	UserID int
	Err    error
}

const (
	updateQueueSize     = 64
	defaultTickInterval = 250 * time.Millisecond
)

type options struct {
	logger zerolog.Logger
	now    func() time.Time
	tick   time.Duration
	limits attach.Limits
}

type Option func(*options)

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTickInterval sets how often expired typing signals are swept.
func WithTickInterval(d time.Duration) Option {
	return func(o *options) { o.tick = d }
}

func WithLimits(l attach.Limits) Option {
	return func(o *options) { o.limits = l }
}

// Client is one user's view of the chat. All methods are safe for
// concurrent use; they are serialized with the event loop.
type Client struct {
	mu       sync.Mutex
	conn     Conn
	self     models.Sender
	router   *rooms.Router
	engine   *reconcile.Engine
	presence *presence.Tracker
	typing   *typing.Indicator
	updates  chan Update
	logger   zerolog.Logger
	tick     time.Duration
}

func New(conn Conn, self models.Sender, opts ...Option) *Client {
	o := options{
		logger: zerolog.Nop(),
		now:    time.Now,
		tick:   defaultTickInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Client{
		conn:     conn,
		self:     self,
		router:   rooms.NewRouter(conn),
		engine:   reconcile.New(conn, self, reconcile.WithClock(o.now), reconcile.WithLimits(o.limits)),
		presence: presence.New(),
		typing:   typing.New(self.Username, o.now),
		updates:  make(chan Update, updateQueueSize),
		logger:   o.logger.With().Int("user_id", self.ID).Logger(),
		tick:     o.tick,
	}
}

// Updates is never closed.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

func (c *Client) Self() models.Sender {
	return c.self
}

// Run consumes inbound events until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	events := c.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-events:
			c.mu.Lock()
			c.handle(env)
			c.mu.Unlock()
		case <-ticker.C:
			c.mu.Lock()
			c.expireTyping()
			c.mu.Unlock()
		}
	}
}

func (c *Client) publish(u Update) {
	select {
	case c.updates <- u:
	default:
		c.logger.Warn().Stringer("kind", u.Kind).Str("room", u.RoomID).Msg("update dropped, renderer is behind")
	}
}

func (c *Client) expireTyping() {
	for _, roomID := range c.typing.Expire() {
		c.publish(Update{Kind: TypingChanged, RoomID: roomID})
	}
}

// Join tracks the room and subscribes to it. Joining a room already joined
// re-emits the request and keeps the local messages.
func (c *Client) Join(roomID string, roomType models.RoomType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinLocked(roomID, roomType)
}

func (c *Client) joinLocked(roomID string, roomType models.RoomType) error {
	c.engine.Track(roomID, roomType)
	if err := c.router.Join(roomID, roomType, c.self.ID); err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	c.logger.Debug().Str("room", roomID).Msg("joined")
	return nil
}

// OpenDirect joins the direct room shared with peerID and returns its key.
func (c *Client) OpenDirect(peerID int) (string, error) {
	roomID := rooms.DirectKey(c.self.ID, peerID)
	return roomID, c.Join(roomID, models.RoomDirect)
}

// OpenTask joins a task thread. Only the given assignees are shown as
// typing in it.
func (c *Client) OpenTask(projectID, taskID int, assignees []string) (string, error) {
	roomID := rooms.TaskKey(projectID, taskID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing.SetParticipants(roomID, assignees)
	return roomID, c.joinLocked(roomID, models.RoomTask)
}

// Leave unsubscribes and drops everything held for the room.
func (c *Client) Leave(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	roomType, ok := c.router.Type(roomID)
	if !ok {
		return fmt.Errorf("%w: %s", rooms.ErrNotJoined, roomID)
	}
	c.engine.Untrack(roomID)
	c.typing.Forget(roomID)
	return c.router.Leave(roomID, roomType)
}

func (c *Client) RequestHistory(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.router.RequestHistory(roomID)
}

// SendText inserts the message optimistically and emits it. A non-nil
// message is returned with a send error when the insert happened but the
// emit did not.
func (c *Client) SendText(roomID, text string, opts reconcile.SendOptions) (models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.engine.SendText(roomID, text, opts)
	c.afterSend(roomID, m, err)
	return m, err
}

func (c *Client) SendAttachment(roomID string, file attach.File, caption string, opts reconcile.SendOptions) (models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.engine.SendAttachment(roomID, file, caption, opts)
	c.afterSend(roomID, m, err)
	return m, err
}

func (c *Client) afterSend(roomID string, m models.Message, err error) {
	if m.ID == "" {
		return
	}
	c.typing.LocalInput(roomID, "")
	c.publish(Update{Kind: MessagesChanged, RoomID: roomID})
	if err != nil {
		c.logger.Warn().Err(err).Str("room", roomID).Str("temp_id", string(m.ID)).Msg("message left pending")
	}
}

// Delete asks the server to delete a confirmed message.
func (c *Client) Delete(roomID string, id models.MessageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Delete(roomID, id)
}

// InputChanged feeds the composer's content. A typing event goes out on the
// first non-empty input after idle.
func (c *Client) InputChanged(roomID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	roomType, ok := c.router.Type(roomID)
	if !ok {
		return fmt.Errorf("%w: %s", rooms.ErrNotJoined, roomID)
	}
	if !c.typing.LocalInput(roomID, content) {
		return nil
	}
	if err := c.conn.Emit(models.EventTyping, models.TypingPayload{RoomID: roomID, RoomType: roomType}); err != nil {
		c.typing.ResetLocal(roomID)
		return err
	}
	return nil
}

func (c *Client) Messages(roomID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Messages(roomID)
}

// IsPending reports whether the message with this correlation id is still
// waiting for its echo.
func (c *Client) IsPending(roomID string, id models.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.engine.Pending(roomID) {
		if m.ID == id {
			return true
		}
	}
	return false
}

// TypingUser returns the remote user currently shown as typing in the room.
func (c *Client) TypingUser(roomID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, username := c.typing.State(roomID)
	return username, state == typing.RemoteTyping
}

func (c *Client) TypingState(roomID string) typing.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, _ := c.typing.State(roomID)
	return state
}

func (c *Client) IsOnline(userID int) bool {
	return c.presence.IsOnline(userID)
}

func (c *Client) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.router.Active()
}

// handle applies one inbound event. c.mu must be held.
func (c *Client) handle(env models.Envelope) {
	log := c.logger.With().Str("event", env.Event).Logger()

	switch env.Event {
	case models.EventNewMessage:
		var m models.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			log.Warn().Err(err).Msg("malformed message")
			return
		}
		roomID := c.roomOrActive(m.RoomID)
		if _, ok := c.engine.OnServerMessage(roomID, m); !ok {
			log.Debug().Str("room", roomID).Msg("message for untracked room")
			return
		}
		c.publish(Update{Kind: MessagesChanged, RoomID: roomID})

	case models.EventMessageHistory:
		var h models.MessageHistoryEvent
		if err := json.Unmarshal(env.Data, &h); err != nil {
			log.Warn().Err(err).Msg("malformed history")
			return
		}
		roomID := c.roomOrActive(h.RoomID)
		if _, ok := c.engine.LoadHistory(roomID, h.Messages); !ok {
			log.Debug().Str("room", roomID).Msg("history for untracked room")
			return
		}
		c.publish(Update{Kind: MessagesChanged, RoomID: roomID})

	case models.EventMessageDeleted:
		id, ok := deletedID(env.Data)
		if !ok {
			log.Warn().Msg("delete without message id")
			return
		}
		if roomID, ok := c.engine.OnServerDelete(id); ok {
			c.publish(Update{Kind: MessagesChanged, RoomID: roomID})
		}

	case models.EventTyping:
		var ev models.TypingEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			log.Warn().Err(err).Msg("malformed typing")
			return
		}
		roomID := c.roomOrActive(ev.RoomID)
		if !c.router.Joined(roomID) {
			log.Debug().Str("room", roomID).Msg("typing for untracked room")
			return
		}
		if c.typing.Remote(roomID, ev.Username) {
			c.publish(Update{Kind: TypingChanged, RoomID: roomID})
		}

	case models.EventUserOnline, models.EventUserOffline:
		userID, ok := presenceUserID(env.Data)
		if !ok {
			log.Warn().Msg("presence event without user id")
			return
		}
		var changed bool
		if env.Event == models.EventUserOnline {
			changed = c.presence.Online(userID)
		} else {
			changed = c.presence.Offline(userID)
		}
		if changed {
			c.publish(Update{Kind: PresenceChanged, UserID: userID})
		}

	case models.EventError:
		serverErr := &models.ServerError{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, serverErr); err != nil {
				serverErr.Message = gjson.ParseBytes(env.Data).String()
			}
		}
		log.Error().Str("message", serverErr.Message).Msg("server error")
		c.publish(Update{Kind: ServerErrored, Err: serverErr})

	case models.EventConnect:
		if err := c.router.Rejoin(c.self.ID); err != nil {
			log.Warn().Err(err).Msg("rejoin failed")
		}
		c.publish(Update{Kind: Connected})

	case models.EventDisconnect:
		c.presence.Reset()
		c.publish(Update{Kind: Disconnected})
		c.publish(Update{Kind: PresenceChanged})

	default:
		log.Debug().Msg("ignoring event")
	}
}

// roomOrActive resolves a missing roomId to the active room, which is ""
// when nothing is open.
func (c *Client) roomOrActive(roomID string) string {
	if roomID != "" {
		return roomID
	}
	return c.router.Active()
}

// deletedID accepts a bare id or an object carrying messageId.
func deletedID(data json.RawMessage) (models.MessageID, bool) {
	r := gjson.ParseBytes(data)
	if r.IsObject() {
		r = r.Get("messageId")
	}
	switch r.Type {
	case gjson.String, gjson.Number:
		if r.String() == "" {
			return "", false
		}
		return models.MessageID(r.String()), true
	default:
		return "", false
	}
}

// presenceUserID accepts a bare id or an object carrying userId.
func presenceUserID(data json.RawMessage) (int, bool) {
	r := gjson.ParseBytes(data)
	if r.IsObject() {
		r = r.Get("userId")
	}
	switch r.Type {
	case gjson.Number:
		return int(r.Int()), true
	case gjson.String:
		id, err := strconv.Atoi(r.Str)
		return id, err == nil
	default:
		return 0, false
	}
}
