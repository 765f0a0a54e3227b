// Package reconcile owns the ordered message list of every tracked room. It
// inserts optimistic entries on send and collapses them with the server's
// echo when it arrives.
//
// The engine does no locking: callers serialize every call, which the
// chatsync event loop does by construction.
package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/4xmen/taskchat/internal/attach"
	"github.com/4xmen/taskchat/internal/content"
	"github.com/4xmen/taskchat/internal/models"
)

var (
	ErrRoomNotTracked = errors.New("room not tracked")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotConfirmed   = errors.New("message not confirmed yet")
)

// Emitter sends one event on the socket.
type Emitter interface {
	Emit(event string, payload any) error
}

type room struct {
	id       string
	roomType models.RoomType
	messages []*models.Message
}

type Engine struct {
	emitter Emitter
	self    models.Sender
	now     func() time.Time
	newID   func(time.Time) models.MessageID
	limits  attach.Limits
	rooms   map[string]*room
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(gen func(time.Time) models.MessageID) Option {
	return func(e *Engine) { e.newID = gen }
}

func WithLimits(limits attach.Limits) Option {
	return func(e *Engine) { e.limits = limits }
}

func New(emitter Emitter, self models.Sender, opts ...Option) *Engine {
	e := &Engine{
		emitter: emitter,
		self:    self,
		now:     time.Now,
		newID:   NewCorrelationID,
		rooms:   make(map[string]*room),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewCorrelationID returns a client id of the form temp-<unix ms>-<random>.
func NewCorrelationID(now time.Time) models.MessageID {
	return models.MessageID(fmt.Sprintf("%s%d-%s", models.TempIDPrefix, now.UnixMilli(), uuid.NewString()))
}

// Track starts holding state for a room. Tracking an already tracked room
// keeps its messages.
func (e *Engine) Track(roomID string, roomType models.RoomType) {
	if r, ok := e.rooms[roomID]; ok {
		r.roomType = roomType
		return
	}
	e.rooms[roomID] = &room{id: roomID, roomType: roomType}
}

// Untrack drops a room and everything in it, pending sends included.
func (e *Engine) Untrack(roomID string) {
	delete(e.rooms, roomID)
}

func (e *Engine) Tracked(roomID string) bool {
	_, ok := e.rooms[roomID]
	return ok
}

// Messages returns a copy of the room's sequence in display order.
func (e *Engine) Messages(roomID string) []models.Message {
	r, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(r.messages))
	for i, m := range r.messages {
		out[i] = *m
	}
	return out
}

// Pending returns the room's unconfirmed messages in order.
func (e *Engine) Pending(roomID string) []models.Message {
	r, ok := e.rooms[roomID]
	if !ok {
		return nil
	}
	var out []models.Message
	for _, m := range r.messages {
		if !m.Confirmed {
			out = append(out, *m)
		}
	}
	return out
}

// LoadHistory replaces the room's sequence with the server history. Pending
// entries survive the replace and are re-appended after it, unless the
// history already carries their correlation id as tempId.
func (e *Engine) LoadHistory(roomID string, history []models.Message) ([]models.Message, bool) {
	r, ok := e.rooms[roomID]
	if !ok {
		return nil, false
	}

	echoed := make(map[models.MessageID]struct{})
	for _, h := range history {
		if h.TempID != "" {
			echoed[h.TempID] = struct{}{}
		}
	}

	next := make([]*models.Message, 0, len(history)+len(r.messages))
	for i := range history {
		m := history[i]
		m.Confirmed = true
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		next = append(next, &m)
	}
	for _, m := range r.messages {
		if m.Confirmed {
			continue
		}
		if _, done := echoed[m.ID]; done {
			continue
		}
		next = append(next, m)
	}
	r.messages = next
	return e.Messages(roomID), true
}

// SendOptions are the per-send flags.
type SendOptions struct {
	// Temp asks the server not to persist the message.
	Temp bool
}

func (e *Engine) pending(r *room, text string, kind models.ContentKind) *models.Message {
	now := e.now()
	id := e.newID(now)
	return &models.Message{
		ID:          id,
		RoomID:      r.id,
		Content:     text,
		SenderID:    e.self.ID,
		Sender:      e.self,
		CreatedAt:   now,
		MessageType: kind,
		TempID:      id,
	}
}

// SendText inserts an optimistic message and emits it. When the emit fails
// the message stays pending and is returned together with the error.
func (e *Engine) SendText(roomID, text string, opts SendOptions) (models.Message, error) {
	r, ok := e.rooms[roomID]
	if !ok {
		return models.Message{}, fmt.Errorf("%w: %s", ErrRoomNotTracked, roomID)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}

	m := e.pending(r, text, models.KindText)
	r.messages = append(r.messages, m)

	err := e.emitter.Emit(models.EventSendMessage, models.SendMessagePayload{
		Content:     m.Content,
		RoomID:      r.id,
		RoomType:    r.roomType,
		SenderID:    e.self.ID,
		MessageType: models.KindText,
		TempID:      m.ID,
		Temp:        opts.Temp,
	})
	return *m, err
}

// SendAttachment validates the file first; a validation error returns before
// anything is inserted or sent. After that it follows SendText.
func (e *Engine) SendAttachment(roomID string, file attach.File, caption string, opts SendOptions) (models.Message, error) {
	r, ok := e.rooms[roomID]
	if !ok {
		return models.Message{}, fmt.Errorf("%w: %s", ErrRoomNotTracked, roomID)
	}
	prepared, err := attach.Prepare(file, e.limits)
	if err != nil {
		return models.Message{}, err
	}

	m := e.pending(r, strings.TrimSpace(caption), prepared.Kind)
	m.FileName = prepared.FileName
	m.FileSize = prepared.FileSize
	m.FileData = prepared.Encoded
	r.messages = append(r.messages, m)

	env := models.SendMessagePayload{
		Content:     m.Content,
		RoomID:      r.id,
		RoomType:    r.roomType,
		SenderID:    e.self.ID,
		MessageType: prepared.Kind,
		FileName:    prepared.FileName,
		FileSize:    prepared.FileSize,
		TempID:      m.ID,
		Temp:        opts.Temp,
	}
	if _, err := attach.Send(e.emitter, env, prepared.Encoded, e.limits.ChunkSize); err != nil {
		return *m, err
	}
	return *m, nil
}

// Result describes where a server message landed.
type Result struct {
	Index    int
	Replaced bool
}

func sameLogicalMessage(pending, incoming *models.Message) bool {
	return pending.SenderID == incoming.SenderID &&
		pending.Content == incoming.Content &&
		content.NormalizeKind(string(pending.MessageType)) == content.NormalizeKind(string(incoming.MessageType))
}

// OnServerMessage applies an authoritative message. The oldest unconfirmed
// entry with the same sender, content and kind is replaced in place;
// otherwise the message is appended. A message whose server id is already
// present replaces that entry. Messages for untracked rooms are ignored.
func (e *Engine) OnServerMessage(roomID string, incoming models.Message) (Result, bool) {
	r, ok := e.rooms[roomID]
	if !ok {
		return Result{}, false
	}

	incoming.Confirmed = true
	if incoming.RoomID == "" {
		incoming.RoomID = roomID
	}

	if incoming.ID != "" {
		for i, m := range r.messages {
			if m.Confirmed && m.ID == incoming.ID {
				r.messages[i] = &incoming
				return Result{Index: i, Replaced: true}, true
			}
		}
	}

	for i, m := range r.messages {
		if !m.Confirmed && sameLogicalMessage(m, &incoming) {
			r.messages[i] = &incoming
			return Result{Index: i, Replaced: true}, true
		}
	}

	r.messages = append(r.messages, &incoming)
	return Result{Index: len(r.messages) - 1}, true
}

// OnServerDelete removes the message from whichever room holds it and
// returns that room. Unknown ids are a no-op.
func (e *Engine) OnServerDelete(id models.MessageID) (string, bool) {
	for roomID, r := range e.rooms {
		for i, m := range r.messages {
			if m.ID == id {
				r.messages = append(r.messages[:i], r.messages[i+1:]...)
				return roomID, true
			}
		}
	}
	return "", false
}

// Delete asks the server to delete a confirmed message. Removal happens when
// the messageDeleted event comes back.
func (e *Engine) Delete(roomID string, id models.MessageID) error {
	if _, ok := e.rooms[roomID]; !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotTracked, roomID)
	}
	if id.IsTemp() {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, id)
	}
	return e.emitter.Emit(models.EventDeleteMessage, models.DeleteMessagePayload{MessageID: id, RoomID: roomID})
}
