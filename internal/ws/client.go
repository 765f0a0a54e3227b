package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/4xmen/taskchat/internal/attach"
	"github.com/4xmen/taskchat/internal/content"
	"github.com/4xmen/taskchat/internal/db"
	"github.com/4xmen/taskchat/internal/metrics"
	"github.com/4xmen/taskchat/internal/models"
	"github.com/4xmen/taskchat/internal/rooms"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Partial chunked transfers older than this are discarded.
	transferTTL = 2 * time.Minute

	// maxOpenTransfers bounds partially received files per connection.
	maxOpenTransfers = 4
)

// transfer is a chunked attachment being assembled.
type transfer struct {
	env      models.SendMessagePayload
	parts    []string
	received int
	size     int
	started  time.Time
}

// Client is one websocket connection. Everything except send is owned by
// the readPump goroutine.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	user   models.Sender
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	joined    map[string]models.RoomType
	transfers map[string]*transfer
}

func newClient(h *Hub, conn *websocket.Conn, user models.Sender) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:       h,
		conn:      conn,
		user:      user,
		send:      make(chan []byte, 256),
		ctx:       ctx,
		cancel:    cancel,
		joined:    make(map[string]models.RoomType),
		transfers: make(map[string]*transfer),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.maxFrameSize())
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Int("user_id", c.user.ID).Msg("websocket read failed")
			}
			return
		}

		if !gjson.ValidBytes(frame) {
			continue
		}
		event := gjson.GetBytes(frame, "event").String()
		if event == "" {
			continue
		}
		metrics.EventsReceived.WithLabelValues(event).Inc()
		c.dispatch(event, []byte(gjson.GetBytes(frame, "data").Raw))
	}
}

func (c *Client) dispatch(event string, data []byte) {
	switch event {
	case models.EventJoinRoom, models.EventJoinTaskRoom:
		c.handleJoin(data)
	case models.EventLeaveRoom:
		c.handleLeave(data)
	case models.EventGetMessages:
		c.handleGetMessages(data)
	case models.EventSendMessage, models.EventSendComment:
		var p models.SendMessagePayload
		if err := json.Unmarshal(data, &p); err != nil {
			c.sendError("invalid request")
			return
		}
		c.relayMessage(p)
	case models.EventFileChunk:
		c.handleChunk(data)
	case models.EventTyping:
		c.handleTyping(data)
	case models.EventDeleteMessage:
		c.handleDelete(data)
	default:
		c.hub.logger.Debug().Str("event", event).Int("user_id", c.user.ID).Msg("unknown event")
		c.sendError("unknown event")
	}
}

// sendError pushes an error event to this client only.
func (c *Client) sendError(message string) {
	c.hub.enqueue(outbound{target: c, event: models.EventError, data: models.ServerError{Message: __(message)}})
}

// room resolves a raw key to its canonical form and checks the caller may
// be in it.
func (c *Client) room(raw string) (rooms.Key, bool) {
	key, err := rooms.ParseKey(raw)
	if err != nil {
		c.sendError("invalid room id")
		return key, false
	}
	if key.Type == models.RoomDirect && !key.HasMember(c.user.ID) {
		c.sendError("not a member of this room")
		return key, false
	}
	if key.Type == models.RoomTask {
		ok, err := c.hub.db.CanJoinTask(c.ctx, key.A, key.B, c.user.ID)
		if err != nil {
			c.hub.logger.Error().Err(err).Str("room", raw).Msg("failed to check assignees")
			c.sendError("internal server error")
			return key, false
		}
		if !ok {
			c.sendError("not assigned to this task")
			return key, false
		}
	}
	return key, true
}

// joinedRoom resolves raw to a room this client has already joined.
func (c *Client) joinedRoom(raw string) (string, models.RoomType, bool) {
	key, err := rooms.ParseKey(raw)
	if err != nil {
		c.sendError("invalid room id")
		return "", "", false
	}
	roomID := key.String()
	roomType, ok := c.joined[roomID]
	if !ok {
		c.sendError("room not joined")
		return "", "", false
	}
	return roomID, roomType, true
}

func (c *Client) handleJoin(data []byte) {
	var p models.JoinRoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("invalid request")
		return
	}
	key, ok := c.room(p.RoomID)
	if !ok {
		return
	}

	roomID := key.String()
	c.joined[roomID] = key.Type
	c.hub.enqueue(membership{client: c, room: roomID, join: true})
	c.hub.logger.Debug().Str("room", roomID).Int("user_id", c.user.ID).Msg("joined room")
	c.pushHistory(roomID, key.Type)
}

func (c *Client) handleLeave(data []byte) {
	var p models.LeaveRoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("invalid request")
		return
	}
	key, err := rooms.ParseKey(p.RoomID)
	if err != nil {
		c.sendError("invalid room id")
		return
	}
	roomID := key.String()
	if _, ok := c.joined[roomID]; !ok {
		return
	}
	delete(c.joined, roomID)
	c.hub.enqueue(membership{client: c, room: roomID})
}

func (c *Client) handleGetMessages(data []byte) {
	var p models.GetMessagesPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("invalid request")
		return
	}
	roomID, roomType, ok := c.joinedRoom(p.RoomID)
	if !ok {
		return
	}
	c.pushHistory(roomID, roomType)
}

func (c *Client) pushHistory(roomID string, roomType models.RoomType) {
	messages, err := c.hub.db.RoomMessages(c.ctx, roomID, 0, db.DefaultHistoryLimit)
	if err != nil {
		c.hub.logger.Error().Err(err).Str("room", roomID).Msg("failed to fetch history")
		c.sendError("failed to fetch messages")
		return
	}
	c.hub.enqueue(outbound{
		target: c,
		event:  models.EventMessageHistory,
		data:   models.MessageHistoryEvent{RoomID: roomID, RoomType: roomType, Messages: messages},
	})
}

// relayMessage validates, persists and broadcasts one message. Temp
// messages are broadcast under their correlation id and never stored.
func (c *Client) relayMessage(p models.SendMessagePayload) {
	roomID, roomType, ok := c.joinedRoom(p.RoomID)
	if !ok {
		return
	}

	text := strings.TrimSpace(p.Content)
	if text == "" && p.FileData == "" {
		c.sendError("message is empty")
		return
	}

	kind := content.NormalizeKind(string(p.MessageType))
	var fileSize int64
	if p.FileData != "" {
		raw, err := base64.StdEncoding.DecodeString(p.FileData)
		if err != nil {
			c.sendError("invalid request")
			return
		}
		mimeType, err := attach.Validate(attach.File{Name: p.FileName, Data: raw}, c.hub.limits)
		switch {
		case errors.Is(err, attach.ErrTooLarge):
			c.sendError("file too large")
			return
		case err != nil:
			c.sendError("file type not supported")
			return
		}
		if kind == models.KindText {
			kind = content.KindFromMIME(mimeType)
		}
		fileSize = int64(len(raw))
	}

	msg, err := c.store(db.NewMessage{
		RoomID:      roomID,
		RoomType:    roomType,
		Sender:      c.user,
		Content:     text,
		MessageType: kind,
		FileName:    p.FileName,
		FileSize:    fileSize,
		FileData:    p.FileData,
		TempID:      p.TempID,
	}, p.Temp)
	if err != nil {
		c.hub.logger.Error().Err(err).Str("room", roomID).Int("user_id", c.user.ID).Msg("failed to save message")
		c.sendError("failed to save message")
		return
	}

	metrics.MessagesRelayed.WithLabelValues(string(roomType), string(kind)).Inc()
	c.hub.Broadcast(roomID, models.EventNewMessage, msg)
	c.notifyOffline(roomID, msg)
}

func (c *Client) store(m db.NewMessage, temp bool) (models.Message, error) {
	if !temp {
		return c.hub.db.SaveMessage(c.ctx, m)
	}
	tempID := m.TempID
	if tempID == "" {
		tempID = models.MessageID(models.TempIDPrefix + uuid.NewString())
	}
	return models.Message{
		ID:          tempID,
		RoomID:      m.RoomID,
		Content:     m.Content,
		SenderID:    m.Sender.ID,
		Sender:      m.Sender,
		CreatedAt:   time.Now().UTC(),
		MessageType: m.MessageType,
		FileName:    m.FileName,
		FileSize:    m.FileSize,
		FileData:    m.FileData,
		TempID:      tempID,
	}, nil
}

// notifyOffline sends a web push to the other side of a direct room when
// that user has no open connection.
func (c *Client) notifyOffline(roomID string, msg models.Message) {
	key, err := rooms.ParseKey(roomID)
	if err != nil || key.Type != models.RoomDirect {
		return
	}
	peer := key.A
	if peer == c.user.ID {
		peer = key.B
	}
	if c.hub.IsUserOnline(peer) {
		return
	}
	c.hub.notifier.NotifyNewMessage(c.ctx, peer, msg)
}

func (c *Client) handleChunk(data []byte) {
	var p models.FileChunkPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("invalid file chunk")
		return
	}
	metrics.ChunksReceived.Inc()

	now := time.Now()
	for id, t := range c.transfers {
		if now.Sub(t.started) > transferTTL {
			delete(c.transfers, id)
			metrics.TransfersDropped.WithLabelValues("stale").Inc()
			c.hub.logger.Debug().Str("temp_id", id).Msg("discarded stale transfer")
		}
	}

	if p.TempID == "" || p.TotalChunks <= 0 || p.TotalChunks > c.hub.maxChunks() ||
		p.ChunkIndex < 0 || p.ChunkIndex >= p.TotalChunks {
		c.sendError("invalid file chunk")
		return
	}

	id := string(p.TempID)
	t, ok := c.transfers[id]
	if !ok {
		if len(c.transfers) >= maxOpenTransfers {
			metrics.TransfersDropped.WithLabelValues("too_many").Inc()
			c.sendError("too many file transfers")
			return
		}
		t = &transfer{env: p.SendMessagePayload, parts: make([]string, p.TotalChunks), started: now}
		c.transfers[id] = t
	}
	if len(t.parts) != p.TotalChunks {
		delete(c.transfers, id)
		metrics.TransfersDropped.WithLabelValues("invalid").Inc()
		c.sendError("invalid file chunk")
		return
	}
	if t.parts[p.ChunkIndex] != "" {
		return
	}

	t.parts[p.ChunkIndex] = p.Chunk
	t.received++
	t.size += len(p.Chunk)
	if int64(t.size) > c.hub.maxEncodedSize() {
		delete(c.transfers, id)
		metrics.TransfersDropped.WithLabelValues("too_large").Inc()
		c.sendError("file too large")
		return
	}
	c.hub.logger.Debug().Str("temp_id", id).Int("chunk_index", p.ChunkIndex).Int("total", p.TotalChunks).Msg("chunk received")

	if t.received < len(t.parts) {
		return
	}
	delete(c.transfers, id)
	env := t.env
	env.FileData = strings.Join(t.parts, "")
	c.relayMessage(env)
}

func (c *Client) handleTyping(data []byte) {
	var p models.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	key, err := rooms.ParseKey(p.RoomID)
	if err != nil {
		return
	}
	roomID := key.String()
	if _, ok := c.joined[roomID]; !ok {
		return
	}
	c.hub.enqueue(outbound{
		room:   roomID,
		except: c,
		event:  models.EventTyping,
		data:   models.TypingEvent{Username: c.user.Username, RoomID: roomID},
	})
}

func (c *Client) handleDelete(data []byte) {
	var p models.DeleteMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendError("invalid request")
		return
	}
	id, ok := p.MessageID.Int()
	if !ok {
		c.sendError("invalid message id")
		return
	}

	roomID, err := c.hub.db.DeleteMessage(c.ctx, id, c.user.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.sendError("message not found")
		return
	case errors.Is(err, db.ErrForbidden):
		c.sendError("can only delete own messages")
		return
	case err != nil:
		c.hub.logger.Error().Err(err).Int64("message_id", id).Msg("failed to delete message")
		c.sendError("failed to delete message")
		return
	}

	c.hub.Broadcast(roomID, models.EventMessageDeleted, models.DeleteMessagePayload{
		MessageID: p.MessageID,
		RoomID:    roomID,
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
