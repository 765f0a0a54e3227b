// Package ws is the relay side of the realtime socket: room membership,
// presence announcements, message persistence and fan-out.
package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/4xmen/taskchat/internal/attach"
	"github.com/4xmen/taskchat/internal/db"
	"github.com/4xmen/taskchat/internal/metrics"
	"github.com/4xmen/taskchat/internal/models"
	"github.com/4xmen/taskchat/internal/push"
	"github.com/4xmen/taskchat/pkg/i18n"
)

var __ = i18n.Translate

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// outbound is one frame addressed either to a room or to a single client.
type outbound struct {
	room   string
	target *Client
	except *Client
	event  string
	data   any
}

type membership struct {
	client *Client
	room   string
	join   bool
}

type Hub struct {
	clients    map[*Client]struct{}
	users      map[int]map[*Client]struct{}
	rooms      map[string]map[*Client]struct{}
	broadcast  chan any
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	db         *db.DB
	notifier   *push.Notifier
	limits     attach.Limits
	logger     zerolog.Logger
	mu         sync.RWMutex
}

func NewHub(database *db.DB, notifier *push.Notifier, limits attach.Limits, logger zerolog.Logger) *Hub {
	if limits.MaxSize <= 0 {
		limits.MaxSize = attach.DefaultMaxSize
	}
	if limits.ChunkSize <= 0 {
		limits.ChunkSize = attach.DefaultChunkSize
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		users:      make(map[int]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		broadcast:  make(chan any, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		db:         database,
		notifier:   notifier,
		limits:     limits,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// maxEncodedSize is the base64 length of the largest accepted attachment.
func (h *Hub) maxEncodedSize() int64 {
	return int64(base64.StdEncoding.EncodedLen(int(h.limits.MaxSize)))
}

func (h *Hub) maxChunks() int {
	return int(h.maxEncodedSize()/int64(h.limits.ChunkSize)) + 1
}

// maxFrameSize leaves room for the envelope around an inline payload.
func (h *Hub) maxFrameSize() int64 {
	return int64(h.limits.ChunkSize) + 1<<20
}

// IsUserOnline checks if a user has at least one open connection.
func (h *Hub) IsUserOnline(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID]
	return ok
}

// OnlineUsers returns the connected user ids in ascending order.
func (h *Hub) OnlineUsers() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Broadcast queues an event for every member of the room.
func (h *Hub) Broadcast(roomID, event string, data any) {
	h.enqueue(outbound{room: roomID, event: event, data: data})
}

// enqueue hands an outbound frame or a membership change to the loop.
// Both share one channel so a join is applied before any later broadcast
// from the same client.
func (h *Hub) enqueue(msg any) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			close(h.done)
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			switch msg := msg.(type) {
			case outbound:
				h.deliver(msg)
			case membership:
				h.applyMembership(msg)
			}
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	conns, known := h.users[c.user.ID]
	if !known {
		conns = make(map[*Client]struct{})
		h.users[c.user.ID] = conns
	}
	conns[c] = struct{}{}
	others := make([]int, 0, len(h.users))
	for id := range h.users {
		if id != c.user.ID {
			others = append(others, id)
		}
	}
	h.mu.Unlock()

	metrics.ConnectedClients.Inc()
	h.logger.Info().Int("user_id", c.user.ID).Int("clients", len(h.clients)).Msg("client connected")

	sort.Ints(others)
	for _, id := range others {
		h.send(c, models.EventUserOnline, id)
	}
	if !known {
		for other := range h.clients {
			if other != c {
				h.send(other, models.EventUserOnline, c.user.ID)
			}
		}
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)

	lastConn := false
	if conns, ok := h.users[c.user.ID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.users, c.user.ID)
			lastConn = true
		}
	}
	for roomID, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()

	metrics.ConnectedClients.Dec()
	h.logger.Info().Int("user_id", c.user.ID).Int("clients", len(h.clients)).Msg("client disconnected")

	if lastConn {
		for other := range h.clients {
			h.send(other, models.EventUserOffline, c.user.ID)
		}
	}
}

func (h *Hub) applyMembership(m membership) {
	if _, ok := h.clients[m.client]; !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[m.room]
	if m.join {
		if members == nil {
			members = make(map[*Client]struct{})
			h.rooms[m.room] = members
		}
		members[m.client] = struct{}{}
		return
	}
	delete(members, m.client)
	if len(members) == 0 {
		delete(h.rooms, m.room)
	}
}

// RoomMembers returns the user ids currently joined to the room.
func (h *Hub) RoomMembers(roomID string) []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[int]struct{})
	for c := range h.rooms[roomID] {
		seen[c.user.ID] = struct{}{}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Envelope{Event: event, Data: raw})
}

func (h *Hub) deliver(out outbound) {
	frame, err := encodeFrame(out.event, out.data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", out.event).Msg("failed to encode frame")
		return
	}

	if out.target != nil {
		if _, ok := h.clients[out.target]; ok {
			h.push(out.target, frame)
		}
		return
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[out.room]))
	for c := range h.rooms[out.room] {
		if c != out.except {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range members {
		h.push(c, frame)
	}
}

// send writes an event to one client from inside the loop.
func (h *Hub) send(c *Client, event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to encode frame")
		return
	}
	h.push(c, frame)
}

func (h *Hub) push(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		metrics.SendBufferFull.Inc()
		h.logger.Warn().Int("user_id", c.user.ID).Msg("send buffer full, dropping frame")
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.users = make(map[int]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": __("unauthorized")})
		return
	}
	username, _ := c.Get("username")
	avatar, _ := c.Get("avatar")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	user := models.Sender{ID: userID.(int)}
	user.Username, _ = username.(string)
	user.Avatar, _ = avatar.(string)

	client := newClient(h, conn, user)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
