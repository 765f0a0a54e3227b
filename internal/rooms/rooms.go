// Package rooms computes room keys and issues join/leave requests.
package rooms

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/4xmen/taskchat/internal/models"
)

var (
	ErrInvalidKey = errors.New("invalid room key")
	ErrNotJoined  = errors.New("room not joined")
)

// Emitter sends one event on the socket.
type Emitter interface {
	Emit(event string, payload any) error
}

// DirectKey is symmetric: DirectKey(a, b) == DirectKey(b, a).
func DirectKey(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("direct-%d-%d", a, b)
}

func TaskKey(projectID, taskID int) string {
	return fmt.Sprintf("task-%d-%d", projectID, taskID)
}

// Key is a parsed room key. For direct rooms A and B are the two user ids
// (A <= B); for task rooms they are the project and task ids.
type Key struct {
	Type models.RoomType
	A, B int
}

func (k Key) String() string {
	if k.Type == models.RoomDirect {
		return DirectKey(k.A, k.B)
	}
	return TaskKey(k.A, k.B)
}

// Canonical reports whether the key is already in its normalized form.
// Task keys are always canonical.
func (k Key) Canonical(raw string) bool {
	return k.String() == raw
}

// HasMember reports whether userID is a participant of a direct room.
func (k Key) HasMember(userID int) bool {
	return k.Type == models.RoomDirect && (k.A == userID || k.B == userID)
}

// ParseKey accepts both canonical and legacy unordered direct keys.
func ParseKey(raw string) (Key, error) {
	parts := strings.Split(raw, "-")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	a, errA := strconv.Atoi(parts[1])
	b, errB := strconv.Atoi(parts[2])
	if errA != nil || errB != nil || a < 0 || b < 0 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}

	switch models.RoomType(parts[0]) {
	case models.RoomDirect:
		if a == b {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
		}
		if a > b {
			a, b = b, a
		}
		return Key{Type: models.RoomDirect, A: a, B: b}, nil
	case models.RoomTask:
		return Key{Type: models.RoomTask, A: a, B: b}, nil
	default:
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
}

// Router tracks joined rooms and the active subscription. Joins are
// independent: joining another room does not leave the previous one.
type Router struct {
	emitter Emitter
	joined  map[string]models.RoomType
	active  string
}

func NewRouter(emitter Emitter) *Router {
	return &Router{
		emitter: emitter,
		joined:  make(map[string]models.RoomType),
	}
}

// Join emits a join request and marks the room active. Re-joining a room is
// safe and re-emits the request.
func (r *Router) Join(roomID string, roomType models.RoomType, selfID int) error {
	r.joined[roomID] = roomType
	r.active = roomID
	return r.emitter.Emit(models.EventJoinRoom, models.JoinRoomPayload{
		RoomID:        roomID,
		RoomType:      roomType,
		CurrentUserID: selfID,
	})
}

func (r *Router) Leave(roomID string, roomType models.RoomType) error {
	delete(r.joined, roomID)
	if r.active == roomID {
		r.active = ""
	}
	return r.emitter.Emit(models.EventLeaveRoom, models.LeaveRoomPayload{
		RoomID:   roomID,
		RoomType: roomType,
	})
}

// Rejoin re-emits a join for every joined room in key order. It is used
// after the transport was replaced and leaves the active room unchanged.
func (r *Router) Rejoin(selfID int) error {
	ids := make([]string, 0, len(r.joined))
	for id := range r.joined {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		err := r.emitter.Emit(models.EventJoinRoom, models.JoinRoomPayload{
			RoomID:        id,
			RoomType:      r.joined[id],
			CurrentUserID: selfID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("rejoin %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// RequestHistory asks the server to push the room's history again.
func (r *Router) RequestHistory(roomID string) error {
	roomType, ok := r.joined[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, roomID)
	}
	return r.emitter.Emit(models.EventGetMessages, models.GetMessagesPayload{
		RoomID:   roomID,
		RoomType: roomType,
	})
}

func (r *Router) Active() string {
	return r.active
}

func (r *Router) Type(roomID string) (models.RoomType, bool) {
	t, ok := r.joined[roomID]
	return t, ok
}

func (r *Router) Joined(roomID string) bool {
	_, ok := r.joined[roomID]
	return ok
}
