// Package typing implements the per-room typing indicator: debounced local
// emission and a single expiring slot for the remote typer.
package typing

import (
	"sort"
	"time"
)

type State int

const (
	Idle State = iota
	LocalTyping
	RemoteTyping
)

func (s State) String() string {
	switch s {
	case LocalTyping:
		return "local_typing"
	case RemoteTyping:
		return "remote_typing"
	default:
		return "idle"
	}
}

// DefaultWindow is how long a remote typing signal stays visible without
// renewal.
const DefaultWindow = 2 * time.Second

type room struct {
	local     bool
	remote    string
	expiresAt time.Time
	// nil means anyone but the local user may be shown.
	participants map[string]struct{}
}

type Indicator struct {
	self   string
	window time.Duration
	now    func() time.Time
	rooms  map[string]*room
}

// New creates an indicator for the local user. A nil clock uses time.Now.
func New(self string, now func() time.Time) *Indicator {
	if now == nil {
		now = time.Now
	}
	return &Indicator{
		self:   self,
		window: DefaultWindow,
		now:    now,
		rooms:  make(map[string]*room),
	}
}

func (ind *Indicator) room(roomID string) *room {
	r, ok := ind.rooms[roomID]
	if !ok {
		r = &room{}
		ind.rooms[roomID] = r
	}
	return r
}

// SetParticipants restricts which remote usernames are shown for the room.
// Task threads pass their assignees; direct rooms never call it.
func (ind *Indicator) SetParticipants(roomID string, usernames []string) {
	r := ind.room(roomID)
	r.participants = make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		r.participants[u] = struct{}{}
	}
}

// LocalInput feeds the current input value. It returns true when a typing
// event must be emitted: only on the first non-empty input after idle.
// Nothing is sent when the input empties again.
func (ind *Indicator) LocalInput(roomID, content string) bool {
	r := ind.room(roomID)
	if content == "" {
		r.local = false
		return false
	}
	if r.local {
		return false
	}
	r.local = true
	return true
}

// ResetLocal returns the room to idle on the local side so the next
// non-empty input emits again. Used when the emit did not go out.
func (ind *Indicator) ResetLocal(roomID string) {
	if r, ok := ind.rooms[roomID]; ok {
		r.local = false
	}
}

// Remote applies an inbound typing signal. The last typer wins the slot and
// a fresh signal restarts the window. It reports whether the signal was
// accepted.
func (ind *Indicator) Remote(roomID, username string) bool {
	if username == "" || username == ind.self {
		return false
	}
	r := ind.room(roomID)
	if r.participants != nil {
		if _, ok := r.participants[username]; !ok {
			return false
		}
	}
	r.remote = username
	r.expiresAt = ind.now().Add(ind.window)
	return true
}

// Expire clears remote signals whose window has passed and returns the
// affected rooms in sorted order.
func (ind *Indicator) Expire() []string {
	now := ind.now()
	var cleared []string
	for id, r := range ind.rooms {
		if r.remote != "" && !now.Before(r.expiresAt) {
			r.remote = ""
			r.expiresAt = time.Time{}
			cleared = append(cleared, id)
		}
	}
	sort.Strings(cleared)
	return cleared
}

// State reports the room's state. A live remote typer takes precedence
// because that is what gets displayed.
func (ind *Indicator) State(roomID string) (State, string) {
	r, ok := ind.rooms[roomID]
	if !ok {
		return Idle, ""
	}
	if r.remote != "" && ind.now().Before(r.expiresAt) {
		return RemoteTyping, r.remote
	}
	if r.local {
		return LocalTyping, ""
	}
	return Idle, ""
}

// Forget drops all state for a room that was left.
func (ind *Indicator) Forget(roomID string) {
	delete(ind.rooms, roomID)
}
