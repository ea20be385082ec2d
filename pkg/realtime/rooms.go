package realtime

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RoomSet tracks the rooms the current connection belongs to. Join is
// idempotent and leave on an untracked room is a no-op. The set is rebuilt
// on reconnect from its own snapshot, so views only join once per mount.
type RoomSet struct {
	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewRoomSet returns an empty room set.
func NewRoomSet() *RoomSet {
	return &RoomSet{rooms: make(map[string]struct{})}
}

// Add tracks the room and reports whether it was newly added.
func (r *RoomSet) Add(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room]; ok {
		return false
	}
	r.rooms[room] = struct{}{}
	return true
}

// Remove untracks the room and reports whether it was present.
func (r *RoomSet) Remove(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room]; !ok {
		return false
	}
	delete(r.rooms, room)
	return true
}

// Contains reports whether the room is tracked.
func (r *RoomSet) Contains(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.rooms[room]
	return ok
}

// Snapshot returns the tracked rooms in a stable order.
func (r *RoomSet) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Clear drops every tracked room.
func (r *RoomSet) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms = make(map[string]struct{})
}

// Len returns the number of tracked rooms.
func (r *RoomSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.rooms)
}

// joinEnvelope builds the join event for a tracked room id, used both on
// first join and when re-joining after a reconnect. The admin plan room has
// no join signal; the gateway adds admins on connect.
func joinEnvelope(room string) (Envelope, bool, error) {
	kind, id := splitRoom(room)
	switch kind {
	case RoomKindApplication:
		applicationID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return Envelope{}, false, fmt.Errorf("invalid application room %q: %w", room, err)
		}
		env, err := NewEnvelope(EventJoinApplication, JoinApplicationPayload{ApplicationID: uint(applicationID)})
		return env, true, err
	case RoomKindPost:
		env, err := NewEnvelope(EventJoinPost, JoinRoomPayload{ID: id})
		return env, true, err
	case RoomKindSchoolRating:
		env, err := NewEnvelope(EventJoinSchoolRating, JoinRoomPayload{ID: id})
		return env, true, err
	case RoomKindJobFeed:
		env, err := NewEnvelope(EventJoinJobFeed, nil)
		return env, true, err
	case RoomKindAdminWebinar:
		env, err := NewEnvelope(EventJoinAdminWebinarRoom, nil)
		return env, true, err
	case RoomKindAdminPlan:
		return Envelope{}, false, nil
	default:
		return Envelope{}, false, fmt.Errorf("unknown room kind %q", kind)
	}
}

// leaveEnvelope builds the leave event for a room id. Broadcast rooms have
// no leave signal; membership ends with the connection.
func leaveEnvelope(room string) (Envelope, bool, error) {
	kind, id := splitRoom(room)
	switch kind {
	case RoomKindApplication:
		applicationID, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return Envelope{}, false, fmt.Errorf("invalid application room %q: %w", room, err)
		}
		env, err := NewEnvelope(EventLeaveApplication, JoinApplicationPayload{ApplicationID: uint(applicationID)})
		return env, true, err
	case RoomKindPost:
		env, err := NewEnvelope(EventLeavePost, JoinRoomPayload{ID: id})
		return env, true, err
	case RoomKindSchoolRating:
		env, err := NewEnvelope(EventLeaveSchoolRating, JoinRoomPayload{ID: id})
		return env, true, err
	case RoomKindJobFeed, RoomKindAdminWebinar, RoomKindAdminPlan:
		return Envelope{}, false, nil
	default:
		return Envelope{}, false, fmt.Errorf("unknown room kind %q", kind)
	}
}

func splitRoom(room string) (kind, id string) {
	if i := strings.IndexByte(room, ':'); i >= 0 {
		return room[:i], room[i+1:]
	}
	return room, ""
}
