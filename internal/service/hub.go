package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/teachlink/teachlink-realtime/internal/observability"
	"github.com/teachlink/teachlink-realtime/pkg/realtime"
)

// hub tracks active websocket clients and their room memberships. A client
// may belong to many rooms at once; join is idempotent and leaving a room
// the client never joined is a no-op.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*wsClient]struct{}
	users map[string]map[*wsClient]struct{}
	log   zerolog.Logger
}

func newHub(logger zerolog.Logger) *hub {
	return &hub{
		rooms: make(map[string]map[*wsClient]struct{}),
		users: make(map[string]map[*wsClient]struct{}),
		log:   logger.With().Str("component", "realtime_hub").Logger(),
	}
}

func (h *hub) register(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := client.options.UserID
	if _, exists := h.users[userID]; !exists {
		h.users[userID] = make(map[*wsClient]struct{})
	}
	h.users[userID][client] = struct{}{}
	h.log.Debug().Str("user_id", userID).Msg("realtime client connected")
}

func (h *hub) unregister(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}
	client.rooms = make(map[string]struct{})

	userID := client.options.UserID
	if clients, ok := h.users[userID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.users, userID)
		}
	}
	h.log.Debug().Str("user_id", userID).Msg("realtime client disconnected")
}

func (h *hub) join(client *wsClient, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, already := client.rooms[room]; already {
		return
	}

	if _, exists := h.rooms[room]; !exists {
		h.rooms[room] = make(map[*wsClient]struct{})
		observability.RoomsActive().Inc()
	}
	h.rooms[room][client] = struct{}{}
	client.rooms[room] = struct{}{}
	h.log.Debug().Str("room_id", room).Str("user_id", client.options.UserID).Msg("client joined room")
}

func (h *hub) leave(client *wsClient, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, member := client.rooms[room]; !member {
		return
	}
	delete(client.rooms, room)
	h.removeFromRoom(client, room)
	h.log.Debug().Str("room_id", room).Str("user_id", client.options.UserID).Msg("client left room")
}

// removeFromRoom must be called with the hub lock held.
func (h *hub) removeFromRoom(client *wsClient, room string) {
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
			observability.RoomsActive().Dec()
		}
	}
}

func (h *hub) broadcast(room string, envelope realtime.Envelope, except *wsClient) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		if client == except {
			continue
		}
		h.deliver(client, envelope, room)
	}
}

func (h *hub) sendToUser(userID string, envelope realtime.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.users[userID] {
		h.deliver(client, envelope, "")
	}
}

func (h *hub) broadcastAll(envelope realtime.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, clients := range h.users {
		for client := range clients {
			h.deliver(client, envelope, "")
		}
	}
}

func (h *hub) deliver(client *wsClient, envelope realtime.Envelope, room string) {
	select {
	case client.send <- envelope:
	default:
		h.log.Warn().
			Str("room_id", room).
			Str("user_id", client.options.UserID).
			Str("event", envelope.Event).
			Msg("dropping event for slow client")
	}
}

func (h *hub) memberOf(client *wsClient, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, member := client.rooms[room]
	return member
}
