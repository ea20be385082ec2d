package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeGateway serves the chat REST collaborator endpoints from memory.
type fakeGateway struct {
	server *httptest.Server

	mu               sync.Mutex
	conversations    []Conversation
	conversationsErr bool
	unreadTotal      int64
	history          map[uint][]Message
	historyDelay     time.Duration
	applications     []Application
	searchDelay      time.Duration
	sendFail         bool
	nextMessageID    uint
	sent             []Message
	createCalls      int
	readCalls        []uint
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{
		history:       make(map[uint][]Message),
		nextMessageID: 100,
	}
	g.server = httptest.NewServer(http.HandlerFunc(g.route))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/api/chat/conversations":
		g.mu.Lock()
		fail := g.conversationsErr
		conversations := append([]Conversation(nil), g.conversations...)
		g.mu.Unlock()
		if fail {
			writeFailure(w, http.StatusInternalServerError, "conversations unavailable")
			return
		}
		writeSuccess(w, conversations)

	case r.Method == http.MethodGet && path == "/api/chat/unread-count":
		g.mu.Lock()
		total := g.unreadTotal
		g.mu.Unlock()
		writeSuccess(w, map[string]int64{"total": total})

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/chat/messages/"):
		id, _ := strconv.ParseUint(strings.TrimPrefix(path, "/api/chat/messages/"), 10, 64)
		g.mu.Lock()
		delay := g.historyDelay
		messages := append([]Message(nil), g.history[uint(id)]...)
		g.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		writeSuccess(w, messages)

	case r.Method == http.MethodPost && path == "/api/chat/messages":
		var payload SendMessagePayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		g.mu.Lock()
		if g.sendFail {
			g.mu.Unlock()
			writeFailure(w, http.StatusInternalServerError, "persistence unavailable")
			return
		}
		g.nextMessageID++
		stored := Message{
			ID:            g.nextMessageID,
			ApplicationID: payload.ApplicationID,
			ReceiverID:    payload.ReceiverID,
			Content:       payload.Message,
			Type:          payload.MessageType,
			ClientRef:     payload.ClientRef,
			CreatedAt:     time.Now(),
		}
		g.sent = append(g.sent, stored)
		g.mu.Unlock()
		writeSuccess(w, stored)

	case r.Method == http.MethodPut && strings.HasSuffix(path, "/read"):
		raw := strings.TrimSuffix(strings.TrimPrefix(path, "/api/chat/messages/"), "/read")
		id, _ := strconv.ParseUint(raw, 10, 64)
		g.mu.Lock()
		g.readCalls = append(g.readCalls, uint(id))
		g.mu.Unlock()
		writeSuccess(w, nil)

	case r.Method == http.MethodDelete:
		writeSuccess(w, nil)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/api/applications"):
		g.mu.Lock()
		delay := g.searchDelay
		applications := append([]Application(nil), g.applications...)
		g.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		writeSuccess(w, applications)

	case r.Method == http.MethodPost && strings.HasPrefix(path, "/api/applications"):
		var req ApplicationCreate
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		g.createCalls++
		created := Application{
			ID:          500,
			TeacherID:   req.TeacherID,
			SchoolID:    req.SchoolID,
			TeacherName: req.TeacherName,
			SchoolName:  req.SchoolName,
			Status:      "general_inquiry",
		}
		g.applications = append(g.applications, created)
		g.mu.Unlock()
		writeSuccess(w, created)

	default:
		writeFailure(w, http.StatusNotFound, "not found")
	}
}

func (g *fakeGateway) rest(t *testing.T) *RESTClient {
	t.Helper()
	return NewRESTClient(RESTOptions{
		BaseURL: g.server.URL,
		Token:   "test-token",
		Logger:  testLogger(),
	})
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "ok",
		"data":    data,
	})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// wsGateway upgrades websocket connections and records every envelope the
// client emits.
type wsGateway struct {
	server   *httptest.Server
	received chan Envelope
	conns    chan *websocket.Conn
}

func newWSGateway(t *testing.T) *wsGateway {
	g := &wsGateway{
		received: make(chan Envelope, 64),
		conns:    make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- conn
		go func() {
			for {
				var env Envelope
				if err := conn.ReadJSON(&env); err != nil {
					return
				}
				g.received <- env
			}
		}()
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *wsGateway) url() string {
	return "ws" + strings.TrimPrefix(g.server.URL, "http")
}

// expect returns the next envelope emitted for the given event, skipping
// unrelated traffic such as rejoin signals.
func (g *wsGateway) expect(t *testing.T, event string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-g.received:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// expectNone asserts no envelope for the event arrives within the window.
func (g *wsGateway) expectNone(t *testing.T, event string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case env := <-g.received:
			if env.Event == event {
				t.Fatalf("unexpected %s envelope", event)
			}
		case <-deadline:
			return
		}
	}
}

func requireConn(t *testing.T, g *wsGateway) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-g.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "condition never satisfied")
}
