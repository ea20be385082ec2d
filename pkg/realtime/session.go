package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionState describes the active conversation's lifecycle.
type SessionState string

const (
	StateUnselected         SessionState = "unselected"
	StateLoading            SessionState = "loading"
	StateReady              SessionState = "ready"
	StateSending            SessionState = "sending"
	StatePlaceholderPending SessionState = "placeholder_pending"
)

const (
	typingDebounce = 2 * time.Second
	typingTTL      = 3 * time.Second
)

// ErrNoConversation is returned by operations that need a selected
// conversation when none is active.
var ErrNoConversation = errors.New("realtime: no active conversation")

// placeholder describes a conversation not yet backed by a persisted
// application record.
type placeholder struct {
	counterpartID   string
	counterpartName string
}

// resolution is the single in-flight placeholder resolution for one
// counterpart. Concurrent sends wait on done instead of racing a second
// lookup, so the backing application is created at most once.
type resolution struct {
	done chan struct{}
	app  Application
	err  error
}

// Session drives chat for one authenticated user: conversation selection,
// the dual-path send, typing debounce, read reconciliation and the unread
// counter. It owns its handler registrations on the shared dispatcher.
type Session struct {
	manager  *Manager
	rest     *RESTClient
	unread   *UnreadCounter
	presence *PresenceSet
	logger   zerolog.Logger

	userID      string
	role        string
	displayName string

	mu            sync.Mutex
	conversations map[uint]Conversation
	state         SessionState
	activeID      uint
	active        *placeholder
	transcript    *transcript
	loadingBuffer []Message
	resolutions   map[string]*resolution

	typingDebounce time.Duration
	typingTTL      time.Duration
	typingActive   bool
	typingTimer    *time.Timer

	indicatorName  string
	indicatorTimer *time.Timer

	subs     []Subscription
	onNotice func(text string)
}

// NewSession wires a session onto the manager's dispatcher. The manager's
// options supply the user identity.
func NewSession(manager *Manager, rest *RESTClient, logger zerolog.Logger) *Session {
	s := &Session{
		manager:        manager,
		rest:           rest,
		unread:         NewUnreadCounter(rest, logger),
		presence:       NewPresenceSet(),
		logger:         logger.With().Str("component", "session").Logger(),
		userID:         manager.opts.UserID,
		role:           manager.opts.Role,
		displayName:    manager.opts.DisplayName,
		conversations:  make(map[uint]Conversation),
		state:          StateUnselected,
		resolutions:    make(map[string]*resolution),
		typingDebounce: typingDebounce,
		typingTTL:      typingTTL,
	}
	s.attach()
	return s
}

// OnNotice registers the user-facing toast callback.
func (s *Session) OnNotice(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onNotice = fn
}

// Start loads the unread baseline and launches the periodic resync loop.
func (s *Session) Start(ctx context.Context) {
	s.unread.Start(ctx)
}

// Close deregisters every handler and stops timers and the resync loop.
func (s *Session) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	if s.indicatorTimer != nil {
		s.indicatorTimer.Stop()
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.manager.Dispatcher().Off(sub)
	}
	s.unread.Stop()
}

// Unread exposes the unread counter.
func (s *Session) Unread() *UnreadCounter {
	return s.unread
}

// Presence exposes the online participant set.
func (s *Session) Presence() *PresenceSet {
	return s.presence
}

// State returns the active conversation's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// ActiveConversation returns the selected application id, zero when none or
// when the active conversation is an unresolved placeholder.
func (s *Session) ActiveConversation() uint {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeID
}

// Transcript returns a copy of the active conversation's messages in
// chronological order.
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transcript == nil {
		return nil
	}
	return s.transcript.snapshot()
}

// TypingParticipant reports the counterpart currently typing in the active
// conversation, if any.
func (s *Session) TypingParticipant() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.indicatorName, s.indicatorName != ""
}

// Conversations returns the working set ordered by most recent activity.
func (s *Session) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		list = append(list, conv)
	}
	sort.Slice(list, func(i, j int) bool {
		ti, tj := lastActivity(list[i]), lastActivity(list[j])
		if ti.Equal(tj) {
			return list[i].ApplicationID > list[j].ApplicationID
		}
		return ti.After(tj)
	})
	return list
}

// RefreshConversations replaces the working set from the durable store.
func (s *Session) RefreshConversations(ctx context.Context) error {
	conversations, err := s.rest.Conversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conversations = make(map[uint]Conversation, len(conversations))
	for _, conv := range conversations {
		s.conversations[conv.ApplicationID] = conv
	}
	s.mu.Unlock()
	return nil
}

// StartConversation opens a placeholder conversation with a counterpart
// that has no application record yet. The record is resolved or created on
// the first send.
func (s *Session) StartConversation(counterpartID, counterpartName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StatePlaceholderPending
	s.activeID = 0
	s.active = &placeholder{counterpartID: counterpartID, counterpartName: counterpartName}
	s.transcript = newTranscript()
	s.loadingBuffer = nil
}

// SelectConversation makes the conversation active: joins its room, loads
// the full history and marks the fetched unread messages as read. Only the
// messages present at fetch time are marked, so one arriving while the
// mark is in flight stays unread.
func (s *Session) SelectConversation(ctx context.Context, applicationID uint) error {
	s.mu.Lock()
	s.state = StateLoading
	s.activeID = applicationID
	s.active = nil
	s.transcript = newTranscript()
	s.loadingBuffer = nil
	s.mu.Unlock()

	if err := s.manager.JoinApplication(applicationID); err != nil {
		s.logger.Warn().Err(err).Uint("application_id", applicationID).Msg("join emit failed")
	}

	history, err := s.rest.History(ctx, applicationID, 0, time.Time{})
	if err != nil {
		s.mu.Lock()
		if s.activeID == applicationID {
			s.state = StateUnselected
			s.activeID = 0
		}
		s.mu.Unlock()
		s.notify("failed to load conversation")
		return err
	}

	var unreadIDs []uint
	s.mu.Lock()
	if s.activeID != applicationID {
		// Superseded by a later selection while the fetch was in flight.
		s.mu.Unlock()
		return nil
	}
	for _, msg := range history {
		s.transcript.merge(msg)
		if msg.ReceiverID == s.userID && !msg.Read {
			unreadIDs = append(unreadIDs, msg.ID)
		}
	}
	for _, msg := range s.loadingBuffer {
		s.transcript.merge(msg)
	}
	s.loadingBuffer = nil
	s.state = StateReady
	s.mu.Unlock()

	if len(unreadIDs) > 0 {
		err := s.manager.Emit(EventMarkMessagesRead, MarkMessagesReadPayload{
			ApplicationID: applicationID,
			MessageIDs:    unreadIDs,
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("mark read emit failed")
		}
	}

	// Selecting changes server-side read state; resync now instead of
	// waiting for the timer.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.unread.Resync(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("post-select resync failed")
		}
	}()
	return nil
}

// LeaveConversation returns to the unselected state and leaves the room.
func (s *Session) LeaveConversation() {
	s.mu.Lock()
	applicationID := s.activeID
	s.state = StateUnselected
	s.activeID = 0
	s.active = nil
	s.transcript = nil
	s.loadingBuffer = nil
	s.clearIndicatorLocked()
	s.mu.Unlock()

	if applicationID != 0 {
		if err := s.manager.LeaveApplication(applicationID); err != nil {
			s.logger.Warn().Err(err).Uint("application_id", applicationID).Msg("leave emit failed")
		}
	}
}

// SendMessage sends over the dual path: an immediate socket emit plus the
// durable REST call, both carrying the same client reference so the
// transcript gains exactly one entry. Empty text is a no-op. A REST failure
// rolls the optimistic entry back and returns the error so the caller can
// preserve the input for retry; a socket-only failure degrades to REST
// delivery.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	s.mu.Lock()
	state := s.state
	pending := s.active
	s.mu.Unlock()

	if state == StatePlaceholderPending {
		if pending == nil {
			return ErrNoConversation
		}
		app, err := s.resolveApplication(ctx, pending.counterpartID, pending.counterpartName)
		if err != nil {
			s.notify("could not start the conversation")
			return err
		}
		s.adoptApplication(app)
	} else if state != StateReady && state != StateSending {
		return ErrNoConversation
	}

	s.mu.Lock()
	applicationID := s.activeID
	receiverID := s.counterpartLocked(applicationID)
	clientRef := uuid.NewString()
	now := time.Now()
	if s.transcript == nil {
		s.transcript = newTranscript()
	}
	s.transcript.appendPending(Message{
		ApplicationID: applicationID,
		SenderID:      s.userID,
		ReceiverID:    receiverID,
		Content:       trimmed,
		Type:          "text",
		ClientRef:     clientRef,
		CreatedAt:     now,
	})
	s.state = StateSending
	s.mu.Unlock()

	s.TypingStop()

	payload := SendMessagePayload{
		ApplicationID: applicationID,
		Message:       trimmed,
		MessageType:   "text",
		ReceiverID:    receiverID,
		ClientRef:     clientRef,
	}
	if err := s.manager.Emit(EventSendMessage, payload); err != nil {
		s.logger.Warn().Err(err).Msg("socket emit failed, relying on durable path")
	}

	stored, err := s.rest.SendMessage(ctx, payload)
	s.mu.Lock()
	if err != nil {
		if s.transcript != nil {
			s.transcript.removeRef(clientRef)
		}
		if s.state == StateSending {
			s.state = StateReady
		}
		s.mu.Unlock()
		s.notify("message failed to send")
		return err
	}
	if s.activeID == applicationID && s.transcript != nil {
		s.transcript.merge(stored)
	}
	if s.state == StateSending {
		s.state = StateReady
	}
	s.updateSnapshotLocked(stored)
	s.mu.Unlock()
	return nil
}

// DeleteConversation removes every message in a conversation and drops it
// from the working set.
func (s *Session) DeleteConversation(ctx context.Context, applicationID uint) error {
	if err := s.rest.DeleteConversation(ctx, applicationID); err != nil {
		s.notify("failed to delete conversation")
		return err
	}

	s.mu.Lock()
	delete(s.conversations, applicationID)
	active := s.activeID == applicationID
	if active {
		s.state = StateUnselected
		s.activeID = 0
		s.transcript = nil
	}
	s.mu.Unlock()

	if active {
		_ = s.manager.LeaveApplication(applicationID)
	}
	return nil
}

// SetOnline publishes the caller's own presence state.
func (s *Session) SetOnline(online bool) error {
	return s.manager.Emit(EventSetOnlineStatus, SetOnlineStatusPayload{Online: online})
}

// TypingStart records a keystroke. A burst of calls collapses into one
// typing_start emit; typing_stop follows automatically after two seconds of
// silence.
func (s *Session) TypingStart() {
	s.mu.Lock()
	applicationID := s.activeID
	if applicationID == 0 || (s.state != StateReady && s.state != StateSending) {
		s.mu.Unlock()
		return
	}
	emit := !s.typingActive
	s.typingActive = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingDebounce, s.typingExpired)
	name := s.displayName
	s.mu.Unlock()

	if emit {
		err := s.manager.Emit(EventTypingStart, TypingPayload{ApplicationID: applicationID, Name: name})
		if err != nil {
			s.logger.Debug().Err(err).Msg("typing_start emit failed")
		}
	}
}

// TypingStop ends the typing burst immediately, e.g. on blur or send.
func (s *Session) TypingStop() {
	s.mu.Lock()
	if !s.typingActive {
		s.mu.Unlock()
		return
	}
	s.typingActive = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	applicationID := s.activeID
	s.mu.Unlock()

	if applicationID == 0 {
		return
	}
	err := s.manager.Emit(EventTypingStop, TypingPayload{ApplicationID: applicationID})
	if err != nil {
		s.logger.Debug().Err(err).Msg("typing_stop emit failed")
	}
}

func (s *Session) typingExpired() {
	s.TypingStop()
}

func (s *Session) attach() {
	d := s.manager.Dispatcher()
	s.subs = append(s.subs,
		d.On(EventNewMessage, s.handleNewMessage),
		d.On(EventMessageSent, s.handleMessageSent),
		d.On(EventMessagesRead, s.handleMessagesRead),
		d.On(EventUserTyping, s.handleUserTyping),
		d.On(EventUserStatusChanged, s.handleUserStatusChanged),
		d.On(EventNotification, s.handleNotification),
		d.On(EventConnect, s.handleConnect),
		d.On(EventConnectError, s.handleConnectError),
	)
}

func (s *Session) handleNewMessage(data json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("bad new_message payload")
		return
	}

	s.mu.Lock()
	activeMatch := msg.ApplicationID == s.activeID && s.transcript != nil
	state := s.state
	switch {
	case activeMatch && state == StateLoading:
		// History fetch in flight; buffer and merge after the fill so the
		// message is neither lost nor duplicated.
		s.loadingBuffer = append(s.loadingBuffer, msg)
	case activeMatch:
		s.transcript.merge(msg)
	}
	viewing := activeMatch && (state == StateReady || state == StateSending)
	toMe := msg.ReceiverID == s.userID
	s.updateSnapshotLocked(msg)
	if toMe && !viewing {
		if conv, ok := s.conversations[msg.ApplicationID]; ok {
			conv.UnreadCount++
			s.conversations[msg.ApplicationID] = conv
		}
	}
	s.mu.Unlock()

	if !toMe {
		return
	}
	if viewing {
		// The conversation is open, so the message is seen immediately.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.rest.MarkMessageRead(ctx, msg.ID); err != nil {
				s.logger.Warn().Err(err).Uint("message_id", msg.ID).Msg("mark read failed")
			}
		}()
		return
	}
	s.unread.Increment()
}

func (s *Session) handleMessageSent(data json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("bad message_sent payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ApplicationID == s.activeID && s.transcript != nil {
		s.transcript.merge(msg)
	}
	s.updateSnapshotLocked(msg)
}

func (s *Session) handleMessagesRead(data json.RawMessage) {
	var payload MessagesReadPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("bad messages_read payload")
		return
	}

	mine := payload.ReaderID == s.userID

	s.mu.Lock()
	if payload.ApplicationID == s.activeID && s.transcript != nil {
		s.transcript.markRead(payload.MessageIDs)
	}
	if mine {
		if conv, ok := s.conversations[payload.ApplicationID]; ok {
			conv.UnreadCount -= int64(len(payload.MessageIDs))
			if conv.UnreadCount < 0 {
				conv.UnreadCount = 0
			}
			s.conversations[payload.ApplicationID] = conv
		}
	}
	s.mu.Unlock()

	if mine {
		s.unread.Decrement(len(payload.MessageIDs))
	}
}

func (s *Session) handleUserTyping(data json.RawMessage) {
	var payload TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("bad user_typing payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if payload.ApplicationID != s.activeID {
		return
	}
	if payload.Stopped {
		s.clearIndicatorLocked()
		return
	}

	s.indicatorName = payload.Name
	if s.indicatorTimer != nil {
		s.indicatorTimer.Stop()
	}
	s.indicatorTimer = time.AfterFunc(s.typingTTL, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.clearIndicatorLocked()
	})
}

func (s *Session) handleUserStatusChanged(data json.RawMessage) {
	var payload StatusChangePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("bad user_status_changed payload")
		return
	}

	if !s.presence.Apply(payload) {
		s.logger.Debug().Str("user_id", payload.UserID).Uint64("seq", payload.Seq).Msg("stale presence update")
	}
}

func (s *Session) handleNotification(data json.RawMessage) {
	var payload NotificationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("bad notification payload")
		return
	}

	s.notify(payload.Message)
}

func (s *Session) handleConnectError(data json.RawMessage) {
	var payload ConnectErrorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("bad connect_error payload")
	}

	s.logger.Warn().Str("reason", payload.Reason).Msg("connection failed")
	s.notify("connection problem, please check your network")
}

func (s *Session) handleConnect(json.RawMessage) {
	// Events during the disconnect window were lost; resync the counter.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.unread.Resync(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("post-reconnect resync failed")
		}
	}()
}

func (s *Session) resolveApplication(ctx context.Context, counterpartID, counterpartName string) (Application, error) {
	s.mu.Lock()
	if r, ok := s.resolutions[counterpartID]; ok {
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return Application{}, ctx.Err()
		case <-r.done:
			return r.app, r.err
		}
	}
	r := &resolution{done: make(chan struct{})}
	s.resolutions[counterpartID] = r
	s.mu.Unlock()

	r.app, r.err = s.lookupOrCreate(ctx, counterpartID, counterpartName)
	close(r.done)

	s.mu.Lock()
	delete(s.resolutions, counterpartID)
	s.mu.Unlock()

	return r.app, r.err
}

func (s *Session) lookupOrCreate(ctx context.Context, counterpartID, counterpartName string) (Application, error) {
	existing, err := s.rest.SearchApplications(ctx, counterpartID)
	if err != nil {
		return Application{}, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	req := ApplicationCreate{}
	if s.role == "school" {
		req.SchoolID = s.userID
		req.SchoolName = s.displayName
		req.TeacherID = counterpartID
		req.TeacherName = counterpartName
	} else {
		req.TeacherID = s.userID
		req.TeacherName = s.displayName
		req.SchoolID = counterpartID
		req.SchoolName = counterpartName
	}
	return s.rest.CreateApplication(ctx, req)
}

// adoptApplication atomically replaces the placeholder with the resolved
// conversation before any message is attributed to it.
func (s *Session) adoptApplication(app Application) {
	s.mu.Lock()
	s.activeID = app.ID
	s.active = nil
	s.state = StateReady
	if _, ok := s.conversations[app.ID]; !ok {
		s.conversations[app.ID] = Conversation{
			ApplicationID: app.ID,
			TeacherID:     app.TeacherID,
			SchoolID:      app.SchoolID,
			TeacherName:   app.TeacherName,
			SchoolName:    app.SchoolName,
			Status:        app.Status,
		}
	}
	s.mu.Unlock()

	if err := s.manager.JoinApplication(app.ID); err != nil {
		s.logger.Warn().Err(err).Uint("application_id", app.ID).Msg("join emit failed")
	}
}

func (s *Session) counterpartLocked(applicationID uint) string {
	conv, ok := s.conversations[applicationID]
	if !ok {
		return ""
	}
	if conv.TeacherID == s.userID {
		return conv.SchoolID
	}
	return conv.TeacherID
}

func (s *Session) updateSnapshotLocked(msg Message) {
	conv, ok := s.conversations[msg.ApplicationID]
	if !ok {
		return
	}
	if conv.LastMessage == nil || !msg.CreatedAt.Before(conv.LastMessage.CreatedAt) {
		copied := msg
		conv.LastMessage = &copied
		s.conversations[msg.ApplicationID] = conv
	}
}

func (s *Session) clearIndicatorLocked() {
	s.indicatorName = ""
	if s.indicatorTimer != nil {
		s.indicatorTimer.Stop()
		s.indicatorTimer = nil
	}
}

func (s *Session) notify(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	fn := s.onNotice
	s.mu.Unlock()

	if fn != nil {
		fn(text)
	}
}

func lastActivity(conv Conversation) time.Time {
	if conv.LastMessage != nil {
		return conv.LastMessage.CreatedAt
	}
	return time.Time{}
}
