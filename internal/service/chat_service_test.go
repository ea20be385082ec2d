package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/teachlink/teachlink-realtime/internal/dto"
	"github.com/teachlink/teachlink-realtime/internal/models"
	"github.com/teachlink/teachlink-realtime/pkg/realtime"
)

type memoryMessageRepo struct {
	mu       sync.Mutex
	messages map[uint]models.ChatMessage
	nextID   uint
}

func newMemoryMessageRepo() *memoryMessageRepo {
	return &memoryMessageRepo{messages: make(map[uint]models.ChatMessage)}
}

func (m *memoryMessageRepo) SaveIdempotent(ctx context.Context, message *models.ChatMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if message.ClientRef != "" {
		for _, existing := range m.messages {
			if existing.ClientRef == message.ClientRef {
				*message = existing
				return false, nil
			}
		}
	}

	m.nextID++
	message.ID = m.nextID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().Add(time.Duration(m.nextID) * time.Millisecond)
	}
	m.messages[message.ID] = *message
	return true, nil
}

func (m *memoryMessageRepo) ListByApplication(ctx context.Context, applicationID uint, before time.Time, limit int) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.ChatMessage
	for _, message := range m.messages {
		if message.ApplicationID != applicationID {
			continue
		}
		if !before.IsZero() && !message.CreatedAt.Before(before) {
			continue
		}
		out = append(out, message)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memoryMessageRepo) MarkRead(ctx context.Context, applicationID uint, readerID string, ids []uint) ([]uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requested := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		requested[id] = struct{}{}
	}

	var marked []uint
	now := time.Now().UTC()
	for id, message := range m.messages {
		if message.ApplicationID != applicationID || message.ReceiverID != readerID || message.Read {
			continue
		}
		if len(ids) > 0 {
			if _, ok := requested[id]; !ok {
				continue
			}
		}
		message.Read = true
		message.ReadAt = &now
		m.messages[id] = message
		marked = append(marked, id)
	}
	sort.Slice(marked, func(i, j int) bool { return marked[i] < marked[j] })
	return marked, nil
}

func (m *memoryMessageRepo) MarkOneRead(ctx context.Context, id uint, readerID string) (models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	message, ok := m.messages[id]
	if !ok || message.ReceiverID != readerID {
		return models.ChatMessage{}, gorm.ErrRecordNotFound
	}
	if !message.Read {
		now := time.Now().UTC()
		message.Read = true
		message.ReadAt = &now
		m.messages[id] = message
	}
	return message, nil
}

func (m *memoryMessageRepo) UnreadByApplication(ctx context.Context, userID string) (map[uint]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uint]int64)
	for _, message := range m.messages {
		if message.ReceiverID == userID && !message.Read {
			out[message.ApplicationID]++
		}
	}
	return out, nil
}

func (m *memoryMessageRepo) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, message := range m.messages {
		if message.ReceiverID == userID && !message.Read {
			total++
		}
	}
	return total, nil
}

func (m *memoryMessageRepo) LatestByApplication(ctx context.Context, applicationID uint) (models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest models.ChatMessage
	found := false
	for _, message := range m.messages {
		if message.ApplicationID != applicationID {
			continue
		}
		if !found || message.CreatedAt.After(latest.CreatedAt) {
			latest = message
			found = true
		}
	}
	if !found {
		return models.ChatMessage{}, gorm.ErrRecordNotFound
	}
	return latest, nil
}

func (m *memoryMessageRepo) Delete(ctx context.Context, id uint, senderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	message, ok := m.messages[id]
	if !ok || message.SenderID != senderID {
		return gorm.ErrRecordNotFound
	}
	delete(m.messages, id)
	return nil
}

func (m *memoryMessageRepo) DeleteByApplication(ctx context.Context, applicationID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, message := range m.messages {
		if message.ApplicationID == applicationID {
			delete(m.messages, id)
		}
	}
	return nil
}

type memoryApplicationRepo struct {
	mu     sync.Mutex
	apps   map[uint]models.Application
	nextID uint
}

func newMemoryApplicationRepo() *memoryApplicationRepo {
	return &memoryApplicationRepo{apps: make(map[uint]models.Application)}
}

func (m *memoryApplicationRepo) seed(app models.Application) models.Application {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	app.ID = m.nextID
	m.apps[app.ID] = app
	return app
}

func (m *memoryApplicationRepo) FindByID(ctx context.Context, id uint) (models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.apps[id]
	if !ok {
		return models.Application{}, gorm.ErrRecordNotFound
	}
	return app, nil
}

func (m *memoryApplicationRepo) FindByParticipants(ctx context.Context, teacherID, schoolID string) (models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, app := range m.apps {
		if app.TeacherID == teacherID && app.SchoolID == schoolID {
			return app, nil
		}
	}
	return models.Application{}, gorm.ErrRecordNotFound
}

func (m *memoryApplicationRepo) FirstOrCreateInquiry(ctx context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.apps {
		if existing.TeacherID == app.TeacherID && existing.SchoolID == app.SchoolID {
			*app = existing
			return nil
		}
	}
	if app.Status == "" {
		app.Status = "general_inquiry"
	}
	m.nextID++
	app.ID = m.nextID
	m.apps[app.ID] = *app
	return nil
}

func (m *memoryApplicationRepo) ListForUser(ctx context.Context, userID string) ([]models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Application
	for _, app := range m.apps {
		if app.TeacherID == userID || app.SchoolID == userID {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type emission struct {
	scope   string
	target  string
	event   string
	payload interface{}
}

type capturePublisher struct {
	mu        sync.Mutex
	emissions []emission
}

func (c *capturePublisher) EmitToRoom(ctx context.Context, room, event string, payload interface{}) {
	c.record(emission{scope: "room", target: room, event: event, payload: payload})
}

func (c *capturePublisher) EmitToUser(ctx context.Context, userID, event string, payload interface{}) {
	c.record(emission{scope: "user", target: userID, event: event, payload: payload})
}

func (c *capturePublisher) EmitAll(ctx context.Context, event string, payload interface{}) {
	c.record(emission{scope: "all", event: event, payload: payload})
}

func (c *capturePublisher) record(e emission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emissions = append(c.emissions, e)
}

func (c *capturePublisher) byEvent(event string) []emission {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []emission
	for _, e := range c.emissions {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func newChatFixture(t *testing.T) (ChatService, *memoryMessageRepo, *memoryApplicationRepo, *capturePublisher) {
	t.Helper()
	messages := newMemoryMessageRepo()
	apps := newMemoryApplicationRepo()
	publisher := &capturePublisher{}
	validate := validator.New(validator.WithRequiredStructEnabled())
	service := NewChatService(messages, apps, publisher, validate, testLogger())
	return service, messages, apps, publisher
}

func TestSendMessagePersistsAndFansOut(t *testing.T) {
	service, _, apps, publisher := newChatFixture(t)
	app := apps.seed(models.Application{TeacherID: "t1", SchoolID: "s9"})

	response, err := service.SendMessage(context.Background(), "t1", sendPathRest, dto.SendMessageRequest{
		ApplicationID: app.ID,
		Message:       "hello there",
	})
	require.NoError(t, err)
	require.NotZero(t, response.ID)
	require.Equal(t, "s9", response.ReceiverID)
	require.NotEmpty(t, response.ClientRef)

	require.Len(t, publisher.byEvent(realtime.EventNewMessage), 1)
	require.Equal(t, realtime.ApplicationRoom(app.ID), publisher.byEvent(realtime.EventNewMessage)[0].target)
	require.Equal(t, "t1", publisher.byEvent(realtime.EventMessageSent)[0].target)
	require.Equal(t, "s9", publisher.byEvent(realtime.EventMessageNotification)[0].target)
}

func TestSendMessageDualPathCollapsesToOneRow(t *testing.T) {
	service, _, apps, publisher := newChatFixture(t)
	app := apps.seed(models.Application{TeacherID: "t1", SchoolID: "s9"})

	req := dto.SendMessageRequest{
		ApplicationID: app.ID,
		Message:       "only once",
		ClientRef:     "ref-abc",
	}

	first, err := service.SendMessage(context.Background(), "t1", sendPathSocket, req)
	require.NoError(t, err)

	second, err := service.SendMessage(context.Background(), "t1", sendPathRest, req)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	// Only the creating path broadcasts.
	require.Len(t, publisher.byEvent(realtime.EventNewMessage), 1)
	require.Len(t, publisher.byEvent(realtime.EventMessageSent), 1)
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	service, _, apps, _ := newChatFixture(t)
	app := apps.seed(models.Application{TeacherID: "t1", SchoolID: "s9"})

	_, err := service.SendMessage(context.Background(), "intruder", sendPathRest, dto.SendMessageRequest{
		ApplicationID: app.ID,
		Message:       "let me in",
	})
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestSendMessageSanitizesMarkup(t *testing.T) {
	service, _, apps, _ := newChatFixture(t)
	app := apps.seed(models.Application{TeacherID: "t1", SchoolID: "s9"})

	response, err := service.SendMessage(context.Background(), "t1", sendPathRest, dto.SendMessageRequest{
		ApplicationID: app.ID,
		Message:       "<script>alert(1)</script>hello",
	})
	require.NoError(t, err)
	require.Equal(t, "hello", response.Content)

	_, err = service.SendMessage(context.Background(), "t1", sendPathRest, dto.SendMessageRequest{
		ApplicationID: app.ID,
		Message:       "<script>alert(1)</script>",
	})
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestMarkConversationReadTouchesOnlyRequestedIDs(t *testing.T) {
	service, messages, apps, publisher := newChatFixture(t)
	app := apps.seed(models.Application{TeacherID: "t1", SchoolID: "s9"})

	var fetched []uint
	for i := 0; i < 3; i++ {
		response, err := service.SendMessage(context.Background(), "s9", sendPathRest, dto.SendMessageRequest{
			ApplicationID: app.ID,
			Message:       "unread",
		})
		require.NoError(t, err)
		fetched = append(fetched, response.ID)
	}

	// A fourth message lands after the reader fetched history.
	late, err := service.SendMessage(context.Background(), "s9", sendPathRest, dto.SendMessageRequest{
		ApplicationID: app.ID,
		Message:       "late arrival",
	})
	require.NoError(t, err)

	marked, err := service.MarkConversationRead(context.Background(), app.ID, "t1", fetched)
	require.NoError(t, err)
	require.ElementsMatch(t, fetched, marked)
	require.NotContains(t, marked, late.ID)

	total, err := messages.UnreadTotal(context.Background(), "t1")
	require.NoError(t, err)
	require.EqualValues(t, 1, total)

	reads := publisher.byEvent(realtime.EventMessagesRead)
	require.NotEmpty(t, reads)
	payload, ok := reads[0].payload.(realtime.MessagesReadPayload)
	require.True(t, ok)
	require.Equal(t, "t1", payload.ReaderID)
	require.ElementsMatch(t, fetched, payload.MessageIDs)
}

func TestConversationsCarryTallyAndLastMessage(t *testing.T) {
	service, _, apps, _ := newChatFixture(t)
	app := apps.seed(models.Application{TeacherID: "t1", SchoolID: "s9", TeacherName: "Alice", SchoolName: "Springfield"})

	for _, text := range []string{"first", "second"} {
		_, err := service.SendMessage(context.Background(), "s9", sendPathRest, dto.SendMessageRequest{
			ApplicationID: app.ID,
			Message:       text,
		})
		require.NoError(t, err)
	}

	conversations, err := service.Conversations(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	require.EqualValues(t, 2, conversations[0].UnreadCount)
	require.NotNil(t, conversations[0].LastMessage)
	require.Equal(t, "second", conversations[0].LastMessage.Content)
}

func TestDeleteConversationRequiresParticipant(t *testing.T) {
	service, _, apps, _ := newChatFixture(t)
	app := apps.seed(models.Application{TeacherID: "t1", SchoolID: "s9"})

	err := service.DeleteConversation(context.Background(), app.ID, "intruder")
	require.ErrorIs(t, err, ErrNotParticipant)

	require.NoError(t, service.DeleteConversation(context.Background(), app.ID, "t1"))
}

func TestResolveApplicationConvergesOnOneRecord(t *testing.T) {
	service, _, _, _ := newChatFixture(t)

	req := dto.ApplicationCreateRequest{TeacherID: "t1", SchoolID: "s9", TeacherName: "Alice", SchoolName: "Springfield"}

	first, err := service.ResolveApplication(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "general_inquiry", first.Status)

	second, err := service.ResolveApplication(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestHistoryPagesBackwards(t *testing.T) {
	service, messages, apps, _ := newChatFixture(t)
	app := apps.seed(models.Application{TeacherID: "t1", SchoolID: "s9"})

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, err := messages.SaveIdempotent(context.Background(), &models.ChatMessage{
			ApplicationID: app.ID,
			SenderID:      "s9",
			ReceiverID:    "t1",
			Content:       "msg",
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	cutoff := base.Add(3 * time.Minute)
	history, err := service.History(context.Background(), dto.ChatHistoryQuery{
		ApplicationID: app.ID,
		Before:        &cutoff,
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		require.False(t, history[i].CreatedAt.Before(history[i-1].CreatedAt))
	}
}

func TestUnreadCountRequiresUser(t *testing.T) {
	service, _, _, _ := newChatFixture(t)

	_, err := service.UnreadCount(context.Background(), "  ")
	require.Error(t, err)
	require.False(t, errors.Is(err, gorm.ErrRecordNotFound))
}
