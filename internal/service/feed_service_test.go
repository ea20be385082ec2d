package service

import (
	"context"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/teachlink/teachlink-realtime/internal/dto"
	"github.com/teachlink/teachlink-realtime/internal/models"
	"github.com/teachlink/teachlink-realtime/pkg/realtime"
)

type memoryNotificationRepo struct {
	mu            sync.Mutex
	notifications map[uint]models.Notification
	nextID        uint
}

func newMemoryNotificationRepo() *memoryNotificationRepo {
	return &memoryNotificationRepo{notifications: make(map[uint]models.Notification)}
}

func (m *memoryNotificationRepo) Create(ctx context.Context, notification *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	notification.ID = m.nextID
	m.notifications[notification.ID] = *notification
	return nil
}

func (m *memoryNotificationRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Notification
	for _, notification := range m.notifications {
		if notification.UserID == userID {
			out = append(out, notification)
		}
	}
	return out, nil
}

func (m *memoryNotificationRepo) MarkRead(ctx context.Context, id uint, userID string) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	notification, ok := m.notifications[id]
	if !ok || notification.UserID != userID {
		return models.Notification{}, gorm.ErrRecordNotFound
	}
	notification.Read = true
	m.notifications[id] = notification
	return notification, nil
}

func (m *memoryNotificationRepo) FindByID(ctx context.Context, id uint) (models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	notification, ok := m.notifications[id]
	if !ok {
		return models.Notification{}, gorm.ErrRecordNotFound
	}
	return notification, nil
}

func newFeedFixture(t *testing.T) (FeedService, *memoryNotificationRepo, *capturePublisher) {
	t.Helper()
	repo := newMemoryNotificationRepo()
	publisher := &capturePublisher{}
	validate := validator.New(validator.WithRequiredStructEnabled())
	return NewFeedService(repo, publisher, validate, testLogger()), repo, publisher
}

func TestFeedPublishPersistsAndEmitsToUser(t *testing.T) {
	service, repo, publisher := newFeedFixture(t)

	response, err := service.Publish(context.Background(), dto.NotificationCreateRequest{
		UserID:  "t1",
		Type:    "post_liked",
		Message: "Bob liked <b>your</b> post",
		Payload: map[string]string{"post_id": "12"},
	})
	require.NoError(t, err)
	require.NotZero(t, response.ID)
	require.Equal(t, "Bob liked your post", response.Message)

	stored, err := repo.FindByID(context.Background(), response.ID)
	require.NoError(t, err)
	require.Equal(t, "t1", stored.UserID)

	emitted := publisher.byEvent(realtime.EventNotification)
	require.Len(t, emitted, 1)
	require.Equal(t, "t1", emitted[0].target)
}

func TestFeedPublishRejectsEmptyMessage(t *testing.T) {
	service, _, _ := newFeedFixture(t)

	_, err := service.Publish(context.Background(), dto.NotificationCreateRequest{
		UserID:  "t1",
		Type:    "post_liked",
		Message: "<script>alert(1)</script>",
	})
	require.Error(t, err)
}

func TestFeedBroadcastValidatesEventNames(t *testing.T) {
	service, _, publisher := newFeedFixture(t)

	err := service.Broadcast(context.Background(), "made_up_event", realtime.RoomKindJobFeed, nil)
	require.ErrorIs(t, err, ErrUnknownFeedEvent)

	err = service.Broadcast(context.Background(), realtime.EventNewJobPosted, "", nil)
	require.Error(t, err)

	err = service.Broadcast(context.Background(), realtime.EventNewJobPosted, realtime.RoomKindJobFeed, map[string]string{"job_id": "3"})
	require.NoError(t, err)

	emitted := publisher.byEvent(realtime.EventNewJobPosted)
	require.Len(t, emitted, 1)
	require.Equal(t, realtime.RoomKindJobFeed, emitted[0].target)
}

func TestFeedMarkReadScopedToOwner(t *testing.T) {
	service, _, _ := newFeedFixture(t)

	created, err := service.Publish(context.Background(), dto.NotificationCreateRequest{
		UserID:  "t1",
		Type:    "new_post",
		Message: "fresh post",
	})
	require.NoError(t, err)

	_, err = service.MarkRead(context.Background(), created.ID, "someone-else")
	require.Error(t, err)

	updated, err := service.MarkRead(context.Background(), created.ID, "t1")
	require.NoError(t, err)
	require.True(t, updated.Read)
}
