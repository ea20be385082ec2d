package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/teachlink/teachlink-realtime/internal/dto"
	"github.com/teachlink/teachlink-realtime/internal/models"
	"github.com/teachlink/teachlink-realtime/internal/observability"
	"github.com/teachlink/teachlink-realtime/internal/repository"
	"github.com/teachlink/teachlink-realtime/pkg/realtime"
)

// feedEvents are the broadcast event names the feed service accepts. A
// disconnected client simply misses these; there is no replay.
var feedEvents = map[string]struct{}{
	realtime.EventRatingUpdated:        {},
	realtime.EventNewPost:              {},
	realtime.EventPostLiked:            {},
	realtime.EventPostCommented:        {},
	realtime.EventPostShared:           {},
	realtime.EventImageUploaded:        {},
	realtime.EventStatsUpdated:         {},
	realtime.EventPlanCreated:          {},
	realtime.EventPlanUpdated:          {},
	realtime.EventPlanDeleted:          {},
	realtime.EventWebinarCreated:       {},
	realtime.EventWebinarUpdated:       {},
	realtime.EventWebinarDeleted:       {},
	realtime.EventNewJobPosted:         {},
	realtime.EventJobUpdated:           {},
	realtime.EventApplicationSubmitted: {},
	realtime.EventApplicationUpdated:   {},
}

// ErrUnknownFeedEvent rejects broadcast requests with unlisted event names.
var ErrUnknownFeedEvent = errors.New("unknown feed event")

// FeedService persists per-user notifications and fans social/job feed
// events into their rooms on a best-effort basis.
type FeedService interface {
	Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error)
	Broadcast(ctx context.Context, event, room string, payload map[string]string) error
	List(ctx context.Context, userID string, limit, offset int) ([]dto.NotificationResponse, error)
	MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error)
}

type feedService struct {
	repo      repository.NotificationRepository
	publisher EventPublisher
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
}

// NewFeedService constructs the feed fanout service.
func NewFeedService(repo repository.NotificationRepository, publisher EventPublisher, validate *validator.Validate, logger zerolog.Logger) FeedService {
	return &feedService{
		repo:      repo,
		publisher: publisher,
		validator: validate,
		logger:    logger.With().Str("component", "feed_service").Logger(),
		tracer:    otel.Tracer("github.com/teachlink/teachlink-realtime/internal/service/feed"),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

func (s *feedService) Publish(ctx context.Context, payload dto.NotificationCreateRequest) (dto.NotificationResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.NotificationResponse{}, err
	}

	cleanMessage := strings.TrimSpace(s.sanitizer.Sanitize(payload.Message))
	if cleanMessage == "" {
		return dto.NotificationResponse{}, errors.New("notification message empty after sanitization")
	}

	attrs := []attribute.KeyValue{
		attribute.String("notification.user_id", payload.UserID),
		attribute.String("notification.type", payload.Type),
	}

	spanCtx, span := s.tracer.Start(ctx, "feed.publish", trace.WithAttributes(attrs...))
	defer span.End()

	model := models.Notification{
		UserID:  payload.UserID,
		Type:    payload.Type,
		Message: cleanMessage,
	}
	if len(payload.Payload) > 0 {
		model.Payload = make(datatypes.JSONMap, len(payload.Payload))
		for key, value := range payload.Payload {
			model.Payload[key] = value
		}
	}

	if err := s.repo.Create(spanCtx, &model); err != nil {
		span.RecordError(err)
		return dto.NotificationResponse{}, err
	}

	response := dto.NewNotificationResponse(model)
	s.publisher.EmitToUser(spanCtx, response.UserID, realtime.EventNotification, realtime.NotificationPayload{
		ID:      response.ID,
		UserID:  response.UserID,
		Type:    response.Type,
		Message: response.Message,
		Payload: response.Payload,
	})

	observability.NotificationsPublished().WithLabelValues(response.Type).Inc()

	return response, nil
}

func (s *feedService) Broadcast(ctx context.Context, event, room string, payload map[string]string) error {
	if _, ok := feedEvents[event]; !ok {
		return ErrUnknownFeedEvent
	}
	if strings.TrimSpace(room) == "" {
		return errors.New("room is required")
	}

	s.publisher.EmitToRoom(ctx, room, event, payload)
	observability.NotificationsPublished().WithLabelValues(event).Inc()
	return nil
}

func (s *feedService) List(ctx context.Context, userID string, limit, offset int) ([]dto.NotificationResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}

	notifications, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	return dto.NewNotificationResponseSlice(notifications), nil
}

func (s *feedService) MarkRead(ctx context.Context, id uint, userID string) (dto.NotificationResponse, error) {
	notification, err := s.repo.MarkRead(ctx, id, userID)
	if err != nil {
		return dto.NotificationResponse{}, err
	}
	return dto.NewNotificationResponse(notification), nil
}
