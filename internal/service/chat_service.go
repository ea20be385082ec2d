package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/teachlink/teachlink-realtime/internal/dto"
	"github.com/teachlink/teachlink-realtime/internal/models"
	"github.com/teachlink/teachlink-realtime/internal/observability"
	"github.com/teachlink/teachlink-realtime/internal/repository"
	"github.com/teachlink/teachlink-realtime/pkg/realtime"
)

// Ingress path labels for the message counter.
const (
	sendPathRest   = "rest"
	sendPathSocket = "socket"
)

// ErrNotParticipant indicates the caller does not belong to the conversation.
var ErrNotParticipant = errors.New("user is not a participant of this conversation")

// ErrEmptyMessage indicates the message body was empty after sanitization.
var ErrEmptyMessage = errors.New("message content empty after sanitization")

// ChatService implements the durable chat operations behind the REST surface
// and the socket send path. Both paths converge on the same idempotent save,
// keyed by the sender-generated client ref, so a dual-path send produces
// exactly one transcript row.
type ChatService interface {
	SendMessage(ctx context.Context, senderID, path string, req dto.SendMessageRequest) (dto.ChatMessageResponse, error)
	History(ctx context.Context, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error)
	Conversations(ctx context.Context, userID string) ([]dto.ConversationResponse, error)
	MarkMessageRead(ctx context.Context, id uint, readerID string) (dto.ChatMessageResponse, error)
	MarkConversationRead(ctx context.Context, applicationID uint, readerID string, ids []uint) ([]uint, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	DeleteMessage(ctx context.Context, id uint, senderID string) error
	DeleteConversation(ctx context.Context, applicationID uint, userID string) error
	ResolveApplication(ctx context.Context, req dto.ApplicationCreateRequest) (dto.ApplicationResponse, error)
	FindApplications(ctx context.Context, userID, counterpartID string) ([]dto.ApplicationResponse, error)
}

type chatService struct {
	messages  repository.MessageRepository
	apps      repository.ApplicationRepository
	publisher EventPublisher
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	sanitizer *bluemonday.Policy
}

// NewChatService creates the durable chat service.
func NewChatService(messages repository.MessageRepository, apps repository.ApplicationRepository, publisher EventPublisher, validate *validator.Validate, logger zerolog.Logger) ChatService {
	sanitizer := bluemonday.UGCPolicy()
	sanitizer.AllowElements("br")

	return &chatService{
		messages:  messages,
		apps:      apps,
		publisher: publisher,
		validator: validate,
		logger:    logger.With().Str("component", "chat_service").Logger(),
		tracer:    otel.Tracer("github.com/teachlink/teachlink-realtime/internal/service/chat"),
		sanitizer: sanitizer,
	}
}

func (s *chatService) SendMessage(ctx context.Context, senderID, path string, req dto.SendMessageRequest) (dto.ChatMessageResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ChatMessageResponse{}, err
	}

	app, err := s.apps.FindByID(ctx, req.ApplicationID)
	if err != nil {
		return dto.ChatMessageResponse{}, fmt.Errorf("resolve application %d: %w", req.ApplicationID, err)
	}

	receiverID, err := counterpart(app, senderID)
	if err != nil {
		return dto.ChatMessageResponse{}, err
	}
	if req.ReceiverID != "" && req.ReceiverID != receiverID {
		return dto.ChatMessageResponse{}, ErrNotParticipant
	}

	clean := strings.TrimSpace(s.sanitizer.Sanitize(req.Message))
	if clean == "" {
		return dto.ChatMessageResponse{}, ErrEmptyMessage
	}

	messageType := req.MessageType
	if messageType == "" {
		messageType = "text"
	}

	clientRef := strings.TrimSpace(req.ClientRef)
	if clientRef == "" {
		clientRef = uuid.NewString()
	}

	attrs := []attribute.KeyValue{
		attribute.Int("chat.application_id", int(req.ApplicationID)),
		attribute.String("chat.sender_id", senderID),
		attribute.String("chat.type", messageType),
		attribute.String("chat.path", path),
		attribute.String("correlation_id", clientRef),
	}

	spanCtx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(attrs...))
	defer span.End()

	model := models.ChatMessage{
		ApplicationID: app.ID,
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Content:       clean,
		Type:          messageType,
		ClientRef:     clientRef,
	}

	created, err := s.messages.SaveIdempotent(spanCtx, &model)
	if err != nil {
		span.RecordError(err)
		return dto.ChatMessageResponse{}, err
	}

	response := dto.NewChatMessageResponse(model)

	// Only the path that actually created the row fans the message out; the
	// twin path just returns the same entry.
	if created {
		room := realtime.ApplicationRoom(app.ID)
		s.publisher.EmitToRoom(spanCtx, room, realtime.EventNewMessage, response)
		s.publisher.EmitToUser(spanCtx, senderID, realtime.EventMessageSent, response)
		s.publisher.EmitToUser(spanCtx, receiverID, realtime.EventMessageNotification, response)
		observability.ChatMessages().WithLabelValues(messageType, path).Inc()
	}

	return response, nil
}

func (s *chatService) History(ctx context.Context, query dto.ChatHistoryQuery) ([]dto.ChatMessageResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	before := beforeOrZero(query)
	messages, err := s.messages.ListByApplication(ctx, query.ApplicationID, before, query.Limit)
	if err != nil {
		return nil, err
	}

	return dto.NewChatMessageResponseSlice(messages), nil
}

func (s *chatService) Conversations(ctx context.Context, userID string) ([]dto.ConversationResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}

	apps, err := s.apps.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	tallies, err := s.messages.UnreadByApplication(ctx, userID)
	if err != nil {
		return nil, err
	}
	observability.UnreadResyncs().Inc()

	conversations := make([]dto.ConversationResponse, 0, len(apps))
	for _, app := range apps {
		var last *models.ChatMessage
		latest, err := s.messages.LatestByApplication(ctx, app.ID)
		if err == nil {
			last = &latest
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		conversations = append(conversations, dto.NewConversationResponse(app, last, tallies[app.ID]))
	}

	return conversations, nil
}

func (s *chatService) MarkMessageRead(ctx context.Context, id uint, readerID string) (dto.ChatMessageResponse, error) {
	message, err := s.messages.MarkOneRead(ctx, id, readerID)
	if err != nil {
		return dto.ChatMessageResponse{}, err
	}

	observability.MessagesRead().Inc()

	payload := realtime.MessagesReadPayload{
		ApplicationID: message.ApplicationID,
		ReaderID:      readerID,
		MessageIDs:    []uint{message.ID},
	}
	s.publisher.EmitToRoom(ctx, realtime.ApplicationRoom(message.ApplicationID), realtime.EventMessagesRead, payload)
	s.publisher.EmitToUser(ctx, message.SenderID, realtime.EventMessagesRead, payload)

	return dto.NewChatMessageResponse(message), nil
}

func (s *chatService) MarkConversationRead(ctx context.Context, applicationID uint, readerID string, ids []uint) ([]uint, error) {
	spanCtx, span := s.tracer.Start(ctx, "chat.mark_read", trace.WithAttributes(
		attribute.Int("chat.application_id", int(applicationID)),
		attribute.String("chat.reader_id", readerID),
	))
	defer span.End()

	marked, err := s.messages.MarkRead(spanCtx, applicationID, readerID, ids)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(marked) == 0 {
		return nil, nil
	}

	observability.MessagesRead().Add(float64(len(marked)))

	payload := realtime.MessagesReadPayload{
		ApplicationID: applicationID,
		ReaderID:      readerID,
		MessageIDs:    marked,
	}
	s.publisher.EmitToRoom(spanCtx, realtime.ApplicationRoom(applicationID), realtime.EventMessagesRead, payload)

	return marked, nil
}

func (s *chatService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errors.New("user id is required")
	}
	observability.UnreadResyncs().Inc()
	return s.messages.UnreadTotal(ctx, userID)
}

func (s *chatService) DeleteMessage(ctx context.Context, id uint, senderID string) error {
	return s.messages.Delete(ctx, id, senderID)
}

func (s *chatService) DeleteConversation(ctx context.Context, applicationID uint, userID string) error {
	app, err := s.apps.FindByID(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.TeacherID != userID && app.SchoolID != userID {
		return ErrNotParticipant
	}
	return s.messages.DeleteByApplication(ctx, applicationID)
}

func (s *chatService) ResolveApplication(ctx context.Context, req dto.ApplicationCreateRequest) (dto.ApplicationResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.ApplicationResponse{}, err
	}

	app := models.Application{
		TeacherID:   req.TeacherID,
		SchoolID:    req.SchoolID,
		TeacherName: req.TeacherName,
		SchoolName:  req.SchoolName,
	}
	if err := s.apps.FirstOrCreateInquiry(ctx, &app); err != nil {
		return dto.ApplicationResponse{}, err
	}

	return dto.NewApplicationResponse(app), nil
}

func (s *chatService) FindApplications(ctx context.Context, userID, counterpartID string) ([]dto.ApplicationResponse, error) {
	apps, err := s.apps.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if counterpartID == "" {
		return dto.NewApplicationResponseSlice(apps), nil
	}

	filtered := make([]models.Application, 0, len(apps))
	for _, app := range apps {
		if app.TeacherID == counterpartID || app.SchoolID == counterpartID {
			filtered = append(filtered, app)
		}
	}
	return dto.NewApplicationResponseSlice(filtered), nil
}

func counterpart(app models.Application, userID string) (string, error) {
	switch userID {
	case app.TeacherID:
		return app.SchoolID, nil
	case app.SchoolID:
		return app.TeacherID, nil
	default:
		return "", ErrNotParticipant
	}
}

func beforeOrZero(query dto.ChatHistoryQuery) time.Time {
	if query.Before != nil {
		return *query.Before
	}
	return time.Time{}
}
