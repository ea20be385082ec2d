package dto

import (
	"time"

	"github.com/teachlink/teachlink-realtime/internal/models"
)

// SendMessageRequest is the durable-send payload accepted by POST
// /api/chat/messages. ClientRef is the sender-generated correlation id; the
// socket path carries the same value so the two sends collapse into one row.
type SendMessageRequest struct {
	ApplicationID uint   `json:"applicationId" validate:"required"`
	Message       string `json:"message" validate:"required,min=1,max=4000"`
	MessageType   string `json:"messageType" validate:"omitempty,oneof=text image file system"`
	ReceiverID    string `json:"receiverId" validate:"omitempty,max=64"`
	ClientRef     string `json:"clientRef" validate:"omitempty,max=64"`
}

// ChatHistoryQuery filters GET /api/chat/messages/:applicationId.
type ChatHistoryQuery struct {
	ApplicationID uint       `validate:"required"`
	Before        *time.Time `query:"before"`
	Limit         int        `query:"limit" validate:"omitempty,min=1,max=100"`
}

// ChatMessageResponse is the serialized representation of a chat message.
// Field names match pkg/realtime.Message so socket and REST payloads decode
// identically on the client.
type ChatMessageResponse struct {
	ID            uint       `json:"id"`
	ApplicationID uint       `json:"application_id"`
	SenderID      string     `json:"sender_id"`
	ReceiverID    string     `json:"receiver_id,omitempty"`
	Content       string     `json:"content"`
	Type          string     `json:"type"`
	ClientRef     string     `json:"client_ref,omitempty"`
	Read          bool       `json:"read"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewChatMessageResponse converts a model into a DTO.
func NewChatMessageResponse(message models.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		ID:            message.ID,
		ApplicationID: message.ApplicationID,
		SenderID:      message.SenderID,
		ReceiverID:    message.ReceiverID,
		Content:       message.Content,
		Type:          message.Type,
		ClientRef:     message.ClientRef,
		Read:          message.Read,
		ReadAt:        message.ReadAt,
		CreatedAt:     message.CreatedAt,
	}
}

// NewChatMessageResponseSlice converts a slice of models into DTOs.
func NewChatMessageResponseSlice(messages []models.ChatMessage) []ChatMessageResponse {
	out := make([]ChatMessageResponse, 0, len(messages))
	for _, message := range messages {
		out = append(out, NewChatMessageResponse(message))
	}
	return out
}

// ConversationResponse summarises one conversation for the list endpoint,
// including the per-conversation unread tally the client reconciles against.
type ConversationResponse struct {
	ApplicationID uint                 `json:"application_id"`
	TeacherID     string               `json:"teacher_id"`
	SchoolID      string               `json:"school_id"`
	TeacherName   string               `json:"teacher_name"`
	SchoolName    string               `json:"school_name"`
	Status        string               `json:"status"`
	LastMessage   *ChatMessageResponse `json:"last_message,omitempty"`
	UnreadCount   int64                `json:"unread_count"`
}

// NewConversationResponse builds a conversation summary from its parts.
func NewConversationResponse(app models.Application, last *models.ChatMessage, unread int64) ConversationResponse {
	response := ConversationResponse{
		ApplicationID: app.ID,
		TeacherID:     app.TeacherID,
		SchoolID:      app.SchoolID,
		TeacherName:   app.TeacherName,
		SchoolName:    app.SchoolName,
		Status:        app.Status,
		UnreadCount:   unread,
	}
	if last != nil {
		converted := NewChatMessageResponse(*last)
		response.LastMessage = &converted
	}
	return response
}

// UnreadCountResponse is the fallback tally endpoint payload.
type UnreadCountResponse struct {
	Total int64 `json:"total"`
}

// ApplicationCreateRequest creates a general-inquiry application so a
// placeholder conversation gains a durable id.
type ApplicationCreateRequest struct {
	TeacherID   string `json:"teacherId" validate:"required,max=64"`
	SchoolID    string `json:"schoolId" validate:"required,max=64"`
	TeacherName string `json:"teacherName" validate:"omitempty,max=128"`
	SchoolName  string `json:"schoolName" validate:"omitempty,max=128"`
}

// ApplicationResponse is the serialized application record.
type ApplicationResponse struct {
	ID          uint      `json:"id"`
	TeacherID   string    `json:"teacher_id"`
	SchoolID    string    `json:"school_id"`
	Status      string    `json:"status"`
	TeacherName string    `json:"teacher_name"`
	SchoolName  string    `json:"school_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewApplicationResponse converts an application model to a DTO.
func NewApplicationResponse(app models.Application) ApplicationResponse {
	return ApplicationResponse{
		ID:          app.ID,
		TeacherID:   app.TeacherID,
		SchoolID:    app.SchoolID,
		Status:      app.Status,
		TeacherName: app.TeacherName,
		SchoolName:  app.SchoolName,
		CreatedAt:   app.CreatedAt,
	}
}

// NewApplicationResponseSlice converts applications to DTOs.
func NewApplicationResponseSlice(items []models.Application) []ApplicationResponse {
	out := make([]ApplicationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewApplicationResponse(item))
	}
	return out
}

// NotificationCreateRequest describes the payload to create a notification.
type NotificationCreateRequest struct {
	UserID  string            `json:"user_id" validate:"required,max=64"`
	Type    string            `json:"type" validate:"required,max=64"`
	Message string            `json:"message" validate:"required,min=1,max=2000"`
	Payload map[string]string `json:"payload" validate:"omitempty"`
}

// NotificationResponse represents notification data returned to clients.
type NotificationResponse struct {
	ID        uint              `json:"id"`
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Payload   map[string]string `json:"payload,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// NewNotificationResponse converts a notification model to DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	response := NotificationResponse{
		ID:        model.ID,
		UserID:    model.UserID,
		Type:      model.Type,
		Message:   model.Message,
		Read:      model.Read,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
	if model.Payload != nil {
		response.Payload = make(map[string]string)
		for key, value := range model.Payload {
			if str, ok := value.(string); ok {
				response.Payload[key] = str
			}
		}
	}
	return response
}

// NewNotificationResponseSlice converts a slice to DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}
