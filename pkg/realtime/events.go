// Package realtime implements the client side of the TeachLink realtime
// channel: connection lifecycle, room membership, event dispatch, the
// conversation session state machine and unread-count reconciliation. The
// wire types in this file are shared with the gateway.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server events.
const (
	EventJoinApplication      = "join_application"
	EventLeaveApplication     = "leave_application"
	EventSendMessage          = "send_message"
	EventTypingStart          = "typing_start"
	EventTypingStop           = "typing_stop"
	EventMarkMessagesRead     = "mark_messages_read"
	EventJoinPost             = "join_post"
	EventLeavePost            = "leave_post"
	EventJoinSchoolRating     = "join_school_rating_room"
	EventLeaveSchoolRating    = "leave_school_rating_room"
	EventJoinJobFeed          = "join_job_feed"
	EventJoinAdminWebinarRoom = "join_admin_webinar_room"
	EventSetOnlineStatus      = "set_online_status"
)

// Server to client events.
const (
	EventNewMessage           = "new_message"
	EventMessageSent          = "message_sent"
	EventUserTyping           = "user_typing"
	EventMessagesRead         = "messages_read"
	EventMessageNotification  = "message_notification"
	EventUserStatusChanged    = "user_status_changed"
	EventRatingUpdated        = "rating_updated"
	EventNewPost              = "new_post"
	EventPostLiked            = "post_liked"
	EventPostCommented        = "post_commented"
	EventPostShared           = "post_shared"
	EventImageUploaded        = "image_uploaded"
	EventNotification         = "notification"
	EventStatsUpdated         = "stats_updated"
	EventPlanCreated          = "plan_created"
	EventPlanUpdated          = "plan_updated"
	EventPlanDeleted          = "plan_deleted"
	EventWebinarCreated       = "webinar_created"
	EventWebinarUpdated       = "webinar_updated"
	EventWebinarDeleted       = "webinar_deleted"
	EventNewJobPosted         = "new_job_posted"
	EventJobUpdated           = "job_updated"
	EventApplicationSubmitted = "application_submitted"
	EventApplicationUpdated   = "application_updated"
)

// Synthetic lifecycle events dispatched locally by the connection manager.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Room kinds multiplexed over one connection.
const (
	RoomKindApplication  = "application"
	RoomKindSchoolRating = "school_rating"
	RoomKindPost         = "post"
	RoomKindJobFeed      = "job_feed"
	RoomKindAdminWebinar = "admin_webinar"
	RoomKindAdminPlan    = "admin_plan"
)

// RoomID builds the canonical "kind:id" room identifier. Broadcast rooms
// (job feed, admin rooms) have no per-entity id and use the bare kind.
func RoomID(kind string, id string) string {
	if id == "" {
		return kind
	}
	return fmt.Sprintf("%s:%s", kind, id)
}

// ApplicationRoom returns the room id for a conversation.
func ApplicationRoom(applicationID uint) string {
	return RoomID(RoomKindApplication, fmt.Sprintf("%d", applicationID))
}

// Envelope frames every event on the wire as a named event plus payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals the payload into an envelope for the given event.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// Message is the wire representation of a chat message. Field names match
// the gateway's REST responses so both paths decode into the same type.
type Message struct {
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

// Conversation is the wire representation of a conversation summary as
// returned by the conversations-list endpoint.
type Conversation struct {
	ApplicationID uint     `json:"application_id"`
	TeacherID     string   `json:"teacher_id"`
	SchoolID      string   `json:"school_id"`
	TeacherName   string   `json:"teacher_name"`
	SchoolName    string   `json:"school_name"`
	Status        string   `json:"status"`
	LastMessage   *Message `json:"last_message,omitempty"`
	UnreadCount   int64    `json:"unread_count"`
}

// Application is the wire representation of a job-application record used
// during placeholder conversation resolution.
type Application struct {
	ID          uint   `json:"id"`
	TeacherID   string `json:"teacher_id"`
	SchoolID    string `json:"school_id"`
	Status      string `json:"status"`
	TeacherName string `json:"teacher_name"`
	SchoolName  string `json:"school_name"`
}

// SendMessagePayload is emitted on send_message.
type SendMessagePayload struct {
	ApplicationID uint   `json:"applicationId"`
	Message       string `json:"message"`
	MessageType   string `json:"messageType,omitempty"`
	ReceiverID    string `json:"receiverId,omitempty"`
	ClientRef     string `json:"clientRef"`
}

// JoinApplicationPayload scopes join/leave of a conversation room.
type JoinApplicationPayload struct {
	ApplicationID uint `json:"applicationId"`
}

// JoinRoomPayload scopes join/leave of post and school-rating rooms.
type JoinRoomPayload struct {
	ID string `json:"id"`
}

// TypingPayload is emitted on typing_start/typing_stop and delivered as
// user_typing.
type TypingPayload struct {
	ApplicationID uint   `json:"applicationId"`
	Name          string `json:"name,omitempty"`
	Stopped       bool   `json:"stopped,omitempty"`
}

// MarkMessagesReadPayload asks the gateway to mark a conversation read.
type MarkMessagesReadPayload struct {
	ApplicationID uint   `json:"applicationId"`
	MessageIDs    []uint `json:"messageIds,omitempty"`
}

// MessagesReadPayload notifies participants that messages were read.
type MessagesReadPayload struct {
	ApplicationID uint   `json:"applicationId"`
	ReaderID      string `json:"readerId"`
	MessageIDs    []uint `json:"messageIds"`
}

// StatusChangePayload carries presence transitions. Seq is monotonic per
// user so late offline packets cannot override a newer online.
type StatusChangePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
	Seq    uint64 `json:"seq"`
}

// SetOnlineStatusPayload is the client's own presence signal.
type SetOnlineStatusPayload struct {
	Online bool `json:"online"`
}

// NotificationPayload is the generic toast-style feed notification.
type NotificationPayload struct {
	ID      uint              `json:"id,omitempty"`
	UserID  string            `json:"user_id,omitempty"`
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Payload map[string]string `json:"payload,omitempty"`
}

// ConnectErrorPayload is dispatched locally when a handshake fails.
type ConnectErrorPayload struct {
	Reason string `json:"reason"`
}
