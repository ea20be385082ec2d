package models

import (
	"time"

	"gorm.io/datatypes"
)

// Application links a teacher and a school and is the conversation key for
// chat. Pre-application contact creates a record with the general_inquiry
// status so the conversation has a durable id from the first message on.
type Application struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TeacherID   string    `gorm:"size:64;index:idx_application_pair" json:"teacher_id"`
	SchoolID    string    `gorm:"size:64;index:idx_application_pair" json:"school_id"`
	JobID       *uint     `gorm:"index" json:"job_id,omitempty"`
	Status      string    `gorm:"size:32;not null;default:general_inquiry" json:"status"`
	TeacherName string    `gorm:"size:128" json:"teacher_name"`
	SchoolName  string    `gorm:"size:128" json:"school_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChatMessage represents a single chat payload exchanged inside an
// application conversation. ClientRef carries the sender-generated
// correlation id used to deduplicate the socket and REST send paths.
type ChatMessage struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ApplicationID uint       `gorm:"index;not null" json:"application_id"`
	SenderID      string     `gorm:"size:64;index" json:"sender_id"`
	ReceiverID    string     `gorm:"size:64;index" json:"receiver_id"`
	Content       string     `gorm:"type:text" json:"content"`
	Type          string     `gorm:"size:32;default:text" json:"type"`
	ClientRef     string     `gorm:"size:64;uniqueIndex" json:"client_ref"`
	Read          bool       `gorm:"not null;default:false" json:"read"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Notification represents a push notification targeted to a specific user.
// Payload keeps the event-specific fields (post id, job id, ...) without a
// dedicated column per feed event kind.
type Notification struct {
	ID        uint              `gorm:"primaryKey" json:"id"`
	UserID    string            `gorm:"size:64;index" json:"user_id"`
	Type      string            `gorm:"size:64" json:"type"`
	Message   string            `gorm:"type:text" json:"message"`
	Payload   datatypes.JSONMap `gorm:"type:json" json:"payload"`
	Read      bool              `gorm:"not null;default:false" json:"read"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
