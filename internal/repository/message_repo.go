package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/teachlink/teachlink-realtime/internal/models"
)

// MessageRepository persists chat messages and the read/unread state the
// client reconciles against.
type MessageRepository interface {
	// SaveIdempotent stores the message unless a row with the same client
	// ref already exists, in which case the existing row is loaded into
	// message and created is false. This is how the socket and REST send
	// paths collapse into a single transcript entry.
	SaveIdempotent(ctx context.Context, message *models.ChatMessage) (created bool, err error)
	ListByApplication(ctx context.Context, applicationID uint, before time.Time, limit int) ([]models.ChatMessage, error)
	// MarkRead flips the read flag for messages addressed to readerID. When
	// ids is non-empty only those rows are touched, so a message that
	// arrived after the reader fetched history stays unread.
	MarkRead(ctx context.Context, applicationID uint, readerID string, ids []uint) ([]uint, error)
	MarkOneRead(ctx context.Context, id uint, readerID string) (models.ChatMessage, error)
	UnreadByApplication(ctx context.Context, userID string) (map[uint]int64, error)
	UnreadTotal(ctx context.Context, userID string) (int64, error)
	LatestByApplication(ctx context.Context, applicationID uint) (models.ChatMessage, error)
	Delete(ctx context.Context, id uint, senderID string) error
	DeleteByApplication(ctx context.Context, applicationID uint) error
}

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository constructs a message repository backed by GORM.
func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &messageRepository{db: db}
}

func (r *messageRepository) SaveIdempotent(ctx context.Context, message *models.ChatMessage) (bool, error) {
	if message.ClientRef != "" {
		var existing models.ChatMessage
		err := r.db.WithContext(ctx).Where("client_ref = ?", message.ClientRef).First(&existing).Error
		if err == nil {
			*message = existing
			return false, nil
		}
		if err != gorm.ErrRecordNotFound {
			return false, err
		}
	}

	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		// The unique index on client_ref may have raced with a concurrent
		// save of the twin path; prefer the winning row over the error.
		if message.ClientRef != "" {
			var existing models.ChatMessage
			if lookupErr := r.db.WithContext(ctx).Where("client_ref = ?", message.ClientRef).First(&existing).Error; lookupErr == nil {
				*message = existing
				return false, nil
			}
		}
		return false, err
	}

	return true, nil
}

func (r *messageRepository) ListByApplication(ctx context.Context, applicationID uint, before time.Time, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("application_id = ?", applicationID)
	if !before.IsZero() {
		query = query.Where("created_at < ?", before)
	}

	var messages []models.ChatMessage
	if err := query.Order("created_at DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *messageRepository) MarkRead(ctx context.Context, applicationID uint, readerID string, ids []uint) ([]uint, error) {
	query := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("application_id = ? AND receiver_id = ? AND read = ?", applicationID, readerID, false)
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}

	var pending []models.ChatMessage
	if err := query.Session(&gorm.Session{}).Find(&pending).Error; err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	marked := make([]uint, 0, len(pending))
	for _, message := range pending {
		marked = append(marked, message.ID)
	}

	now := time.Now().UTC()
	if err := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("id IN ?", marked).
		Updates(map[string]interface{}{"read": true, "read_at": now}).Error; err != nil {
		return nil, err
	}

	return marked, nil
}

func (r *messageRepository) MarkOneRead(ctx context.Context, id uint, readerID string) (models.ChatMessage, error) {
	var message models.ChatMessage
	if err := r.db.WithContext(ctx).Where("id = ? AND receiver_id = ?", id, readerID).First(&message).Error; err != nil {
		return models.ChatMessage{}, err
	}

	if message.Read {
		return message, nil
	}

	now := time.Now().UTC()
	message.Read = true
	message.ReadAt = &now
	if err := r.db.WithContext(ctx).Save(&message).Error; err != nil {
		return models.ChatMessage{}, err
	}

	return message, nil
}

func (r *messageRepository) UnreadByApplication(ctx context.Context, userID string) (map[uint]int64, error) {
	type tally struct {
		ApplicationID uint
		Count         int64
	}

	var rows []tally
	if err := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Select("application_id, COUNT(*) as count").
		Where("receiver_id = ? AND read = ?", userID, false).
		Group("application_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := make(map[uint]int64, len(rows))
	for _, row := range rows {
		out[row.ApplicationID] = row.Count
	}
	return out, nil
}

func (r *messageRepository) UnreadTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("receiver_id = ? AND read = ?", userID, false).
		Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (r *messageRepository) LatestByApplication(ctx context.Context, applicationID uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).Where("application_id = ?", applicationID).Order("created_at DESC").First(&message).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *messageRepository) Delete(ctx context.Context, id uint, senderID string) error {
	result := r.db.WithContext(ctx).Where("id = ? AND sender_id = ?", id, senderID).Delete(&models.ChatMessage{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *messageRepository) DeleteByApplication(ctx context.Context, applicationID uint) error {
	return r.db.WithContext(ctx).Where("application_id = ?", applicationID).Delete(&models.ChatMessage{}).Error
}
