package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/teachlink/teachlink-realtime/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Application{}, &models.ChatMessage{}))
	return db
}

func seedMessage(t *testing.T, db *gorm.DB, message models.ChatMessage) models.ChatMessage {
	t.Helper()
	require.NoError(t, db.Create(&message).Error)
	return message
}

func TestSaveIdempotentCollapsesTwinSends(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	first := models.ChatMessage{
		ApplicationID: 1,
		SenderID:      "t1",
		ReceiverID:    "s9",
		Content:       "hello",
		Type:          "text",
		ClientRef:     "ref-1",
	}
	created, err := repo.SaveIdempotent(ctx, &first)
	require.NoError(t, err)
	require.True(t, created)
	require.NotZero(t, first.ID)

	twin := models.ChatMessage{
		ApplicationID: 1,
		SenderID:      "t1",
		ReceiverID:    "s9",
		Content:       "hello",
		Type:          "text",
		ClientRef:     "ref-1",
	}
	created, err = repo.SaveIdempotent(ctx, &twin)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, twin.ID)

	var count int64
	require.NoError(t, db.Model(&models.ChatMessage{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestListByApplicationReturnsChronologicalPage(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		seedMessage(t, db, models.ChatMessage{
			ApplicationID: 1,
			SenderID:      "t1",
			ReceiverID:    "s9",
			Content:       "msg",
			ClientRef:     fmt.Sprintf("ref-%d", i),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		})
	}
	seedMessage(t, db, models.ChatMessage{ApplicationID: 2, SenderID: "x", ReceiverID: "y", Content: "other", ClientRef: "other-ref"})

	messages, err := repo.ListByApplication(ctx, 1, time.Time{}, 3)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	for i := 1; i < len(messages); i++ {
		require.True(t, messages[i].CreatedAt.After(messages[i-1].CreatedAt))
	}

	paged, err := repo.ListByApplication(ctx, 1, messages[0].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, paged, 2)
}

func TestMarkReadScopedToExplicitIDs(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	var fetched []uint
	for i := 0; i < 3; i++ {
		msg := seedMessage(t, db, models.ChatMessage{
			ApplicationID: 1,
			SenderID:      "s9",
			ReceiverID:    "t1",
			Content:       "unread",
			ClientRef:     fmt.Sprintf("read-ref-%d", i),
		})
		fetched = append(fetched, msg.ID)
	}
	late := seedMessage(t, db, models.ChatMessage{
		ApplicationID: 1,
		SenderID:      "s9",
		ReceiverID:    "t1",
		Content:       "mid-flight arrival",
		ClientRef:     "late-ref",
	})

	marked, err := repo.MarkRead(ctx, 1, "t1", fetched)
	require.NoError(t, err)
	require.ElementsMatch(t, fetched, marked)

	var reloaded models.ChatMessage
	require.NoError(t, db.First(&reloaded, late.ID).Error)
	require.False(t, reloaded.Read)

	// Without ids everything pending is marked.
	marked, err = repo.MarkRead(ctx, 1, "t1", nil)
	require.NoError(t, err)
	require.Equal(t, []uint{late.ID}, marked)

	marked, err = repo.MarkRead(ctx, 1, "t1", nil)
	require.NoError(t, err)
	require.Empty(t, marked)
}

func TestUnreadTalliesPerApplicationAndTotal(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	refs := []string{"a", "b", "c", "d"}
	apps := []uint{1, 1, 2, 2}
	for i := range refs {
		seedMessage(t, db, models.ChatMessage{
			ApplicationID: apps[i],
			SenderID:      "s9",
			ReceiverID:    "t1",
			Content:       "unread",
			ClientRef:     refs[i],
		})
	}
	now := time.Now()
	seedMessage(t, db, models.ChatMessage{
		ApplicationID: 2,
		SenderID:      "s9",
		ReceiverID:    "t1",
		Content:       "already read",
		ClientRef:     "e",
		Read:          true,
		ReadAt:        &now,
	})

	tallies, err := repo.UnreadByApplication(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 2, tallies[1])
	require.EqualValues(t, 2, tallies[2])

	total, err := repo.UnreadTotal(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 4, total)
}

func TestDeleteRequiresOwnership(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	msg := seedMessage(t, db, models.ChatMessage{
		ApplicationID: 1,
		SenderID:      "t1",
		ReceiverID:    "s9",
		Content:       "mine",
		ClientRef:     "own-ref",
	})

	require.ErrorIs(t, repo.Delete(ctx, msg.ID, "s9"), gorm.ErrRecordNotFound)
	require.NoError(t, repo.Delete(ctx, msg.ID, "t1"))
	require.ErrorIs(t, repo.Delete(ctx, msg.ID, "t1"), gorm.ErrRecordNotFound)
}

func TestDeleteByApplicationClearsConversation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewMessageRepository(db)
	ctx := context.Background()

	seedMessage(t, db, models.ChatMessage{ApplicationID: 1, SenderID: "t1", ReceiverID: "s9", Content: "a", ClientRef: "da"})
	seedMessage(t, db, models.ChatMessage{ApplicationID: 1, SenderID: "s9", ReceiverID: "t1", Content: "b", ClientRef: "db"})
	kept := seedMessage(t, db, models.ChatMessage{ApplicationID: 2, SenderID: "s9", ReceiverID: "t1", Content: "c", ClientRef: "dc"})

	require.NoError(t, repo.DeleteByApplication(ctx, 1))

	var remaining []models.ChatMessage
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	require.Equal(t, kept.ID, remaining[0].ID)
}
