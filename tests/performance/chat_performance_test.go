package performance_test

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/teachlink/teachlink-realtime/internal/handler"
	"github.com/teachlink/teachlink-realtime/internal/models"
	"github.com/teachlink/teachlink-realtime/internal/repository"
	"github.com/teachlink/teachlink-realtime/internal/service"
)

func setupHistoryPerformanceApp(t *testing.T) *fiber.App {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Application{}, &models.ChatMessage{}))

	application := models.Application{TeacherID: "t1", SchoolID: "s9", Status: "general_inquiry"}
	require.NoError(t, db.Create(&application).Error)

	base := time.Now().Add(-24 * time.Hour)
	for i := 0; i < 500; i++ {
		require.NoError(t, db.Create(&models.ChatMessage{
			ApplicationID: application.ID,
			SenderID:      "t1",
			ReceiverID:    "s9",
			Content:       fmt.Sprintf("message %d", i),
			Type:          "text",
			ClientRef:     fmt.Sprintf("perf-ref-%d", i),
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}).Error)
	}

	logger := zerolog.Nop()
	validate := validator.New(validator.WithRequiredStructEnabled())
	messages := repository.NewMessageRepository(db)
	applications := repository.NewApplicationRepository(db)
	chatService := service.NewChatService(messages, applications, service.NewFanout(nil, "", nil, logger), validate, logger)
	chatHandler := handler.NewChatHandler(chatService, validate, logger)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", "s9")
		return c.Next()
	})
	chatHandler.Register(app.Group("/api/chat"))
	return app
}

func TestChatHistoryP95Under250ms(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping performance test in short mode")
	}

	app := setupHistoryPerformanceApp(t)

	const samples = 60
	durations := make([]time.Duration, 0, samples)
	for i := 0; i < samples; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/chat/messages/1?limit=50", nil)
		started := time.Now()
		resp, err := app.Test(req, 5000)
		elapsed := time.Since(started)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		durations = append(durations, elapsed)
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	index := int(math.Ceil(0.95*float64(samples))) - 1
	p95 := durations[index]
	require.LessOrEqualf(t, p95, 250*time.Millisecond, "history p95 %s exceeds budget", p95)
}
