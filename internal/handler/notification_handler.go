package handler

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/teachlink/teachlink-realtime/internal/dto"
	"github.com/teachlink/teachlink-realtime/internal/service"
	"github.com/teachlink/teachlink-realtime/internal/utils"
)

// NotificationHandler wires the per-user notification endpoints plus the
// admin-only feed broadcast.
type NotificationHandler struct {
	service service.FeedService
	logger  zerolog.Logger
}

// NewNotificationHandler creates a notification handler instance.
func NewNotificationHandler(service service.FeedService, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("component", "notification_handler").Logger(),
	}
}

// Register binds user-facing notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Put("/:id/read", h.markRead)
}

// RegisterAdmin binds the publish/broadcast routes; callers are expected to
// guard the group with RequireRole("admin").
func (h *NotificationHandler) RegisterAdmin(router fiber.Router) {
	router.Post("/notifications", h.publish)
	router.Post("/broadcast", h.broadcast)
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	notifications, err := h.service.List(requestContext(c), userID, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list notifications")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list notifications")
	}

	return utils.SendSuccess(c, "notifications", notifications)
}

func (h *NotificationHandler) markRead(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	id, err := paramUint(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid notification id")
	}

	response, err := h.service.MarkRead(requestContext(c), id, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "notification not found")
		}
		h.logger.Error().Err(err).Msg("failed to mark notification read")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to mark notification read")
	}

	return utils.SendSuccess(c, "notification read", response)
}

func (h *NotificationHandler) publish(c *fiber.Ctx) error {
	var req dto.NotificationCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.service.Publish(requestContext(c), req)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to publish notification")
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "notification published", response)
}

type broadcastRequest struct {
	Event   string            `json:"event"`
	Room    string            `json:"room"`
	Payload map[string]string `json:"payload"`
}

func (h *NotificationHandler) broadcast(c *fiber.Ctx) error {
	var req broadcastRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.service.Broadcast(requestContext(c), req.Event, req.Room, req.Payload); err != nil {
		if errors.Is(err, service.ErrUnknownFeedEvent) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Msg("failed to broadcast feed event")
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	return utils.SendSuccess(c, "event broadcast", nil)
}
