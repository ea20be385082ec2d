package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/teachlink/teachlink-realtime/internal/dto"
	"github.com/teachlink/teachlink-realtime/internal/middleware"
	"github.com/teachlink/teachlink-realtime/internal/service"
	"github.com/teachlink/teachlink-realtime/internal/utils"
)

// ChatHandler wires the durable chat REST endpoints.
type ChatHandler struct {
	service   service.ChatService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// Register binds chat routes under the provided router group.
func (h *ChatHandler) Register(router fiber.Router) {
	router.Post("/messages", h.sendMessage)
	router.Get("/messages/:applicationId", h.history)
	router.Put("/messages/:id/read", h.markMessageRead)
	router.Delete("/messages/:id", h.deleteMessage)
	router.Get("/conversations", h.conversations)
	router.Delete("/conversations/:applicationId", h.deleteConversation)
	router.Get("/unread-count", h.unreadCount)
}

func (h *ChatHandler) sendMessage(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.service.SendMessage(requestContext(c), userID, "rest", req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotParticipant):
			return utils.SendError(c, fiber.StatusForbidden, err.Error())
		case errors.Is(err, service.ErrEmptyMessage):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		case errors.Is(err, gorm.ErrRecordNotFound):
			return utils.SendError(c, fiber.StatusNotFound, "application not found")
		}
		if _, ok := err.(validator.ValidationErrors); ok {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Msg("failed to send message")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to send message")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message sent", response)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	applicationID, err := paramUint(c, "applicationId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid application id")
	}

	var beforePtr *time.Time
	if before := c.Query("before"); before != "" {
		parsed, err := time.Parse(time.RFC3339, before)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid before timestamp")
		}
		beforePtr = &parsed
	}

	limit := 0
	if limitRaw := c.Query("limit"); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
		}
		limit = parsed
	}

	query := dto.ChatHistoryQuery{
		ApplicationID: applicationID,
		Before:        beforePtr,
		Limit:         limit,
	}

	messages, err := h.service.History(requestContext(c), query)
	if err != nil {
		if _, ok := err.(validator.ValidationErrors); ok {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		h.logger.Error().Err(err).Msg("failed to load history")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load history")
	}

	return utils.SendSuccess(c, "chat history", messages)
}

func (h *ChatHandler) conversations(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	conversations, err := h.service.Conversations(requestContext(c), userID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list conversations")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list conversations")
	}

	return utils.SendSuccess(c, "conversations", conversations)
}

func (h *ChatHandler) markMessageRead(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	id, err := paramUint(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid message id")
	}

	response, err := h.service.MarkMessageRead(requestContext(c), id, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "message not found")
		}
		h.logger.Error().Err(err).Msg("failed to mark message read")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to mark message read")
	}

	return utils.SendSuccess(c, "message read", response)
}

func (h *ChatHandler) deleteMessage(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	id, err := paramUint(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid message id")
	}

	if err := h.service.DeleteMessage(requestContext(c), id, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, "message not found")
		}
		h.logger.Error().Err(err).Msg("failed to delete message")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to delete message")
	}

	return utils.SendSuccess(c, "message deleted", nil)
}

func (h *ChatHandler) deleteConversation(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	applicationID, err := paramUint(c, "applicationId")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid application id")
	}

	if err := h.service.DeleteConversation(requestContext(c), applicationID, userID); err != nil {
		switch {
		case errors.Is(err, service.ErrNotParticipant):
			return utils.SendError(c, fiber.StatusForbidden, err.Error())
		case errors.Is(err, gorm.ErrRecordNotFound):
			return utils.SendError(c, fiber.StatusNotFound, "conversation not found")
		}
		h.logger.Error().Err(err).Msg("failed to delete conversation")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to delete conversation")
	}

	return utils.SendSuccess(c, "conversation deleted", nil)
}

func (h *ChatHandler) unreadCount(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	total, err := h.service.UnreadCount(requestContext(c), userID)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to compute unread count")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to compute unread count")
	}

	return utils.SendSuccess(c, "unread count", dto.UnreadCountResponse{Total: total})
}

func requestUserID(c *fiber.Ctx) string {
	if value := c.Locals("user_id"); value != nil {
		switch v := value.(type) {
		case string:
			return strings.TrimSpace(v)
		case uint:
			return fmt.Sprintf("%d", v)
		case int:
			return fmt.Sprintf("%d", v)
		case float64:
			return fmt.Sprintf("%d", uint(v))
		}
	}
	return ""
}

func paramUint(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Params(name)
	parsed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(parsed), nil
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}
