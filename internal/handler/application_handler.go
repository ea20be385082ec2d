package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/teachlink/teachlink-realtime/internal/dto"
	"github.com/teachlink/teachlink-realtime/internal/service"
	"github.com/teachlink/teachlink-realtime/internal/utils"
)

// ApplicationHandler exposes the minimal application surface the chat client
// needs for placeholder conversation resolution: search by counterpart and
// create a general-inquiry record.
type ApplicationHandler struct {
	service service.ChatService
	logger  zerolog.Logger
}

// NewApplicationHandler creates an application handler instance.
func NewApplicationHandler(service service.ChatService, logger zerolog.Logger) *ApplicationHandler {
	return &ApplicationHandler{
		service: service,
		logger:  logger.With().Str("component", "application_handler").Logger(),
	}
}

// Register binds application routes under the provided router group.
func (h *ApplicationHandler) Register(router fiber.Router) {
	router.Get("/", h.search)
	router.Post("/", h.create)
}

func (h *ApplicationHandler) search(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	applications, err := h.service.FindApplications(requestContext(c), userID, c.Query("counterpartId"))
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to search applications")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to search applications")
	}

	return utils.SendSuccess(c, "applications", applications)
}

func (h *ApplicationHandler) create(c *fiber.Ctx) error {
	userID := requestUserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user id missing")
	}

	var req dto.ApplicationCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	// The caller must be one of the two parties it links.
	if req.TeacherID != userID && req.SchoolID != userID {
		return utils.SendError(c, fiber.StatusForbidden, "caller must be a participant")
	}

	response, err := h.service.ResolveApplication(requestContext(c), req)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to resolve application")
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "application resolved", response)
}
