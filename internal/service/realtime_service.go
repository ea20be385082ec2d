package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/teachlink/teachlink-realtime/internal/dto"
	"github.com/teachlink/teachlink-realtime/internal/observability"
	"github.com/teachlink/teachlink-realtime/internal/repository"
	"github.com/teachlink/teachlink-realtime/pkg/realtime"
)

const (
	clientSendBufferSize = 32
	keepaliveInterval    = 30 * time.Second
)

// ConnectionOptions wraps metadata extracted during the HTTP upgrade.
type ConnectionOptions struct {
	UserID        string
	Role          string
	DisplayName   string
	CorrelationID string
	Context       context.Context
}

// RealtimeService serves websocket connections: it routes inbound named
// events to the chat, presence and room machinery and pushes broadcasts
// back out through the fanout hub.
type RealtimeService interface {
	ServeConnection(conn *websocket.Conn, opts ConnectionOptions)
}

type realtimeService struct {
	apps     repository.ApplicationRepository
	chat     ChatService
	presence PresenceService
	fanout   *Fanout
	logger   zerolog.Logger
	tracer   trace.Tracer
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan realtime.Envelope
	options ConnectionOptions
	service *realtimeService
	closed  chan struct{}
	once    sync.Once
	baseCtx context.Context

	// rooms is guarded by the hub mutex.
	rooms map[string]struct{}
}

// NewRealtimeService creates the websocket-facing service.
func NewRealtimeService(apps repository.ApplicationRepository, chat ChatService, presence PresenceService, fanout *Fanout, logger zerolog.Logger) RealtimeService {
	return &realtimeService{
		apps:     apps,
		chat:     chat,
		presence: presence,
		fanout:   fanout,
		logger:   logger.With().Str("component", "realtime_service").Logger(),
		tracer:   otel.Tracer("github.com/teachlink/teachlink-realtime/internal/service/realtime"),
	}
}

func (s *realtimeService) ServeConnection(conn *websocket.Conn, opts ConnectionOptions) {
	baseCtx := opts.Context
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	client := &wsClient{
		conn:    conn,
		send:    make(chan realtime.Envelope, clientSendBufferSize),
		options: opts,
		service: s,
		closed:  make(chan struct{}),
		baseCtx: baseCtx,
		rooms:   make(map[string]struct{}),
	}

	s.fanout.hub.register(client)
	observability.ConnectionsActive().Inc()
	s.joinRoleRooms(client)

	if status, err := s.presence.SetOnline(baseCtx, opts.UserID, true); err == nil {
		s.fanout.EmitAll(baseCtx, realtime.EventUserStatusChanged, status)
	} else {
		s.logger.Warn().Err(err).Str("user_id", opts.UserID).Msg("failed to mark user online")
	}

	go client.writer()
	client.reader()

	if status, err := s.presence.SetOnline(baseCtx, opts.UserID, false); err == nil {
		s.fanout.EmitAll(baseCtx, realtime.EventUserStatusChanged, status)
	} else {
		s.logger.Warn().Err(err).Str("user_id", opts.UserID).Msg("failed to mark user offline")
	}
	observability.ConnectionsActive().Dec()
}

// joinRoleRooms subscribes the connection to its role-appropriate broadcast
// rooms so a reconnecting client resumes feed delivery without UI action.
func (s *realtimeService) joinRoleRooms(client *wsClient) {
	switch client.options.Role {
	case "teacher":
		s.fanout.hub.join(client, realtime.RoomKindJobFeed)
	case "admin":
		s.fanout.hub.join(client, realtime.RoomKindAdminWebinar)
		s.fanout.hub.join(client, realtime.RoomKindAdminPlan)
	}
}

func (s *realtimeService) handleEvent(ctx context.Context, client *wsClient, envelope realtime.Envelope) {
	spanCtx, span := s.tracer.Start(ctx, "realtime.event", trace.WithAttributes(
		attribute.String("event", envelope.Event),
		attribute.String("user_id", client.options.UserID),
	))
	defer span.End()

	var err error
	switch envelope.Event {
	case realtime.EventJoinApplication:
		err = s.joinApplication(spanCtx, client, envelope.Data)
	case realtime.EventLeaveApplication:
		err = s.leaveApplication(client, envelope.Data)
	case realtime.EventSendMessage:
		err = s.sendMessage(spanCtx, client, envelope.Data)
	case realtime.EventTypingStart:
		err = s.typing(client, envelope.Data, false)
	case realtime.EventTypingStop:
		err = s.typing(client, envelope.Data, true)
	case realtime.EventMarkMessagesRead:
		err = s.markMessagesRead(spanCtx, client, envelope.Data)
	case realtime.EventJoinPost:
		err = s.joinKeyedRoom(client, envelope.Data, realtime.RoomKindPost, true)
	case realtime.EventLeavePost:
		err = s.joinKeyedRoom(client, envelope.Data, realtime.RoomKindPost, false)
	case realtime.EventJoinSchoolRating:
		err = s.joinKeyedRoom(client, envelope.Data, realtime.RoomKindSchoolRating, true)
	case realtime.EventLeaveSchoolRating:
		err = s.joinKeyedRoom(client, envelope.Data, realtime.RoomKindSchoolRating, false)
	case realtime.EventJoinJobFeed:
		s.fanout.hub.join(client, realtime.RoomKindJobFeed)
	case realtime.EventJoinAdminWebinarRoom:
		if client.options.Role == "admin" {
			s.fanout.hub.join(client, realtime.RoomKindAdminWebinar)
		}
	case realtime.EventSetOnlineStatus:
		err = s.setOnlineStatus(spanCtx, client, envelope.Data)
	default:
		s.logger.Debug().Str("event", envelope.Event).Msg("ignoring unknown client event")
	}

	if err != nil {
		// A single bad event must not take the connection down.
		span.RecordError(err)
		s.logger.Warn().Err(err).
			Str("event", envelope.Event).
			Str("user_id", client.options.UserID).
			Msg("failed to process client event")
	}
}

func (s *realtimeService) joinApplication(ctx context.Context, client *wsClient, data json.RawMessage) error {
	var payload realtime.JoinApplicationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	app, err := s.apps.FindByID(ctx, payload.ApplicationID)
	if err != nil {
		return err
	}
	userID := client.options.UserID
	if app.TeacherID != userID && app.SchoolID != userID && client.options.Role != "admin" {
		return ErrNotParticipant
	}

	s.fanout.hub.join(client, realtime.ApplicationRoom(payload.ApplicationID))
	return nil
}

func (s *realtimeService) leaveApplication(client *wsClient, data json.RawMessage) error {
	var payload realtime.JoinApplicationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	s.fanout.hub.leave(client, realtime.ApplicationRoom(payload.ApplicationID))
	return nil
}

func (s *realtimeService) joinKeyedRoom(client *wsClient, data json.RawMessage, kind string, join bool) error {
	var payload realtime.JoinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	room := realtime.RoomID(kind, payload.ID)
	if join {
		s.fanout.hub.join(client, room)
	} else {
		s.fanout.hub.leave(client, room)
	}
	return nil
}

func (s *realtimeService) sendMessage(ctx context.Context, client *wsClient, data json.RawMessage) error {
	var payload realtime.SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	req := dto.SendMessageRequest{
		ApplicationID: payload.ApplicationID,
		Message:       payload.Message,
		MessageType:   payload.MessageType,
		ReceiverID:    payload.ReceiverID,
		ClientRef:     payload.ClientRef,
	}

	_, err := s.chat.SendMessage(ctx, client.options.UserID, sendPathSocket, req)
	return err
}

func (s *realtimeService) typing(client *wsClient, data json.RawMessage, stopped bool) error {
	var payload realtime.TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if payload.Name == "" {
		payload.Name = client.options.DisplayName
	}
	payload.Stopped = stopped

	room := realtime.ApplicationRoom(payload.ApplicationID)
	if !s.fanout.hub.memberOf(client, room) {
		return ErrNotParticipant
	}

	envelope, err := realtime.NewEnvelope(realtime.EventUserTyping, payload)
	if err != nil {
		return err
	}
	// Typing is ephemeral: local room members only, never the typist.
	s.fanout.hub.broadcast(room, envelope, client)
	return nil
}

func (s *realtimeService) markMessagesRead(ctx context.Context, client *wsClient, data json.RawMessage) error {
	var payload realtime.MarkMessagesReadPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	_, err := s.chat.MarkConversationRead(ctx, payload.ApplicationID, client.options.UserID, payload.MessageIDs)
	return err
}

func (s *realtimeService) setOnlineStatus(ctx context.Context, client *wsClient, data json.RawMessage) error {
	var payload realtime.SetOnlineStatusPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}

	status, err := s.presence.SetOnline(ctx, client.options.UserID, payload.Online)
	if err != nil {
		return err
	}
	s.fanout.EmitAll(ctx, realtime.EventUserStatusChanged, status)
	return nil
}

func (c *wsClient) reader() {
	defer c.close()

	for {
		var envelope realtime.Envelope
		if err := c.conn.ReadJSON(&envelope); err != nil {
			c.service.logger.Debug().Err(err).Msg("realtime read loop ended")
			return
		}

		c.service.handleEvent(c.baseCtx, c, envelope)
	}
}

func (c *wsClient) writer() {
	defer c.close()

	for {
		select {
		case envelope, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(envelope); err != nil {
				c.service.logger.Debug().Err(err).Msg("realtime write loop terminated")
				return
			}
		case <-time.After(keepaliveInterval):
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("realtime ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.service.fanout.hub.unregister(c)
		_ = c.conn.Close()
	})
}
