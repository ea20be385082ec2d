package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/teachlink/teachlink-realtime/pkg/realtime"
)

// EventPublisher delivers named events into rooms, to a single user's
// connections, or to every connection on this session's gateway.
type EventPublisher interface {
	EmitToRoom(ctx context.Context, room, event string, payload interface{})
	EmitToUser(ctx context.Context, userID, event string, payload interface{})
	EmitAll(ctx context.Context, event string, payload interface{})
}

const (
	fanoutScopeRoom = "room"
	fanoutScopeUser = "user"
	fanoutScopeAll  = "all"
)

type fanoutEvent struct {
	Source   string            `json:"source"`
	Scope    string            `json:"scope"`
	Target   string            `json:"target,omitempty"`
	Envelope realtime.Envelope `json:"envelope"`
	SentAt   time.Time         `json:"sent_at"`
}

// Fanout owns the local hub and mirrors every emission across gateway nodes
// over redis pub/sub and a NATS queue group. Remote events tagged with this
// node's id are discarded to avoid echo loops.
type Fanout struct {
	hub          *hub
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	nodeID       string
}

// NewFanout creates the event fanout with its embedded hub.
func NewFanout(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) *Fanout {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":events"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".events"
	}

	return &Fanout{
		hub:          newHub(logger),
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "event_fanout").Logger(),
		nodeID:       uuid.NewString(),
	}
}

// Start launches the cross-node consumers until ctx is cancelled.
func (f *Fanout) Start(ctx context.Context) {
	if f.redis != nil && f.redisChannel != "" {
		go f.consumeRedis(ctx)
	}
	if f.nats != nil && f.natsSubject != "" {
		go f.consumeNATS(ctx)
	}
}

// EmitToRoom broadcasts to every member of room, here and on peer nodes.
func (f *Fanout) EmitToRoom(ctx context.Context, room, event string, payload interface{}) {
	envelope, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		f.logger.Warn().Err(err).Str("event", event).Msg("failed to encode room event")
		return
	}
	f.hub.broadcast(room, envelope, nil)
	f.publish(ctx, fanoutEvent{Scope: fanoutScopeRoom, Target: room, Envelope: envelope})
}

// EmitToUser delivers to all of a user's live connections.
func (f *Fanout) EmitToUser(ctx context.Context, userID, event string, payload interface{}) {
	envelope, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		f.logger.Warn().Err(err).Str("event", event).Msg("failed to encode user event")
		return
	}
	f.hub.sendToUser(userID, envelope)
	f.publish(ctx, fanoutEvent{Scope: fanoutScopeUser, Target: userID, Envelope: envelope})
}

// EmitAll delivers to every live connection.
func (f *Fanout) EmitAll(ctx context.Context, event string, payload interface{}) {
	envelope, err := realtime.NewEnvelope(event, payload)
	if err != nil {
		f.logger.Warn().Err(err).Str("event", event).Msg("failed to encode broadcast event")
		return
	}
	f.hub.broadcastAll(envelope)
	f.publish(ctx, fanoutEvent{Scope: fanoutScopeAll, Envelope: envelope})
}

func (f *Fanout) publish(ctx context.Context, event fanoutEvent) {
	if (f.redis == nil || f.redisChannel == "") && (f.nats == nil || f.natsSubject == "") {
		return
	}

	event.Source = f.nodeID
	event.SentAt = time.Now().UTC()

	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to marshal fanout event")
		return
	}

	if f.redis != nil && f.redisChannel != "" {
		if err := f.redis.Publish(ctx, f.redisChannel, payload).Err(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to publish fanout event to redis")
		}
	}

	if f.nats != nil && f.natsSubject != "" {
		if err := f.nats.Publish(f.natsSubject, payload); err != nil {
			f.logger.Warn().Err(err).Msg("failed to publish fanout event to nats")
		}
	}
}

func (f *Fanout) consumeRedis(ctx context.Context) {
	pubsub := f.redis.Subscribe(ctx, f.redisChannel)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			f.logger.Error().Err(err).Msg("fanout redis subscription closed")
			return
		}
		f.handleRemote([]byte(msg.Payload))
	}
}

func (f *Fanout) consumeNATS(ctx context.Context) {
	sub, err := f.nats.QueueSubscribe(f.natsSubject, "teachlink-realtime", func(msg *nats.Msg) {
		f.handleRemote(msg.Data)
	})
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to subscribe to nats fanout subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to drain fanout nats subscription")
		}
	}()
}

func (f *Fanout) handleRemote(data []byte) {
	var event fanoutEvent
	if err := json.Unmarshal(data, &event); err != nil {
		f.logger.Warn().Err(err).Msg("invalid fanout event")
		return
	}

	if event.Source == f.nodeID {
		return
	}

	switch event.Scope {
	case fanoutScopeRoom:
		f.hub.broadcast(event.Target, event.Envelope, nil)
	case fanoutScopeUser:
		f.hub.sendToUser(event.Target, event.Envelope)
	case fanoutScopeAll:
		f.hub.broadcastAll(event.Envelope)
	default:
		f.logger.Warn().Str("scope", event.Scope).Msg("unknown fanout scope")
	}
}
