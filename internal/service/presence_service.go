package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/teachlink/teachlink-realtime/internal/observability"
	"github.com/teachlink/teachlink-realtime/pkg/realtime"
)

// PresenceService tracks which users are currently online. Every transition
// gets a monotonic per-user sequence so a late offline packet cannot
// override a newer online state on consumers.
type PresenceService interface {
	SetOnline(ctx context.Context, userID string, online bool) (realtime.StatusChangePayload, error)
	Online(ctx context.Context) ([]string, error)
}

type presenceService struct {
	redis     *redis.Client
	setKey    string
	seqPrefix string
	logger    zerolog.Logger

	// In-memory fallback used when no redis client is configured.
	mu     sync.Mutex
	local  map[string]struct{}
	seqs   map[string]uint64
}

// NewPresenceService creates a presence registry backed by redis when
// available and process-local state otherwise.
func NewPresenceService(redisClient *redis.Client, channelBase string, logger zerolog.Logger) PresenceService {
	setKey := ""
	seqPrefix := ""
	if channelBase != "" {
		setKey = channelBase + ":presence:online"
		seqPrefix = channelBase + ":presence:seq"
	}

	return &presenceService{
		redis:     redisClient,
		setKey:    setKey,
		seqPrefix: seqPrefix,
		logger:    logger.With().Str("component", "presence_service").Logger(),
		local:     make(map[string]struct{}),
		seqs:      make(map[string]uint64),
	}
}

func (s *presenceService) SetOnline(ctx context.Context, userID string, online bool) (realtime.StatusChangePayload, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return realtime.StatusChangePayload{}, fmt.Errorf("user id is required")
	}

	seq, err := s.nextSeq(ctx, userID)
	if err != nil {
		return realtime.StatusChangePayload{}, err
	}

	if s.redis != nil && s.setKey != "" {
		var redisErr error
		if online {
			redisErr = s.redis.SAdd(ctx, s.setKey, userID).Err()
		} else {
			redisErr = s.redis.SRem(ctx, s.setKey, userID).Err()
		}
		if redisErr != nil {
			return realtime.StatusChangePayload{}, fmt.Errorf("update presence set: %w", redisErr)
		}
	} else {
		s.mu.Lock()
		if online {
			s.local[userID] = struct{}{}
		} else {
			delete(s.local, userID)
		}
		s.mu.Unlock()
	}

	status := "offline"
	if online {
		status = "online"
	}
	observability.PresenceUpdates().WithLabelValues(status).Inc()

	return realtime.StatusChangePayload{UserID: userID, Online: online, Seq: seq}, nil
}

func (s *presenceService) Online(ctx context.Context) ([]string, error) {
	if s.redis != nil && s.setKey != "" {
		members, err := s.redis.SMembers(ctx, s.setKey).Result()
		if err != nil {
			return nil, fmt.Errorf("list online users: %w", err)
		}
		return members, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.local))
	for userID := range s.local {
		out = append(out, userID)
	}
	return out, nil
}

func (s *presenceService) nextSeq(ctx context.Context, userID string) (uint64, error) {
	if s.redis != nil && s.seqPrefix != "" {
		seq, err := s.redis.Incr(ctx, fmt.Sprintf("%s:%s", s.seqPrefix, userID)).Result()
		if err != nil {
			return 0, fmt.Errorf("advance presence seq: %w", err)
		}
		return uint64(seq), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[userID]++
	return s.seqs[userID], nil
}
