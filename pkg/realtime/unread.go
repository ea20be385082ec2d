package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultResyncInterval = 30 * time.Second

// UnreadCounter derives the single unread total shown in the UI. It applies
// optimistic deltas as message events arrive and periodically replaces the
// running count with the server baseline, so any drift from duplicated or
// missed events heals within one resync interval.
type UnreadCounter struct {
	rest     *RESTClient
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	total    int64
	onChange func(int64)

	stopOnce sync.Once
	stop     chan struct{}
}

// NewUnreadCounter builds a counter backed by the given REST client.
func NewUnreadCounter(rest *RESTClient, logger zerolog.Logger) *UnreadCounter {
	return &UnreadCounter{
		rest:     rest,
		interval: defaultResyncInterval,
		logger:   logger.With().Str("component", "unread_counter").Logger(),
		stop:     make(chan struct{}),
	}
}

// OnChange registers a callback invoked with the new total after every
// change. Must be set before Start.
func (u *UnreadCounter) OnChange(fn func(int64)) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.onChange = fn
}

// Start computes the initial baseline and launches the periodic resync
// loop. Resync failures are retried on the next tick, never surfaced.
func (u *UnreadCounter) Start(ctx context.Context) {
	if err := u.Resync(ctx); err != nil {
		u.logger.Warn().Err(err).Msg("initial baseline failed")
	}

	go u.resyncLoop(ctx)
}

// Stop halts the resync loop.
func (u *UnreadCounter) Stop() {
	u.stopOnce.Do(func() { close(u.stop) })
}

// Total returns the current displayed count.
func (u *UnreadCounter) Total() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.total
}

// Increment applies a +1 optimistic delta for one inbound message.
func (u *UnreadCounter) Increment() {
	u.apply(1)
}

// Decrement applies a -n optimistic delta for messages marked read. The
// displayed count never goes negative.
func (u *UnreadCounter) Decrement(n int) {
	if n <= 0 {
		return
	}
	u.apply(int64(-n))
}

// Resync refetches the authoritative baseline and replaces the running
// count. The conversations listing is preferred since its per-conversation
// tallies are what the rest of the UI renders; the dedicated unread-count
// endpoint is the fallback.
func (u *UnreadCounter) Resync(ctx context.Context) error {
	total, err := u.baseline(ctx)
	if err != nil {
		return err
	}

	u.mu.Lock()
	changed := total != u.total
	u.total = total
	fn := u.onChange
	u.mu.Unlock()

	if changed && fn != nil {
		fn(total)
	}
	return nil
}

func (u *UnreadCounter) baseline(ctx context.Context) (int64, error) {
	conversations, err := u.rest.Conversations(ctx)
	if err == nil {
		var total int64
		for _, conv := range conversations {
			total += conv.UnreadCount
		}
		return total, nil
	}

	u.logger.Warn().Err(err).Msg("conversations baseline failed, falling back")
	return u.rest.UnreadCount(ctx)
}

func (u *UnreadCounter) apply(delta int64) {
	u.mu.Lock()
	next := u.total + delta
	if next < 0 {
		next = 0
	}
	changed := next != u.total
	u.total = next
	fn := u.onChange
	u.mu.Unlock()

	if changed && fn != nil {
		fn(next)
	}
}

func (u *UnreadCounter) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.stop:
			return
		case <-ticker.C:
			if err := u.Resync(ctx); err != nil {
				u.logger.Warn().Err(err).Msg("resync failed")
			}
		}
	}
}
