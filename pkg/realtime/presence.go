package realtime

import (
	"sort"
	"sync"
)

// PresenceSet tracks which participants are currently online. Updates carry
// a per-user monotonic sequence number; a late packet with an older sequence
// is discarded so a stale offline cannot override a newer online.
type PresenceSet struct {
	mu     sync.Mutex
	online map[string]bool
	seqs   map[string]uint64
}

// NewPresenceSet returns an empty presence set.
func NewPresenceSet() *PresenceSet {
	return &PresenceSet{
		online: make(map[string]bool),
		seqs:   make(map[string]uint64),
	}
}

// Apply ingests a status change and reports whether it was accepted. A
// change with a sequence at or below the last accepted one for that user is
// stale and ignored. Sequence zero means the sender does not number its
// updates, in which case last write wins.
func (p *PresenceSet) Apply(change StatusChangePayload) bool {
	if change.UserID == "" {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if change.Seq > 0 && change.Seq <= p.seqs[change.UserID] {
		return false
	}
	if change.Seq > 0 {
		p.seqs[change.UserID] = change.Seq
	}

	if change.Online {
		p.online[change.UserID] = true
	} else {
		delete(p.online, change.UserID)
	}
	return true
}

// IsOnline reports whether the participant is currently online.
func (p *PresenceSet) IsOnline(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.online[userID]
}

// Online returns the online participant ids in a stable order.
func (p *PresenceSet) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
