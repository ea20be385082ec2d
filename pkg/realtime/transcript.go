package realtime

import "time"

// transcript holds the active conversation's messages in arrival order and
// deduplicates the two acknowledgement paths of a send. A pending optimistic
// entry is keyed by its client reference; whichever of the socket echo and
// the REST response lands first replaces it, and the other is ignored by
// server id.
type transcript struct {
	messages []Message
	byRef    map[string]int
	byID     map[uint]int
}

func newTranscript() *transcript {
	return &transcript{
		byRef: make(map[string]int),
		byID:  make(map[uint]int),
	}
}

// appendPending adds an optimistic local echo awaiting acknowledgement.
func (t *transcript) appendPending(msg Message) {
	t.messages = append(t.messages, msg)
	if msg.ClientRef != "" {
		t.byRef[msg.ClientRef] = len(t.messages) - 1
	}
}

// merge ingests an authoritative message. It replaces a pending entry with
// the same client reference, drops anything whose id is already present,
// and appends otherwise. Reports whether the transcript changed.
func (t *transcript) merge(msg Message) bool {
	if msg.ClientRef != "" {
		if i, ok := t.byRef[msg.ClientRef]; ok {
			if t.messages[i].ID != 0 {
				return false
			}
			t.messages[i] = msg
			if msg.ID != 0 {
				t.byID[msg.ID] = i
			}
			return true
		}
	}
	if msg.ID != 0 {
		if _, ok := t.byID[msg.ID]; ok {
			return false
		}
	}

	t.messages = append(t.messages, msg)
	i := len(t.messages) - 1
	if msg.ClientRef != "" {
		t.byRef[msg.ClientRef] = i
	}
	if msg.ID != 0 {
		t.byID[msg.ID] = i
	}
	return true
}

// removeRef rolls back a pending entry after a failed durable send.
func (t *transcript) removeRef(ref string) {
	i, ok := t.byRef[ref]
	if !ok {
		return
	}
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	delete(t.byRef, ref)
	t.reindex()
}

// markRead flips the read flag for the given message ids.
func (t *transcript) markRead(ids []uint) {
	now := time.Now()
	for _, id := range ids {
		if i, ok := t.byID[id]; ok && !t.messages[i].Read {
			t.messages[i].Read = true
			t.messages[i].ReadAt = &now
		}
	}
}

// snapshot returns a copy of the messages.
func (t *transcript) snapshot() []Message {
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *transcript) len() int {
	return len(t.messages)
}

func (t *transcript) reindex() {
	t.byRef = make(map[string]int, len(t.messages))
	t.byID = make(map[uint]int, len(t.messages))
	for i, msg := range t.messages {
		if msg.ClientRef != "" {
			t.byRef[msg.ClientRef] = i
		}
		if msg.ID != 0 {
			t.byID[msg.ID] = i
		}
	}
}
