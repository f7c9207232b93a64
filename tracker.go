package relayline

import "sync"

// AckTracker records which message ids have already been acknowledged as
// delivered or read, so each outward acknowledgement is emitted at most once
// per session. Ids are claimed into a set before the outward emission
// resolves; a retried or duplicated emission therefore never repeats the
// observable side effect. The sets are scoped to the whole session, not per
// conversation, because message ids are globally unique.
type AckTracker struct {
	mu        sync.Mutex
	delivered map[string]struct{}
	read      map[string]struct{}
}

// NewAckTracker creates an empty tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{
		delivered: make(map[string]struct{}),
		read:      make(map[string]struct{}),
	}
}

// MarkDelivered claims id for delivery acknowledgement. It reports true
// exactly once per id; the caller emits the outward event only on true.
func (t *AckTracker) MarkDelivered(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.delivered[id]; ok {
		return false
	}
	t.delivered[id] = struct{}{}
	return true
}

// ClaimRead claims every id not yet in the read set and returns the claimed
// subset. The caller issues one bulk read acknowledgement for the returned
// ids.
func (t *AckTracker) ClaimRead(ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var claimed []string
	for _, id := range ids {
		if _, ok := t.read[id]; ok {
			continue
		}
		t.read[id] = struct{}{}
		claimed = append(claimed, id)
	}
	return claimed
}

// Observe syncs the sets with an externally observed status, so a message
// another device already acknowledged is not acknowledged again from here.
func (t *AckTracker) Observe(id string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status.Rank() >= StatusDelivered.Rank() {
		t.delivered[id] = struct{}{}
	}
	if status.Rank() >= StatusRead.Rank() {
		t.read[id] = struct{}{}
	}
}

// Delivered reports whether id is in the delivered set.
func (t *AckTracker) Delivered(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.delivered[id]
	return ok
}

// Read reports whether id is in the read set.
func (t *AckTracker) Read(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.read[id]
	return ok
}
