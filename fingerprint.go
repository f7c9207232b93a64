package relayline

import (
	"fmt"
	"time"
)

// DefaultFingerprintBucket is the coarse time window within which two sends
// with identical sender and content are treated as one logical event.
const DefaultFingerprintBucket = 5 * time.Second

const fingerprintContentLimit = 128

// Fingerprinter derives a dedup key from a message's sender, content prefix,
// and a coarse time bucket. The bucket absorbs the case where an optimistic
// message and its server echo carry different ids and timestamps but
// represent one user action, without relying on clientId (which is absent on
// messages originated by another client or device).
//
// Two genuinely distinct identical messages inside one bucket collapse into
// one; the bucket stays configurable rather than tightened (known
// false-positive window, no product guidance on the boundary).
type Fingerprinter struct {
	Bucket time.Duration
}

// Key returns the fingerprint for m. Pure and deterministic.
func (f Fingerprinter) Key(m *Message) string {
	bucket := f.Bucket
	if bucket <= 0 {
		bucket = DefaultFingerprintBucket
	}
	content := m.Content
	if runes := []rune(content); len(runes) > fingerprintContentLimit {
		content = string(runes[:fingerprintContentLimit])
	}
	return fmt.Sprintf("%s|%s|%d", m.Sender.ID, content, m.CreatedAt.UnixMilli()/bucket.Milliseconds())
}
