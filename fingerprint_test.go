package relayline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministic(t *testing.T) {
	fp := Fingerprinter{}
	m := mkMessage("m1", "c1", "alice", "hello", storeEpoch, StatusSent)
	assert.Equal(t, fp.Key(m), fp.Key(m))

	// The id plays no part; two echoes of one send fingerprint identically.
	other := mkMessage("m2", "c1", "alice", "hello", storeEpoch, StatusPending)
	assert.Equal(t, fp.Key(m), fp.Key(other))
}

func TestFingerprintTimeBucket(t *testing.T) {
	fp := Fingerprinter{}
	base := mkMessage("m1", "c1", "alice", "hello", storeEpoch, StatusSent)

	within := mkMessage("m2", "c1", "alice", "hello", storeEpoch.Add(4*time.Second), StatusSent)
	assert.Equal(t, fp.Key(base), fp.Key(within))

	outside := mkMessage("m3", "c1", "alice", "hello", storeEpoch.Add(6*time.Second), StatusSent)
	assert.NotEqual(t, fp.Key(base), fp.Key(outside))
}

func TestFingerprintSenderAndContent(t *testing.T) {
	fp := Fingerprinter{}
	base := mkMessage("m1", "c1", "alice", "hello", storeEpoch, StatusSent)

	otherSender := mkMessage("m2", "c1", "bob", "hello", storeEpoch, StatusSent)
	assert.NotEqual(t, fp.Key(base), fp.Key(otherSender))

	otherContent := mkMessage("m3", "c1", "alice", "goodbye", storeEpoch, StatusSent)
	assert.NotEqual(t, fp.Key(base), fp.Key(otherContent))
}

func TestFingerprintContentTruncation(t *testing.T) {
	fp := Fingerprinter{}
	prefix := strings.Repeat("x", 128)

	a := mkMessage("m1", "c1", "alice", prefix+"AAAA", storeEpoch, StatusSent)
	b := mkMessage("m2", "c1", "alice", prefix+"BBBB", storeEpoch, StatusSent)
	assert.Equal(t, fp.Key(a), fp.Key(b), "only the first 128 characters participate")

	short := mkMessage("m3", "c1", "alice", prefix[:100], storeEpoch, StatusSent)
	assert.NotEqual(t, fp.Key(a), fp.Key(short))
}

func TestFingerprintConfigurableBucket(t *testing.T) {
	wide := Fingerprinter{Bucket: time.Minute}
	a := mkMessage("m1", "c1", "alice", "hello", storeEpoch, StatusSent)
	b := mkMessage("m2", "c1", "alice", "hello", storeEpoch.Add(30*time.Second), StatusSent)
	assert.Equal(t, wide.Key(a), wide.Key(b))
	assert.NotEqual(t, Fingerprinter{}.Key(a), Fingerprinter{}.Key(b))
}
