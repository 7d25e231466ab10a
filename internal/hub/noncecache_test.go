package hub

import (
	"testing"
	"time"
)

func TestNonceCacheSeenAndRecord(t *testing.T) {
	c := NewNonceCache(10 * time.Minute)

	if c.Seen("HUB-C-01", "n1") {
		t.Error("empty cache reported a nonce as seen")
	}

	c.Record("HUB-C-01", "n1")
	if !c.Seen("HUB-C-01", "n1") {
		t.Error("recorded nonce not reported as seen")
	}
	if c.Seen("HUB-C-02", "n1") {
		t.Error("nonce leaked across serials")
	}
}

func TestNonceCacheExpiry(t *testing.T) {
	c := NewNonceCache(10 * time.Minute)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.nowFunc = fixedClock(base)
	c.Record("HUB-C-01", "n1")

	c.nowFunc = fixedClock(base.Add(9 * time.Minute))
	if !c.Seen("HUB-C-01", "n1") {
		t.Error("nonce expired before its TTL")
	}

	c.nowFunc = fixedClock(base.Add(11 * time.Minute))
	if c.Seen("HUB-C-01", "n1") {
		t.Error("nonce survived past its TTL")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not dropped on lookup, len = %d", c.Len())
	}
}
