package eventlog

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryLog keeps processed event ids in a bounded expiring LRU.
type MemoryLog struct {
	cache *lru.LRU[string, time.Time]
}

// NewMemoryLog creates a log holding at most size ids for ttl each.
func NewMemoryLog(size int, ttl time.Duration) *MemoryLog {
	if size <= 0 {
		size = 10000
	}
	return &MemoryLog{cache: lru.NewLRU[string, time.Time](size, nil, ttl)}
}

// Seen reports whether eventID was marked processed and has not expired.
func (l *MemoryLog) Seen(_ context.Context, eventID string) (bool, error) {
	return l.cache.Contains(eventID), nil
}

// MarkProcessed records eventID.
func (l *MemoryLog) MarkProcessed(_ context.Context, eventID string) error {
	l.cache.Add(eventID, time.Now())
	return nil
}

// Len returns the number of remembered ids.
func (l *MemoryLog) Len() int {
	return l.cache.Len()
}
