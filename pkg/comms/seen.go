package comms

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// seenCache remembers message IDs so a flooded message reaching a node over
// several paths is handled once. Entries expire after ttl.
type seenCache struct {
	mu  sync.Mutex
	ids *expirable.LRU[string, struct{}]
}

func newSeenCache(size int, ttl time.Duration) *seenCache {
	return &seenCache{ids: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// firstSight records id and reports whether it was new. Frames without an
// ID are always new.
func (s *seenCache) firstSight(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids.Contains(id) {
		return false
	}
	s.ids.Add(id, struct{}{})
	return true
}
