package availability

import (
	"context"
	"log"

	"github.com/clinicore/scheduling-engine/internal/events"
)

// Invalidator evicts cache entries in response to change notifications.
// It is idempotent under redelivery: evicting an already-evicted entry is
// a no-op, and the TTL bounds staleness even if an event never arrives.
type Invalidator struct {
	cache *RedisCache
}

func NewInvalidator(cache *RedisCache) *Invalidator {
	return &Invalidator{cache: cache}
}

// Handle evicts every entry whose computation depended on any resource
// the mutation touched, on the affected date.
func (inv *Invalidator) Handle(ctx context.Context, ev events.ChangeEvent) error {
	evicted := 0
	for _, resourceID := range ev.AffectedResourceIDs() {
		n, err := inv.cache.EvictDependents(ctx, DepKey(resourceID, ev.Date))
		if err != nil {
			return err
		}
		evicted += n
	}
	log.Printf("invalidated %d cache entries event=%s appointment=%s date=%s",
		evicted, ev.EventType, ev.AppointmentID, ev.Date)
	return nil
}
