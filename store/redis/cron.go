package redis

import (
	"context"
	"fmt"
	"time"
)

// ClaimSlot records the firing of entry at slot with SET NX. The key
// expires after retain.
func (s *Store) ClaimSlot(ctx context.Context, entry string, slot time.Time, retain time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.cronSlotKey(entry, slot.Unix()), 1, retain).Result()
	if err != nil {
		return false, fmt.Errorf("dispatch/redis: claim cron slot: %w", err)
	}
	return ok, nil
}
