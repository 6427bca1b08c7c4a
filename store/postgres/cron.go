package postgres

import (
	"context"
	"fmt"
	"time"
)

// ClaimSlot records the firing of entry at slot. The primary key on
// (entry, slot) lets exactly one process insert the row. Expired claims
// are purged first.
func (s *Store) ClaimSlot(ctx context.Context, entry string, slot time.Time, retain time.Duration) (bool, error) {
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, `DELETE FROM dispatch_cron_slots WHERE expires_at <= $1`, now); err != nil {
		return false, fmt.Errorf("dispatch/postgres: purge cron slots: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_cron_slots (entry, slot, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entry, slot) DO NOTHING`,
		entry, slot.UTC().Truncate(time.Second), now.Add(retain),
	)
	if err != nil {
		return false, fmt.Errorf("dispatch/postgres: claim cron slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
