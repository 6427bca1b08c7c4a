package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimSlot records the firing of entry at slot. INSERT OR IGNORE on the
// (entry, slot) primary key lets exactly one caller add the row.
func (s *Store) ClaimSlot(ctx context.Context, entry string, slot time.Time, retain time.Duration) (bool, error) {
	now := time.Now().UTC()
	var claimed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dispatch_cron_slots WHERE expires_at <= ?`, micros(now),
		); err != nil {
			return mapErr(fmt.Errorf("dispatch/sqlite: purge cron slots: %w", err))
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO dispatch_cron_slots (entry, slot, expires_at)
			VALUES (?, ?, ?)`,
			entry, slot.Unix(), micros(now.Add(retain)),
		)
		if err != nil {
			return mapErr(fmt.Errorf("dispatch/sqlite: claim cron slot: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dispatch/sqlite: claim cron slot: %w", err)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}
