package repo

import (
	"context"
	"database/sql"
)

// ClaimSlot records that job ran for slot. It reports false when another
// caller already holds the slot.
func (r Repo) ClaimSlot(ctx context.Context, tx *sql.Tx, job, slot, ts string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx,
		`INSERT INTO scheduler_slots(job, slot, claimed_at) VALUES (?,?,?) ON CONFLICT(job, slot) DO NOTHING`,
		job, slot, ts)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n == 1, err
}

// PruneSlots drops slot claims older than before.
func (r Repo) PruneSlots(ctx context.Context, tx *sql.Tx, before string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM scheduler_slots WHERE claimed_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return affected(res)
}
