package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LockRow is one row of agent_edit_locks.
type LockRow struct {
	DocumentID      int64
	LockedBy        string
	LockedAt        time.Time
	OriginalContent *string
}

// InsertLock adds the row unless the document is already locked. It
// reports whether this call created the lock.
func (d *DB) InsertLock(ctx context.Context, row LockRow) (bool, error) {
	res, err := d.exec(ctx, `INSERT INTO agent_edit_locks (task_id, locked_by, locked_at, original_content) VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id) DO NOTHING`,
		row.DocumentID, row.LockedBy, row.LockedAt.UTC(), nullableString(row.OriginalContent))
	if err != nil {
		d.logger.Error("store.insert_lock_failed", "document_id", row.DocumentID, "error", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetLock returns nil when the document is not locked.
func (d *DB) GetLock(ctx context.Context, documentID int64) (*LockRow, error) {
	var (
		row      LockRow
		original sql.NullString
	)
	err := d.queryRow(ctx, `SELECT task_id, locked_by, locked_at, original_content FROM agent_edit_locks WHERE task_id = ?`, documentID).
		Scan(&row.DocumentID, &row.LockedBy, &row.LockedAt, &original)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		d.logger.Error("store.get_lock_failed", "document_id", documentID, "error", err)
		return nil, err
	}
	row.OriginalContent = stringPtr(original)
	return &row, nil
}

func (d *DB) DeleteLock(ctx context.Context, documentID int64) (bool, error) {
	res, err := d.exec(ctx, `DELETE FROM agent_edit_locks WHERE task_id = ?`, documentID)
	if err != nil {
		d.logger.Error("store.delete_lock_failed", "document_id", documentID, "error", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StaleLocks lists documents locked before cutoff.
func (d *DB) StaleLocks(ctx context.Context, cutoff time.Time) ([]int64, error) {
	rows, err := d.query(ctx, `SELECT task_id FROM agent_edit_locks WHERE locked_at < ? ORDER BY task_id`, cutoff.UTC())
	if err != nil {
		d.logger.Error("store.stale_locks_failed", "error", err)
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteLockIfOlder removes the lock only if it is still older than cutoff,
// so a lock re-acquired between listing and deletion survives.
func (d *DB) DeleteLockIfOlder(ctx context.Context, documentID int64, cutoff time.Time) (bool, error) {
	res, err := d.exec(ctx, `DELETE FROM agent_edit_locks WHERE task_id = ? AND locked_at < ?`, documentID, cutoff.UTC())
	if err != nil {
		d.logger.Error("store.delete_stale_lock_failed", "document_id", documentID, "error", err)
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteAllLocks removes every lock and returns the deleted rows, snapshots
// included. LockedAt is not returned.
func (d *DB) DeleteAllLocks(ctx context.Context) ([]LockRow, error) {
	rows, err := d.query(ctx, `DELETE FROM agent_edit_locks RETURNING task_id, locked_by, original_content`)
	if err != nil {
		d.logger.Error("store.delete_all_locks_failed", "error", err)
		return nil, err
	}
	defer rows.Close()
	var deleted []LockRow
	for rows.Next() {
		var (
			row      LockRow
			original sql.NullString
		)
		if err := rows.Scan(&row.DocumentID, &row.LockedBy, &original); err != nil {
			return nil, err
		}
		row.OriginalContent = stringPtr(original)
		deleted = append(deleted, row)
	}
	return deleted, rows.Err()
}
