package repo

import (
	"context"
	"database/sql"
	"strings"

	"shopfloor/internal/domain"
)

const notificationColumns = `id,operation_id,COALESCE(drawing_number,''),completed_units,total_units,percentage,source,created_at,expires_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var expires sql.NullString
	err := row.Scan(&n.ID, &n.OperationID, &n.DrawingNumber, &n.CompletedUnits, &n.TotalUnits, &n.Percentage, &n.Source, &n.CreatedAt, &expires)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if expires.Valid {
		n.ExpiresAt = &expires.String
	}
	return n, nil
}

// InsertNotificationTx records n in the ledger unless its operation already
// has a live entry. An entry whose expiry is at or before n.CreatedAt is
// replaced. The boolean reports whether this call wrote the row.
func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,operation_id,drawing_number,completed_units,total_units,percentage,source,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(operation_id) DO UPDATE SET
  id=excluded.id, drawing_number=excluded.drawing_number, completed_units=excluded.completed_units,
  total_units=excluded.total_units, percentage=excluded.percentage, source=excluded.source,
  created_at=excluded.created_at, expires_at=excluded.expires_at
WHERE notifications.expires_at IS NOT NULL AND notifications.expires_at<=excluded.created_at`,
		n.ID, n.OperationID, nullable(n.DrawingNumber), n.CompletedUnits, n.TotalUnits, n.Percentage, n.Source, n.CreatedAt, nullableStringPtr(n.ExpiresAt))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r Repo) GetNotificationByOperation(ctx context.Context, opID int64) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE operation_id=?`, opID))
}

// ListNotificationsWithCursor pages newest first by (created_at, id).
func (r Repo) ListNotificationsWithCursor(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Notification, error) {
	clauses := []string{"1=1"}
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) DeleteNotificationTx(ctx context.Context, tx *sql.Tx, opID int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE operation_id=?`, opID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeExpiredNotificationsTx drops ledger entries whose expiry is at or before now.
func (r Repo) PurgeExpiredNotificationsTx(ctx context.Context, tx *sql.Tx, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at<=?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
