package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"shopfloor/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const orderColumns = `id,drawing_number,quantity,deadline,original_deadline,days_overdue,priority,COALESCE(work_type,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var original sql.NullString
	err := row.Scan(&o.ID, &o.DrawingNumber, &o.Quantity, &o.Deadline, &original, &o.DaysOverdue, &o.Priority, &o.WorkType, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if original.Valid {
		o.OriginalDeadline = &original.String
	}
	return o, err
}

func (r Repo) InsertOrderTx(ctx context.Context, tx *sql.Tx, o domain.Order) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO orders(drawing_number,quantity,deadline,original_deadline,days_overdue,priority,work_type,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		o.DrawingNumber, o.Quantity, o.Deadline, nullableStringPtr(o.OriginalDeadline), o.DaysOverdue, o.Priority, nullable(o.WorkType), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert order %s: %w", o.DrawingNumber, err)
	}
	return res.LastInsertId()
}

func (r Repo) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Order, error) {
	return scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) GetOrderByDrawingTx(ctx context.Context, tx *sql.Tx, drawing string) (domain.Order, error) {
	return scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE drawing_number=?`, drawing))
}

// ListOrders returns orders by priority ascending, then deadline ascending.
func (r Repo) ListOrders(ctx context.Context) ([]domain.Order, error) {
	return listOrders(ctx, r.DB)
}

func (r Repo) ListOrdersTx(ctx context.Context, tx *sql.Tx) ([]domain.Order, error) {
	return listOrders(ctx, tx)
}

func listOrders(ctx context.Context, q queryer) ([]domain.Order, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY priority ASC, deadline ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// UpdateOrderScheduleTx writes the fields owned by the preprocessor.
func (r Repo) UpdateOrderScheduleTx(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET deadline=?, original_deadline=?, days_overdue=?, priority=?, updated_at=? WHERE id=?`,
		o.Deadline, nullableStringPtr(o.OriginalDeadline), o.DaysOverdue, o.Priority, o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
