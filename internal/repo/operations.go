package repo

import (
	"context"
	"database/sql"
	"fmt"

	"shopfloor/internal/domain"
)

const operationColumns = `id,order_id,sequence,type,axes,estimated_minutes,status,assigned_machine_id,actual_quantity,started_at,completed_at,created_at,updated_at`

func scanOperation(row rowScanner) (domain.Operation, error) {
	var op domain.Operation
	var machineID sql.NullInt64
	var actual sql.NullInt64
	var started, completed sql.NullString
	err := row.Scan(&op.ID, &op.OrderID, &op.Sequence, &op.Type, &op.Axes, &op.EstimatedMinutes, &op.Status,
		&machineID, &actual, &started, &completed, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	if machineID.Valid {
		op.AssignedMachineID = &machineID.Int64
	}
	if actual.Valid {
		v := int(actual.Int64)
		op.ActualQuantity = &v
	}
	if started.Valid {
		op.StartedAt = &started.String
	}
	if completed.Valid {
		op.CompletedAt = &completed.String
	}
	return op, nil
}

func (r Repo) InsertOperationTx(ctx context.Context, tx *sql.Tx, op domain.Operation) (int64, error) {
	if op.Status == "" {
		op.Status = domain.StatusPending
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO operations(order_id,sequence,type,axes,estimated_minutes,status,assigned_machine_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		op.OrderID, op.Sequence, op.Type, op.Axes, op.EstimatedMinutes, op.Status, nullableInt64Ptr(op.AssignedMachineID), op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert operation %d/%d: %w", op.OrderID, op.Sequence, err)
	}
	return res.LastInsertId()
}

func (r Repo) GetOperation(ctx context.Context, id int64) (domain.Operation, error) {
	return scanOperation(r.DB.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id))
}

func (r Repo) GetOperationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Operation, error) {
	return scanOperation(tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id))
}

// ListOperationsByOrderTx returns an order's operations by sequence.
func (r Repo) ListOperationsByOrderTx(ctx context.Context, tx *sql.Tx, orderID int64) ([]domain.Operation, error) {
	return queryOperations(ctx, tx, `SELECT `+operationColumns+` FROM operations WHERE order_id=? ORDER BY sequence ASC`, orderID)
}

// ListOperations filters by status when statuses are given.
func (r Repo) ListOperations(ctx context.Context, statuses ...string) ([]domain.Operation, error) {
	return listOperations(ctx, r.DB, statuses)
}

func (r Repo) ListOperationsTx(ctx context.Context, tx *sql.Tx, statuses ...string) ([]domain.Operation, error) {
	return listOperations(ctx, tx, statuses)
}

func listOperations(ctx context.Context, q queryer, statuses []string) ([]domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY order_id ASC, sequence ASC`
	return queryOperations(ctx, q, query, args...)
}

func queryOperations(ctx context.Context, q queryer, query string, args ...any) ([]domain.Operation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

// PredecessorTx returns the operation immediately before seq in the order.
func (r Repo) PredecessorTx(ctx context.Context, tx *sql.Tx, orderID int64, seq int) (domain.Operation, error) {
	return scanOperation(tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE order_id=? AND sequence<? ORDER BY sequence DESC LIMIT 1`, orderID, seq))
}

// SuccessorTx returns the operation immediately after seq in the order.
func (r Repo) SuccessorTx(ctx context.Context, tx *sql.Tx, orderID int64, seq int) (domain.Operation, error) {
	return scanOperation(tx.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE order_id=? AND sequence>? ORDER BY sequence ASC LIMIT 1`, orderID, seq))
}

// UpdateOperationStateTx persists the lifecycle fields of an operation.
func (r Repo) UpdateOperationStateTx(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	res, err := tx.ExecContext(ctx, `UPDATE operations SET status=?, assigned_machine_id=?, actual_quantity=?, started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		op.Status, nullableInt64Ptr(op.AssignedMachineID), nullableIntPtr(op.ActualQuantity), nullableStringPtr(op.StartedAt), nullableStringPtr(op.CompletedAt), op.UpdatedAt, op.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OperationStats are the dashboard counters over all operations.
type OperationStats struct {
	Total           int
	Completed       int
	InProgress      int
	Pending         int
	AverageProgress float64
}

func (r Repo) OperationStatsTx(ctx context.Context, tx *sql.Tx) (OperationStats, error) {
	var s OperationStats
	err := tx.QueryRowContext(ctx, `
SELECT COUNT(*),
  COUNT(CASE WHEN o.status='COMPLETED' THEN 1 END),
  COUNT(CASE WHEN o.status='IN_PROGRESS' THEN 1 END),
  COUNT(CASE WHEN o.status IN ('PENDING','READY') THEN 1 END),
  COALESCE(ROUND(AVG(COALESCE(p.percentage,0)),2),0)
FROM operations o
LEFT JOIN operation_progress p ON p.operation_id=o.id`).Scan(&s.Total, &s.Completed, &s.InProgress, &s.Pending, &s.AverageProgress)
	return s, err
}
