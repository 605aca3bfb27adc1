package repo

import (
	"context"
	"database/sql"

	"shopfloor/internal/domain"
)

const progressColumns = `operation_id,completed_units,total_units,percentage,COALESCE(day_operator,''),COALESCE(night_operator,''),started_at,last_updated`

func scanProgress(row rowScanner) (domain.OperationProgress, error) {
	var p domain.OperationProgress
	var started sql.NullString
	err := row.Scan(&p.OperationID, &p.CompletedUnits, &p.TotalUnits, &p.Percentage, &p.DayOperator, &p.NightOperator, &started, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if started.Valid {
		p.StartedAt = &started.String
	}
	return p, nil
}

func (r Repo) GetProgress(ctx context.Context, opID int64) (domain.OperationProgress, error) {
	return scanProgress(r.DB.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM operation_progress WHERE operation_id=?`, opID))
}

func (r Repo) GetProgressTx(ctx context.Context, tx *sql.Tx, opID int64) (domain.OperationProgress, error) {
	return scanProgress(tx.QueryRowContext(ctx, `SELECT `+progressColumns+` FROM operation_progress WHERE operation_id=?`, opID))
}

// UpsertProgressTx overwrites the cached progress; started_at is kept once set.
func (r Repo) UpsertProgressTx(ctx context.Context, tx *sql.Tx, p domain.OperationProgress) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO operation_progress(operation_id,completed_units,total_units,percentage,day_operator,night_operator,started_at,last_updated)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(operation_id) DO UPDATE SET
  completed_units=excluded.completed_units,
  total_units=excluded.total_units,
  percentage=excluded.percentage,
  day_operator=excluded.day_operator,
  night_operator=excluded.night_operator,
  started_at=COALESCE(operation_progress.started_at, excluded.started_at),
  last_updated=excluded.last_updated`,
		p.OperationID, p.CompletedUnits, p.TotalUnits, p.Percentage, nullable(p.DayOperator), nullable(p.NightOperator), nullableStringPtr(p.StartedAt), p.LastUpdated)
	return err
}

func (r Repo) ListProgress(ctx context.Context) ([]domain.OperationProgress, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+progressColumns+` FROM operation_progress ORDER BY operation_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OperationProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UnitsUpdatedBetweenTx sums completed units of progress rows touched in [from, to).
func (r Repo) UnitsUpdatedBetweenTx(ctx context.Context, tx *sql.Tx, from, to string) (int, error) {
	var total int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(completed_units),0) FROM operation_progress WHERE last_updated>=? AND last_updated<?`, from, to).Scan(&total)
	return total, err
}
