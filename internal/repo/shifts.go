package repo

import (
	"context"
	"database/sql"
	"fmt"

	"shopfloor/internal/domain"
)

const shiftColumns = `id,date,machine_id,operation_id,COALESCE(drawing_number,''),COALESCE(order_drawing_number,''),day_quantity,night_quantity,COALESCE(day_operator,''),COALESCE(night_operator,''),setup_minutes,archived,archived_at,created_at`

func scanShiftRecord(row rowScanner) (domain.ShiftRecord, error) {
	var s domain.ShiftRecord
	var opID sql.NullInt64
	var archived int
	var archivedAt sql.NullString
	err := row.Scan(&s.ID, &s.Date, &s.MachineID, &opID, &s.DrawingNumber, &s.OrderDrawingNumber, &s.DayQuantity, &s.NightQuantity,
		&s.DayOperator, &s.NightOperator, &s.SetupMinutes, &archived, &archivedAt, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	if opID.Valid {
		s.OperationID = &opID.Int64
	}
	s.Archived = archived != 0
	if archivedAt.Valid {
		s.ArchivedAt = &archivedAt.String
	}
	return s, nil
}

func (r Repo) InsertShiftRecordTx(ctx context.Context, tx *sql.Tx, s domain.ShiftRecord) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO shift_records(date,machine_id,operation_id,drawing_number,order_drawing_number,day_quantity,night_quantity,day_operator,night_operator,setup_minutes,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.Date, s.MachineID, nullableInt64Ptr(s.OperationID), nullable(s.DrawingNumber), nullable(s.OrderDrawingNumber),
		s.DayQuantity, s.NightQuantity, nullable(s.DayOperator), nullable(s.NightOperator), s.SetupMinutes, s.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert shift record for machine %d: %w", s.MachineID, err)
	}
	return res.LastInsertId()
}

// ShiftFilter selects shift records by inclusive date range (YYYY-MM-DD).
type ShiftFilter struct {
	FromDate        string
	ToDate          string
	MachineID       int64
	OperationID     int64
	IncludeArchived bool
}

func (r Repo) ListShiftRecords(ctx context.Context, f ShiftFilter) ([]domain.ShiftRecord, error) {
	return listShiftRecords(ctx, r.DB, f)
}

func (r Repo) ListShiftRecordsTx(ctx context.Context, tx *sql.Tx, f ShiftFilter) ([]domain.ShiftRecord, error) {
	return listShiftRecords(ctx, tx, f)
}

func listShiftRecords(ctx context.Context, q queryer, f ShiftFilter) ([]domain.ShiftRecord, error) {
	query := `SELECT ` + shiftColumns + ` FROM shift_records WHERE 1=1`
	var args []any
	if !f.IncludeArchived {
		query += ` AND archived=0`
	}
	if f.FromDate != "" {
		query += ` AND date>=?`
		args = append(args, f.FromDate)
	}
	if f.ToDate != "" {
		query += ` AND date<=?`
		args = append(args, f.ToDate)
	}
	if f.MachineID > 0 {
		query += ` AND machine_id=?`
		args = append(args, f.MachineID)
	}
	if f.OperationID > 0 {
		query += ` AND operation_id=?`
		args = append(args, f.OperationID)
	}
	query += ` ORDER BY date ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ShiftRecord
	for rows.Next() {
		s, err := scanShiftRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ArchiveShiftRecordsTx archives every live record booked against opID.
func (r Repo) ArchiveShiftRecordsTx(ctx context.Context, tx *sql.Tx, opID int64, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE shift_records SET archived=1, archived_at=? WHERE operation_id=? AND archived=0`, now, opID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
