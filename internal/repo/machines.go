package repo

import (
	"context"
	"database/sql"
	"fmt"

	"shopfloor/internal/domain"
)

const machineColumns = `id,code,class,axes,is_active,is_occupied,current_operation_id,assigned_at,updated_at`

func scanMachine(row rowScanner) (domain.Machine, error) {
	var m domain.Machine
	var active, occupied int
	var current sql.NullInt64
	var assignedAt sql.NullString
	err := row.Scan(&m.ID, &m.Code, &m.Class, &m.Axes, &active, &occupied, &current, &assignedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Active = active != 0
	m.Occupied = occupied != 0
	if current.Valid {
		m.CurrentOperationID = &current.Int64
	}
	if assignedAt.Valid {
		m.AssignedAt = &assignedAt.String
	}
	return m, nil
}

func (r Repo) InsertMachineTx(ctx context.Context, tx *sql.Tx, m domain.Machine) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO machines(code,class,axes,is_active,is_occupied,current_operation_id,assigned_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.Code, m.Class, m.Axes, boolInt(m.Active), boolInt(m.Occupied), nullableInt64Ptr(m.CurrentOperationID), nullableStringPtr(m.AssignedAt), m.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert machine %s: %w", m.Code, err)
	}
	return res.LastInsertId()
}

func (r Repo) GetMachine(ctx context.Context, id int64) (domain.Machine, error) {
	return scanMachine(r.DB.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id=?`, id))
}

func (r Repo) GetMachineTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Machine, error) {
	return scanMachine(tx.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE id=?`, id))
}

func (r Repo) GetMachineByCodeTx(ctx context.Context, tx *sql.Tx, code string) (domain.Machine, error) {
	return scanMachine(tx.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE code=?`, code))
}

// MachineRunningTx returns the machine whose current operation is opID.
func (r Repo) MachineRunningTx(ctx context.Context, tx *sql.Tx, opID int64) (domain.Machine, error) {
	return scanMachine(tx.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines WHERE current_operation_id=? LIMIT 1`, opID))
}

func (r Repo) ListMachines(ctx context.Context) ([]domain.Machine, error) {
	return listMachines(ctx, r.DB)
}

func (r Repo) ListMachinesTx(ctx context.Context, tx *sql.Tx) ([]domain.Machine, error) {
	return listMachines(ctx, tx)
}

func listMachines(ctx context.Context, q queryer) ([]domain.Machine, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// OccupyMachineTx marks the machine busy with opID.
func (r Repo) OccupyMachineTx(ctx context.Context, tx *sql.Tx, machineID, opID int64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE machines SET is_occupied=1, current_operation_id=?, assigned_at=?, updated_at=? WHERE id=? AND is_occupied=0`,
		opID, now, now, machineID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("machine %d is already occupied", machineID)
	}
	return nil
}

// ReleaseMachineTx clears occupancy and the current-operation reference.
func (r Repo) ReleaseMachineTx(ctx context.Context, tx *sql.Tx, machineID int64, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE machines SET is_occupied=0, current_operation_id=NULL, assigned_at=NULL, updated_at=? WHERE id=?`, now, machineID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MachineStats counts active machines and the busy ones among them.
func (r Repo) MachineStatsTx(ctx context.Context, tx *sql.Tx) (active, busy int, err error) {
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(CASE WHEN is_occupied=1 THEN 1 END) FROM machines WHERE is_active=1`).Scan(&active, &busy)
	return active, busy, err
}
