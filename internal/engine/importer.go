package engine

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"shopfloor/internal/domain"
	"shopfloor/internal/events"
	"shopfloor/internal/repo"
)

// ImportDocument is the collaborator data format accepted by Import. Orders
// and machines are keyed by drawing number and code; existing ones are kept
// as they are. Shift records are always appended.
type ImportDocument struct {
	Machines     []ImportMachine     `yaml:"machines"`
	Orders       []ImportOrder       `yaml:"orders"`
	ShiftRecords []ImportShiftRecord `yaml:"shift_records"`
}

type ImportMachine struct {
	Code   string `yaml:"code"`
	Class  string `yaml:"class"`
	Axes   int    `yaml:"axes"`
	Active *bool  `yaml:"active"`
}

type ImportOrder struct {
	DrawingNumber string            `yaml:"drawing_number"`
	Quantity      int               `yaml:"quantity"`
	Deadline      string            `yaml:"deadline"`
	Priority      int               `yaml:"priority"`
	WorkType      string            `yaml:"work_type"`
	Operations    []ImportOperation `yaml:"operations"`
}

type ImportOperation struct {
	Sequence         int     `yaml:"sequence"`
	Type             string  `yaml:"type"`
	Axes             int     `yaml:"axes"`
	EstimatedMinutes float64 `yaml:"estimated_minutes"`
	Status           string  `yaml:"status"`
	// Machine is the code of the machine currently holding the operation.
	Machine string `yaml:"machine"`
}

type ImportShiftRecord struct {
	Date               string  `yaml:"date"`
	Machine            string  `yaml:"machine"`
	Order              string  `yaml:"order"`
	Sequence           int     `yaml:"sequence"`
	DrawingNumber      string  `yaml:"drawing_number"`
	OrderDrawingNumber string  `yaml:"order_drawing_number"`
	DayQuantity        int     `yaml:"day_quantity"`
	NightQuantity      int     `yaml:"night_quantity"`
	DayOperator        string  `yaml:"day_operator"`
	NightOperator      string  `yaml:"night_operator"`
	SetupMinutes       float64 `yaml:"setup_minutes"`
}

// ParseImport decodes a document, rejecting unknown fields.
func ParseImport(r io.Reader) (ImportDocument, error) {
	var doc ImportDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return doc, nil
		}
		return doc, ValidationError{Field: "document", Message: err.Error()}
	}
	return doc, nil
}

func ParseImportBytes(data []byte) (ImportDocument, error) {
	return ParseImport(bytes.NewReader(data))
}

var importStatuses = map[string]bool{
	domain.StatusPending:    true,
	domain.StatusReady:      true,
	domain.StatusAssigned:   true,
	domain.StatusInProgress: true,
	domain.StatusCompleted:  true,
}

func (doc ImportDocument) validate() error {
	for i, m := range doc.Machines {
		if m.Code == "" {
			return ValidationError{Field: fmt.Sprintf("machines[%d].code", i), Message: "required"}
		}
		if m.Class == "" {
			return ValidationError{Field: fmt.Sprintf("machines[%d].class", i), Message: "required"}
		}
		if m.Axes < 0 {
			return ValidationError{Field: fmt.Sprintf("machines[%d].axes", i), Message: "must not be negative"}
		}
	}
	for i, o := range doc.Orders {
		field := fmt.Sprintf("orders[%d]", i)
		if o.DrawingNumber == "" {
			return ValidationError{Field: field + ".drawing_number", Message: "required"}
		}
		if o.Quantity <= 0 {
			return ValidationError{Field: field + ".quantity", Message: "must be positive"}
		}
		if _, err := parseTime(o.Deadline); err != nil {
			return ValidationError{Field: field + ".deadline", Message: err.Error()}
		}
		seen := map[int]bool{}
		for j, op := range o.Operations {
			opField := fmt.Sprintf("%s.operations[%d]", field, j)
			if op.Sequence <= 0 {
				return ValidationError{Field: opField + ".sequence", Message: "must be positive"}
			}
			if seen[op.Sequence] {
				return ValidationError{Field: opField + ".sequence", Message: fmt.Sprintf("duplicate sequence %d", op.Sequence)}
			}
			seen[op.Sequence] = true
			prevOpen := j > 0 && o.Operations[j-1].Status != domain.StatusCompleted
			if prevOpen && op.Status != "" && op.Status != domain.StatusPending && op.Status != domain.StatusReady {
				return ValidationError{Field: opField + ".status", Message: "predecessor is not COMPLETED"}
			}
			if j > 0 && op.Sequence < o.Operations[j-1].Sequence {
				return ValidationError{Field: opField + ".sequence", Message: "operations must be listed by sequence"}
			}
			if op.Status != "" && !importStatuses[op.Status] {
				return ValidationError{Field: opField + ".status", Message: fmt.Sprintf("unknown status %q", op.Status)}
			}
			holds := op.Status == domain.StatusAssigned || op.Status == domain.StatusInProgress
			if holds && op.Machine == "" {
				return ValidationError{Field: opField + ".machine", Message: "required for " + op.Status}
			}
			if !holds && op.Machine != "" {
				return ValidationError{Field: opField + ".machine", Message: "only ASSIGNED or IN_PROGRESS operations hold a machine"}
			}
		}
	}
	for i, s := range doc.ShiftRecords {
		field := fmt.Sprintf("shift_records[%d]", i)
		if s.Machine == "" {
			return ValidationError{Field: field + ".machine", Message: "required"}
		}
		if _, err := parseTime(s.Date); err != nil {
			return ValidationError{Field: field + ".date", Message: err.Error()}
		}
		if s.DayQuantity < 0 || s.NightQuantity < 0 {
			return ValidationError{Field: field, Message: "quantities must not be negative"}
		}
		if (s.Order == "") != (s.Sequence == 0) {
			return ValidationError{Field: field, Message: "order and sequence go together"}
		}
	}
	return nil
}

// Import loads doc in one transaction.
func (e Engine) Import(ctx context.Context, doc ImportDocument, actorID string) (domain.ImportResult, error) {
	var res domain.ImportResult
	if err := doc.validate(); err != nil {
		return res, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	now := timestamp(e.now())

	machines := map[string]domain.Machine{}
	for _, im := range doc.Machines {
		m, err := e.Repo.GetMachineByCodeTx(ctx, tx, im.Code)
		if errors.Is(err, repo.ErrNotFound) {
			m = domain.Machine{Code: im.Code, Class: im.Class, Axes: im.Axes, Active: im.Active == nil || *im.Active, UpdatedAt: now}
			if m.ID, err = e.Repo.InsertMachineTx(ctx, tx, m); err != nil {
				return res, err
			}
			res.Machines++
		} else if err != nil {
			return res, err
		}
		machines[im.Code] = m
	}
	machineByCode := func(code string) (domain.Machine, error) {
		if m, ok := machines[code]; ok {
			return m, nil
		}
		m, err := e.Repo.GetMachineByCodeTx(ctx, tx, code)
		if err != nil {
			return m, notFound("machine", code, err)
		}
		machines[code] = m
		return m, nil
	}

	for _, order := range doc.Orders {
		if _, err := e.Repo.GetOrderByDrawingTx(ctx, tx, order.DrawingNumber); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return res, err
		}
		priority := order.Priority
		if priority <= 0 {
			priority = 3
		}
		orderID, err := e.Repo.InsertOrderTx(ctx, tx, domain.Order{
			DrawingNumber: order.DrawingNumber,
			Quantity:      order.Quantity,
			Deadline:      order.Deadline,
			Priority:      priority,
			WorkType:      order.WorkType,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return res, err
		}
		res.Orders++
		for _, iop := range order.Operations {
			if err := e.importOperation(ctx, tx, orderID, iop, machineByCode, now); err != nil {
				return res, err
			}
			res.Operations++
		}
	}

	for _, is := range doc.ShiftRecords {
		m, err := machineByCode(is.Machine)
		if err != nil {
			return res, err
		}
		rec := domain.ShiftRecord{
			Date:               is.Date,
			MachineID:          m.ID,
			DrawingNumber:      is.DrawingNumber,
			OrderDrawingNumber: is.OrderDrawingNumber,
			DayQuantity:        is.DayQuantity,
			NightQuantity:      is.NightQuantity,
			DayOperator:        is.DayOperator,
			NightOperator:      is.NightOperator,
			SetupMinutes:       is.SetupMinutes,
			CreatedAt:          now,
		}
		if is.Order != "" {
			opID, err := e.operationBySequence(ctx, tx, is.Order, is.Sequence)
			if err != nil {
				return res, err
			}
			rec.OperationID = &opID
		}
		if _, err := e.Repo.InsertShiftRecordTx(ctx, tx, rec); err != nil {
			return res, err
		}
		res.ShiftRecords++
	}

	if err := e.Events.Append(ctx, tx, events.DataImported, "plant", e.Config.Plant.ID, actorID, events.EventPayload{
		"orders":        res.Orders,
		"operations":    res.Operations,
		"machines":      res.Machines,
		"shift_records": res.ShiftRecords,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.committed()
	return res, nil
}

func (e Engine) importOperation(ctx context.Context, tx *sql.Tx, orderID int64, iop ImportOperation, machineByCode func(string) (domain.Machine, error), now string) error {
	op := domain.Operation{
		OrderID:          orderID,
		Sequence:         iop.Sequence,
		Type:             iop.Type,
		Axes:             iop.Axes,
		EstimatedMinutes: iop.EstimatedMinutes,
		Status:           iop.Status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if op.Status == "" {
		op.Status = domain.StatusPending
	}
	id, err := e.Repo.InsertOperationTx(ctx, tx, op)
	if err != nil {
		return err
	}
	op.ID = id
	if iop.Machine == "" {
		if op.Status == domain.StatusCompleted {
			op.CompletedAt = &now
			return e.Repo.UpdateOperationStateTx(ctx, tx, op)
		}
		return nil
	}
	m, err := machineByCode(iop.Machine)
	if err != nil {
		return err
	}
	if err := e.Repo.OccupyMachineTx(ctx, tx, m.ID, op.ID, now); err != nil {
		return ValidationError{Field: "machine", Message: err.Error()}
	}
	op.AssignedMachineID = &m.ID
	if op.Status == domain.StatusInProgress {
		op.StartedAt = &now
	}
	return e.Repo.UpdateOperationStateTx(ctx, tx, op)
}

func (e Engine) operationBySequence(ctx context.Context, tx *sql.Tx, drawing string, seq int) (int64, error) {
	order, err := e.Repo.GetOrderByDrawingTx(ctx, tx, drawing)
	if err != nil {
		return 0, notFound("order", drawing, err)
	}
	ops, err := e.Repo.ListOperationsByOrderTx(ctx, tx, order.ID)
	if err != nil {
		return 0, err
	}
	for _, op := range ops {
		if op.Sequence == seq {
			return op.ID, nil
		}
	}
	return 0, NotFoundError{Entity: "operation", ID: fmt.Sprintf("%s/%d", drawing, seq)}
}
