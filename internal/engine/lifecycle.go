package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shopfloor/internal/domain"
	"shopfloor/internal/engine/compat"
	"shopfloor/internal/events"
	"shopfloor/internal/repo"
)

var operationTransitions = map[string][]string{
	domain.StatusPending:    {domain.StatusReady, domain.StatusAssigned},
	domain.StatusReady:      {domain.StatusAssigned},
	domain.StatusAssigned:   {domain.StatusInProgress, domain.StatusPending},
	domain.StatusInProgress: {domain.StatusCompleted},
}

func ensureOperationTransition(id int64, from, to string) error {
	for _, allowed := range operationTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return TransitionConflict{ID: id, From: from, To: to}
}

// absorb acknowledges a request for the state the operation already has.
func (e Engine) absorb(ctx context.Context, tx *sql.Tx, op domain.Operation, to string) domain.Ack {
	conflict := TransitionConflict{ID: op.ID, From: op.Status, To: to}
	e.logf("engine: %v; already applied", conflict)
	e.Metrics.RecordConflict(to)
	ack := domain.Ack{OperationID: op.ID, Success: true, Status: op.Status, Message: "already " + op.Status}
	if p, err := e.Repo.GetProgressTx(ctx, tx, op.ID); err == nil {
		ack.Progress = &p
	}
	return ack
}

// AssignOperation puts a PENDING or READY operation on a machine.
func (e Engine) AssignOperation(ctx context.Context, opID, machineID int64, actorID string) (domain.Ack, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ack{}, err
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, opID)
	if err != nil {
		return domain.Ack{}, notFound("operation", opID, err)
	}
	if op.Status == domain.StatusAssigned && op.AssignedMachineID != nil && *op.AssignedMachineID == machineID {
		return e.absorb(ctx, tx, op, domain.StatusAssigned), nil
	}
	if err := ensureOperationTransition(op.ID, op.Status, domain.StatusAssigned); err != nil {
		return domain.Ack{}, err
	}
	pred, err := e.Repo.PredecessorTx(ctx, tx, op.OrderID, op.Sequence)
	switch {
	case err == nil:
		if pred.Status != domain.StatusCompleted {
			return domain.Ack{}, ValidationError{Field: "operation_id", Message: fmt.Sprintf("waiting on operation %d", pred.Sequence)}
		}
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Ack{}, err
	}
	m, err := e.Repo.GetMachineTx(ctx, tx, machineID)
	if err != nil {
		return domain.Ack{}, notFound("machine", machineID, err)
	}
	switch {
	case !m.Active:
		return domain.Ack{}, ValidationError{Field: "machine_id", Message: fmt.Sprintf("machine %s is not active", m.Code)}
	case m.Occupied:
		return domain.Ack{}, ValidationError{Field: "machine_id", Message: fmt.Sprintf("machine %s is occupied", m.Code)}
	case !e.Matcher.Compatible(compat.Operation{Type: op.Type, Axes: op.Axes}, compat.Machine{Class: m.Class, Axes: m.Axes, Active: m.Active}):
		return domain.Ack{}, ValidationError{Field: "machine_id", Message: fmt.Sprintf("machine %s cannot run %q", m.Code, op.Type)}
	}

	now := timestamp(e.now())
	if err := e.Repo.OccupyMachineTx(ctx, tx, m.ID, op.ID, now); err != nil {
		return domain.Ack{}, err
	}
	op.Status = domain.StatusAssigned
	op.AssignedMachineID = &m.ID
	op.UpdatedAt = now
	if err := e.Repo.UpdateOperationStateTx(ctx, tx, op); err != nil {
		return domain.Ack{}, err
	}
	if err := e.Events.Append(ctx, tx, events.OperationAssigned, "operation", itoa(op.ID), actorID, events.EventPayload{
		"machine_id":   m.ID,
		"machine_code": m.Code,
	}); err != nil {
		return domain.Ack{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ack{}, err
	}
	e.committed()
	return domain.Ack{OperationID: op.ID, Success: true, Changed: true, Status: op.Status}, nil
}

// UnassignOperation returns an ASSIGNED operation to PENDING and frees its machine.
func (e Engine) UnassignOperation(ctx context.Context, opID int64, actorID string) (domain.Ack, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ack{}, err
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, opID)
	if err != nil {
		return domain.Ack{}, notFound("operation", opID, err)
	}
	if op.Status == domain.StatusPending && op.AssignedMachineID == nil {
		return e.absorb(ctx, tx, op, domain.StatusPending), nil
	}
	if err := ensureOperationTransition(op.ID, op.Status, domain.StatusPending); err != nil {
		return domain.Ack{}, err
	}
	now := timestamp(e.now())
	if err := e.releaseHolder(ctx, tx, op.ID, now); err != nil {
		return domain.Ack{}, err
	}
	op.Status = domain.StatusPending
	op.AssignedMachineID = nil
	op.UpdatedAt = now
	if err := e.Repo.UpdateOperationStateTx(ctx, tx, op); err != nil {
		return domain.Ack{}, err
	}
	if err := e.Events.Append(ctx, tx, events.OperationReleased, "operation", itoa(op.ID), actorID, nil); err != nil {
		return domain.Ack{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ack{}, err
	}
	e.committed()
	return domain.Ack{OperationID: op.ID, Success: true, Changed: true, Status: op.Status}, nil
}

// StartOperation moves an ASSIGNED operation to IN_PROGRESS and opens its
// progress record at zero.
func (e Engine) StartOperation(ctx context.Context, opID int64, actorID string) (domain.Ack, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ack{}, err
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, opID)
	if err != nil {
		return domain.Ack{}, notFound("operation", opID, err)
	}
	if op.Status == domain.StatusInProgress {
		return e.absorb(ctx, tx, op, domain.StatusInProgress), nil
	}
	if err := ensureOperationTransition(op.ID, op.Status, domain.StatusInProgress); err != nil {
		return domain.Ack{}, err
	}
	order, err := e.Repo.GetOrderTx(ctx, tx, op.OrderID)
	if err != nil {
		return domain.Ack{}, notFound("order", op.OrderID, err)
	}
	total, err := targetUnits(e.Config.Reconcile, order)
	if err != nil {
		return domain.Ack{}, err
	}

	now := timestamp(e.now())
	op.Status = domain.StatusInProgress
	op.StartedAt = &now
	op.UpdatedAt = now
	if err := e.Repo.UpdateOperationStateTx(ctx, tx, op); err != nil {
		return domain.Ack{}, err
	}
	p, err := e.Repo.GetProgressTx(ctx, tx, op.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		p = domain.OperationProgress{
			OperationID:   op.ID,
			TotalUnits:    total,
			DayOperator:   e.Config.Reconcile.OperatorPlaceholder,
			NightOperator: e.Config.Reconcile.OperatorPlaceholder,
			StartedAt:     &now,
			LastUpdated:   now,
		}
		if err := e.Repo.UpsertProgressTx(ctx, tx, p); err != nil {
			return domain.Ack{}, err
		}
	case err != nil:
		return domain.Ack{}, err
	}
	payload := events.EventPayload{"total_units": total}
	if op.AssignedMachineID != nil {
		payload["machine_id"] = *op.AssignedMachineID
	}
	if err := e.Events.Append(ctx, tx, events.OperationStarted, "operation", itoa(op.ID), actorID, payload); err != nil {
		return domain.Ack{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ack{}, err
	}
	e.committed()
	return domain.Ack{OperationID: op.ID, Success: true, Changed: true, Status: op.Status, Progress: &p}, nil
}

// CompleteOperation runs the completion cascade for an IN_PROGRESS operation.
// Completing an operation that is already COMPLETED changes nothing.
func (e Engine) CompleteOperation(ctx context.Context, opID int64, actualQuantity *int, actorID string) (domain.Ack, error) {
	out, err := e.complete(ctx, opID, completion{actual: actualQuantity, trigger: "manual", actorID: actorID})
	return out.ack, err
}

type completion struct {
	actual  *int
	archive bool
	trigger string
	actorID string
}

type completionResult struct {
	ack      domain.Ack
	freed    *int64
	archived int64
}

// complete is the atomic completion cascade: status, progress clamp, machine
// release and successor promotion commit together or not at all. The status
// is re-read inside the transaction so a second concurrent attempt observes
// COMPLETED and applies nothing.
func (e Engine) complete(ctx context.Context, opID int64, c completion) (completionResult, error) {
	var out completionResult
	if c.actual != nil && *c.actual < 0 {
		return out, ValidationError{Field: "actual_quantity", Message: "must not be negative"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, opID)
	if err != nil {
		return out, notFound("operation", opID, err)
	}
	now := timestamp(e.now())

	if op.Status == domain.StatusCompleted {
		out.ack = e.absorb(ctx, tx, op, domain.StatusCompleted)
		out.freed = op.AssignedMachineID
		if !c.archive {
			return out, nil
		}
		if out.archived, err = e.Repo.ArchiveShiftRecordsTx(ctx, tx, op.ID, now); err != nil {
			return out, err
		}
		if err := tx.Commit(); err != nil {
			return out, err
		}
		return out, nil
	}
	if err := ensureOperationTransition(op.ID, op.Status, domain.StatusCompleted); err != nil {
		return out, err
	}
	order, err := e.Repo.GetOrderTx(ctx, tx, op.OrderID)
	if err != nil {
		return out, notFound("order", op.OrderID, err)
	}

	op.Status = domain.StatusCompleted
	op.CompletedAt = &now
	op.UpdatedAt = now
	if c.actual != nil {
		op.ActualQuantity = c.actual
	}
	if err := e.Repo.UpdateOperationStateTx(ctx, tx, op); err != nil {
		return out, fmt.Errorf("complete operation %d: %w", op.ID, err)
	}

	p, err := e.Repo.GetProgressTx(ctx, tx, op.ID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		total, terr := targetUnits(e.Config.Reconcile, order)
		if terr != nil {
			return out, terr
		}
		p = domain.OperationProgress{
			OperationID:   op.ID,
			TotalUnits:    total,
			DayOperator:   e.Config.Reconcile.OperatorPlaceholder,
			NightOperator: e.Config.Reconcile.OperatorPlaceholder,
			StartedAt:     op.StartedAt,
		}
	case err != nil:
		return out, err
	}
	if c.actual != nil && *c.actual > p.CompletedUnits {
		p.CompletedUnits = *c.actual
	}
	if p.CompletedUnits < p.TotalUnits {
		p.CompletedUnits = p.TotalUnits
	}
	p.Percentage = 100
	p.LastUpdated = now
	if err := e.Repo.UpsertProgressTx(ctx, tx, p); err != nil {
		return out, fmt.Errorf("clamp progress %d: %w", op.ID, err)
	}

	holder, err := e.Repo.MachineRunningTx(ctx, tx, op.ID)
	switch {
	case err == nil:
		if err := e.Repo.ReleaseMachineTx(ctx, tx, holder.ID, now); err != nil {
			return out, fmt.Errorf("release machine %s: %w", holder.Code, err)
		}
		out.freed = &holder.ID
	case !errors.Is(err, repo.ErrNotFound):
		return out, err
	default:
		out.freed = op.AssignedMachineID
	}

	payload := events.EventPayload{
		"trigger":         c.trigger,
		"completed_units": p.CompletedUnits,
		"total_units":     p.TotalUnits,
	}
	if out.freed != nil {
		payload["machine_id"] = *out.freed
	}
	next, err := e.Repo.SuccessorTx(ctx, tx, op.OrderID, op.Sequence)
	switch {
	case err == nil:
		payload["successor_id"] = next.ID
		if next.Status == domain.StatusPending && e.Config.Completion.SuccessorStatus == domain.StatusReady {
			if err := ensureOperationTransition(next.ID, next.Status, domain.StatusReady); err != nil {
				return out, err
			}
			next.Status = domain.StatusReady
			next.UpdatedAt = now
			if err := e.Repo.UpdateOperationStateTx(ctx, tx, next); err != nil {
				return out, fmt.Errorf("promote operation %d: %w", next.ID, err)
			}
		}
		payload["successor_status"] = next.Status
	case !errors.Is(err, repo.ErrNotFound):
		return out, err
	}

	if c.archive {
		if out.archived, err = e.Repo.ArchiveShiftRecordsTx(ctx, tx, op.ID, now); err != nil {
			return out, err
		}
		payload["archived_records"] = out.archived
	}
	if err := e.Events.Append(ctx, tx, events.OperationCompleted, "operation", itoa(op.ID), c.actorID, payload); err != nil {
		return out, err
	}
	if err := tx.Commit(); err != nil {
		return out, err
	}
	e.committed()
	e.Metrics.RecordCompletion(c.trigger)
	out.ack = domain.Ack{OperationID: op.ID, Success: true, Changed: true, Status: op.Status, Progress: &p}
	return out, nil
}

// releaseHolder frees whichever machine currently holds opID, if any.
func (e Engine) releaseHolder(ctx context.Context, tx *sql.Tx, opID int64, now string) error {
	holder, err := e.Repo.MachineRunningTx(ctx, tx, opID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.Repo.ReleaseMachineTx(ctx, tx, holder.ID, now)
}

// Completion actions offered once an operation reaches its target.
const (
	ActionClose    = "close"
	ActionContinue = "continue"
	ActionPlan     = "plan"
)

// HandleCompletion applies an operator's decision on a finished operation.
// close completes it and archives its shift records, continue leaves it
// running, plan closes it and recommends work for the freed machine.
func (e Engine) HandleCompletion(ctx context.Context, opID int64, action string, completedQuantity *int, actorID string) (domain.CompletionOutcome, error) {
	out := domain.CompletionOutcome{Action: action}
	switch action {
	case ActionClose, ActionPlan:
		res, err := e.complete(ctx, opID, completion{actual: completedQuantity, archive: true, trigger: action, actorID: actorID})
		if err != nil {
			return out, err
		}
		out.Ack = res.ack
		out.ArchivedRecords = res.archived
		if action == ActionPlan && res.freed != nil {
			out.FreedMachineID = res.freed
			recs, err := e.RecommendForMachine(ctx, *res.freed, 0)
			if err != nil {
				return out, err
			}
			out.Recommendations = recs
		}
		return out, nil
	case ActionContinue:
		ack, err := e.continueOperation(ctx, opID, actorID)
		out.Ack = ack
		return out, err
	default:
		return out, ValidationError{Field: "action", Message: fmt.Sprintf("unknown completion action %q", action)}
	}
}

func (e Engine) continueOperation(ctx context.Context, opID int64, actorID string) (domain.Ack, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ack{}, err
	}
	defer tx.Rollback()
	op, err := e.Repo.GetOperationTx(ctx, tx, opID)
	if err != nil {
		return domain.Ack{}, notFound("operation", opID, err)
	}
	if op.Status != domain.StatusInProgress {
		return domain.Ack{}, TransitionConflict{ID: op.ID, From: op.Status, To: domain.StatusInProgress}
	}
	ack := domain.Ack{OperationID: op.ID, Success: true, Status: op.Status, Message: "production continues"}
	if p, err := e.Repo.GetProgressTx(ctx, tx, op.ID); err == nil {
		ack.Progress = &p
	}
	if err := e.Events.Append(ctx, tx, events.OperationHandled, "operation", itoa(op.ID), actorID, events.EventPayload{"action": ActionContinue}); err != nil {
		return domain.Ack{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Ack{}, err
	}
	e.committed()
	e.logf("engine: operation %d continues past its target", op.ID)
	return ack, nil
}
