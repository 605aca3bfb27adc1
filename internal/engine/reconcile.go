package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"shopfloor/internal/config"
	"shopfloor/internal/domain"
	"shopfloor/internal/events"
	"shopfloor/internal/repo"
)

// MatchShiftRecords selects the records that count towards opID running on
// machineID. Each record is taken by the first tier it satisfies:
//  1. its operation reference is opID;
//  2. it was booked on the machine and a drawing field equals drawing;
//  3. it was booked on the machine and there is no drawing to compare.
//
// Records referencing a different operation never fall through to 2 or 3.
func MatchShiftRecords(records []domain.ShiftRecord, machineID, opID int64, drawing string) []domain.ShiftRecord {
	drawing = strings.TrimSpace(drawing)
	var matched []domain.ShiftRecord
	for _, r := range records {
		switch {
		case r.OperationID != nil && *r.OperationID == opID:
		case r.OperationID != nil:
			continue
		case r.MachineID != machineID:
			continue
		case drawing != "" && (sameDrawing(r.DrawingNumber, drawing) || sameDrawing(r.OrderDrawingNumber, drawing)):
		case drawing == "":
		default:
			continue
		}
		matched = append(matched, r)
	}
	return matched
}

func sameDrawing(a, b string) bool {
	a = strings.TrimSpace(a)
	return a != "" && strings.EqualFold(a, b)
}

// Aggregate sums matched output. Operators are the first non-empty names
// found, or placeholder.
func Aggregate(matched []domain.ShiftRecord, placeholder string) (completed int, dayOperator, nightOperator string) {
	for _, r := range matched {
		completed += r.DayQuantity + r.NightQuantity
		if dayOperator == "" && strings.TrimSpace(r.DayOperator) != "" {
			dayOperator = strings.TrimSpace(r.DayOperator)
		}
		if nightOperator == "" && strings.TrimSpace(r.NightOperator) != "" {
			nightOperator = strings.TrimSpace(r.NightOperator)
		}
	}
	if dayOperator == "" {
		dayOperator = placeholder
	}
	if nightOperator == "" {
		nightOperator = placeholder
	}
	return completed, dayOperator, nightOperator
}

// targetUnits resolves the completion target for an order.
func targetUnits(cfg config.Reconcile, o domain.Order) (int, error) {
	total := o.Quantity
	if cfg.TargetSource == config.TargetFixed {
		total = cfg.FixedTarget
	}
	if total <= 0 {
		return 0, ValidationError{Field: "total_units", Message: "target quantity must be positive for order " + o.DrawingNumber}
	}
	return total, nil
}

// window returns the inclusive shift-date range a pass looks at.
func (e Engine) window(now time.Time) (string, string) {
	to := now.UTC().Format(time.DateOnly)
	from := to
	if h := e.Config.Reconcile.LookbackHours; h > 0 {
		from = now.UTC().Add(-time.Duration(h) * time.Hour).Format(time.DateOnly)
	}
	return from, to
}

// Reconcile recomputes progress for every machine holding an operation from
// one snapshot of shift records. Operations whose IN_PROGRESS progress meets
// the completion predicate are then completed one by one when auto-complete
// is on; a failed completion is retried by the next pass.
func (e Engine) Reconcile(ctx context.Context, actorID string) (domain.ReconcileResult, error) {
	started := time.Now()
	res, reached, err := e.reconcilePass(ctx, actorID)
	e.Metrics.ObserveReconcile(time.Since(started), len(res.Updated), err)
	if err != nil {
		e.logf("reconcile: pass aborted: %v", err)
		return domain.ReconcileResult{}, err
	}
	if !e.Config.Reconcile.AutoCompleteEnabled() {
		return res, nil
	}
	for _, opID := range reached {
		out, err := e.complete(ctx, opID, completion{trigger: "reconcile", actorID: actorID})
		if err != nil {
			e.logf("reconcile: complete operation %d: %v", opID, err)
			continue
		}
		if out.ack.Changed {
			res.Completed = append(res.Completed, opID)
		}
	}
	return res, nil
}

func (e Engine) reconcilePass(ctx context.Context, actorID string) (domain.ReconcileResult, []int64, error) {
	res := domain.ReconcileResult{Updated: []domain.OperationProgress{}, Completed: []int64{}}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, nil, dataSource("scheduling store", err)
	}
	defer tx.Rollback()

	now := e.now()
	stamp := timestamp(now)
	res.GeneratedAt = stamp
	machines, err := e.Repo.ListMachinesTx(ctx, tx)
	if err != nil {
		return res, nil, dataSource("machines", err)
	}
	from, to := e.window(now)
	records, err := e.Repo.ListShiftRecordsTx(ctx, tx, repo.ShiftFilter{FromDate: from, ToDate: to})
	if err != nil {
		return res, nil, dataSource("shift records", err)
	}

	var reached []int64
	for _, m := range machines {
		if m.CurrentOperationID == nil {
			continue
		}
		res.Machines++
		op, err := e.Repo.GetOperationTx(ctx, tx, *m.CurrentOperationID)
		if err != nil {
			return res, nil, dataSource("operations", err)
		}
		if op.Status == domain.StatusCompleted {
			continue
		}
		order, err := e.Repo.GetOrderTx(ctx, tx, op.OrderID)
		if err != nil {
			return res, nil, dataSource("orders", err)
		}
		total, err := targetUnits(e.Config.Reconcile, order)
		if err != nil {
			return res, nil, err
		}
		matched := MatchShiftRecords(records, m.ID, op.ID, order.DrawingNumber)
		completed, dayOp, nightOp := Aggregate(matched, e.Config.Reconcile.OperatorPlaceholder)
		p := domain.OperationProgress{
			OperationID:    op.ID,
			CompletedUnits: completed,
			TotalUnits:     total,
			Percentage:     percentage(completed, total),
			DayOperator:    dayOp,
			NightOperator:  nightOp,
			StartedAt:      op.StartedAt,
			LastUpdated:    stamp,
		}
		prev, err := e.Repo.GetProgressTx(ctx, tx, op.ID)
		switch {
		case err == nil:
			if sameProgress(prev, p) {
				if op.Status == domain.StatusInProgress && completionReached(prev) {
					reached = append(reached, op.ID)
				}
				continue
			}
			p.StartedAt = prev.StartedAt
		case !errors.Is(err, repo.ErrNotFound):
			return res, nil, dataSource("progress", err)
		}
		if err := e.Repo.UpsertProgressTx(ctx, tx, p); err != nil {
			return res, nil, err
		}
		if err := e.Events.Append(ctx, tx, events.ProgressUpdated, "operation", itoa(op.ID), actorID, events.EventPayload{
			"machine_id":      m.ID,
			"completed_units": p.CompletedUnits,
			"total_units":     p.TotalUnits,
			"percentage":      p.Percentage,
			"records":         len(matched),
		}); err != nil {
			return res, nil, err
		}
		res.Updated = append(res.Updated, p)
		if op.Status == domain.StatusInProgress && completionReached(p) {
			reached = append(reached, op.ID)
		}
	}
	if len(res.Updated) > 0 {
		if err := e.Events.Append(ctx, tx, events.ReconcileFinished, "plant", e.Config.Plant.ID, actorID, events.EventPayload{
			"machines": res.Machines,
			"updated":  len(res.Updated),
			"from":     from,
			"to":       to,
		}); err != nil {
			return res, nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return res, nil, dataSource("scheduling store", err)
	}
	if len(res.Updated) > 0 {
		e.committed()
	}
	return res, reached, nil
}

func sameProgress(a, b domain.OperationProgress) bool {
	return a.CompletedUnits == b.CompletedUnits &&
		a.TotalUnits == b.TotalUnits &&
		a.Percentage == b.Percentage &&
		a.DayOperator == b.DayOperator &&
		a.NightOperator == b.NightOperator
}

// completionReached is the strict predicate shared by auto-completion and
// notifications. Zero or placeholder data never qualifies.
func completionReached(p domain.OperationProgress) bool {
	return p.Percentage >= 100 &&
		p.CompletedUnits >= p.TotalUnits &&
		p.CompletedUnits > 0 &&
		p.TotalUnits > 0
}

// GetProgress returns the cached progress record of an operation.
func (e Engine) GetProgress(ctx context.Context, opID int64) (domain.OperationProgress, error) {
	if _, err := e.Repo.GetOperation(ctx, opID); err != nil {
		return domain.OperationProgress{}, notFound("operation", opID, err)
	}
	p, err := e.Repo.GetProgress(ctx, opID)
	if err != nil {
		return p, notFound("progress", opID, err)
	}
	return p, nil
}

func (e Engine) ListProgress(ctx context.Context) ([]domain.OperationProgress, error) {
	res, err := e.Repo.ListProgress(ctx)
	if err != nil {
		return nil, dataSource("progress", err)
	}
	return res, nil
}
