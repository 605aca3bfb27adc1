package engine

import (
	"context"
	"math"
	"time"

	"shopfloor/internal/config"
	"shopfloor/internal/domain"
	"shopfloor/internal/events"
)

const day = 24 * time.Hour

// AdjustSchedule returns o with its overdue fields recomputed against now.
// Overdue is measured from the original deadline when one was already kept, so
// running it again on its own output gives the same result for the same now.
func AdjustSchedule(cfg config.Preprocess, o domain.Order, ops []domain.Operation, now time.Time) (domain.Order, domain.ScheduleAdjustment, error) {
	base := o.Deadline
	if o.OriginalDeadline != nil && *o.OriginalDeadline != "" {
		base = *o.OriginalDeadline
	}
	deadline, err := parseTime(base)
	if err != nil {
		return o, domain.ScheduleAdjustment{}, ValidationError{Field: "deadline", Message: err.Error()}
	}
	adj := domain.ScheduleAdjustment{
		OrderID:          o.ID,
		DrawingNumber:    o.DrawingNumber,
		OriginalDeadline: base,
		Priority:         o.Priority,
	}
	if !now.After(deadline) {
		o.Deadline = base
		o.OriginalDeadline = nil
		o.DaysOverdue = 0
		adj.Deadline = base
		return o, adj, nil
	}

	adj.Overdue = true
	adj.DaysOverdue = int(math.Ceil(now.Sub(deadline).Hours() / 24))

	minutes := 0.0
	for _, op := range ops {
		est := op.EstimatedMinutes
		if est <= 0 {
			est = cfg.DefaultEstimatedMinutes
		}
		minutes += est * float64(o.Quantity)
	}
	buffered := minutes*cfg.BufferFactor + cfg.SetupMinutesPerOperation*float64(len(ops))
	workDays := math.Ceil(buffered / cfg.MinutesPerDay)
	calendarDays := int(math.Ceil(workDays*cfg.WeekendFactor)) + cfg.WeekendPaddingDays
	if calendarDays < 1 {
		calendarDays = 1
	}
	adj.Deadline = timestamp(now.Add(time.Duration(calendarDays) * day))

	original := base
	o.OriginalDeadline = &original
	o.Deadline = adj.Deadline
	o.DaysOverdue = adj.DaysOverdue
	if cfg.OverduePriority == config.OverdueElevate && o.Priority != 1 {
		o.Priority = 1
		adj.Priority = 1
		adj.PriorityChanged = true
	}
	return o, adj, nil
}

// PreprocessOrders persists AdjustSchedule for every order in one transaction.
func (e Engine) PreprocessOrders(ctx context.Context, actorID string) ([]domain.ScheduleAdjustment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, dataSource("orders", err)
	}
	defer tx.Rollback()

	now := e.now()
	orders, err := e.Repo.ListOrdersTx(ctx, tx)
	if err != nil {
		return nil, dataSource("orders", err)
	}
	res := make([]domain.ScheduleAdjustment, 0, len(orders))
	for _, o := range orders {
		ops, err := e.Repo.ListOperationsByOrderTx(ctx, tx, o.ID)
		if err != nil {
			return nil, dataSource("operations", err)
		}
		updated, adj, err := AdjustSchedule(e.Config.Preprocess, o, ops, now)
		if err != nil {
			return nil, err
		}
		res = append(res, adj)
		if !scheduleChanged(o, updated) {
			continue
		}
		updated.UpdatedAt = timestamp(now)
		if err := e.Repo.UpdateOrderScheduleTx(ctx, tx, updated); err != nil {
			return nil, err
		}
		if adj.Overdue {
			if err := e.Events.Append(ctx, tx, events.OrderPreprocessed, "order", itoa(o.ID), actorID, events.EventPayload{
				"drawing_number":    o.DrawingNumber,
				"days_overdue":      adj.DaysOverdue,
				"original_deadline": adj.OriginalDeadline,
				"deadline":          adj.Deadline,
				"priority":          adj.Priority,
			}); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.committed()
	return res, nil
}

func scheduleChanged(before, after domain.Order) bool {
	return before.Deadline != after.Deadline ||
		before.DaysOverdue != after.DaysOverdue ||
		before.Priority != after.Priority ||
		strOrEmpty(before.OriginalDeadline) != strOrEmpty(after.OriginalDeadline)
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
