package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"shopfloor/internal/config"
	"shopfloor/internal/domain"
	"shopfloor/internal/engine/compat"
)

const reasonNoMachine = "no compatible machine available"

// snapshot is one consistent read of the scheduling inputs.
type snapshot struct {
	orders   []domain.Order
	ops      map[int64][]domain.Operation
	machines []domain.Machine
}

func (e Engine) loadSnapshot(ctx context.Context, tx *sql.Tx) (snapshot, error) {
	var s snapshot
	var err error
	if s.orders, err = e.Repo.ListOrdersTx(ctx, tx); err != nil {
		return s, dataSource("orders", err)
	}
	ops, err := e.Repo.ListOperationsTx(ctx, tx)
	if err != nil {
		return s, dataSource("operations", err)
	}
	s.ops = make(map[int64][]domain.Operation, len(s.orders))
	for _, op := range ops {
		s.ops[op.OrderID] = append(s.ops[op.OrderID], op)
	}
	if s.machines, err = e.Repo.ListMachinesTx(ctx, tx); err != nil {
		return s, dataSource("machines", err)
	}
	return s, nil
}

// FindCandidates ranks every operation that is not finished, running or
// holding a machine. A read failure yields no list at all.
func (e Engine) FindCandidates(ctx context.Context) (domain.CandidateList, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CandidateList{}, dataSource("scheduling store", err)
	}
	defer tx.Rollback()

	snap, err := e.loadSnapshot(ctx, tx)
	if err != nil {
		return domain.CandidateList{}, err
	}
	list := rankCandidates(e.Config.Preprocess, e.Matcher, snap, e.now())
	e.Metrics.SetCandidates(list.ReadyToStart, list.Total-list.ReadyToStart)
	return list, nil
}

func rankCandidates(pre config.Preprocess, matcher *compat.Matcher, snap snapshot, now time.Time) domain.CandidateList {
	holding := make(map[int64]bool)
	var free []domain.Machine
	for _, m := range snap.machines {
		if m.CurrentOperationID != nil {
			holding[*m.CurrentOperationID] = true
		}
		if m.Active && !m.Occupied {
			free = append(free, m)
		}
	}

	orders := make([]domain.Order, 0, len(snap.orders))
	for _, o := range snap.orders {
		if adjusted, _, err := AdjustSchedule(pre, o, snap.ops[o.ID], now); err == nil {
			o = adjusted
		}
		orders = append(orders, o)
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Priority != orders[j].Priority {
			return orders[i].Priority < orders[j].Priority
		}
		di, dj := deadlineKey(orders[i].Deadline), deadlineKey(orders[j].Deadline)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return orders[i].ID < orders[j].ID
	})

	list := domain.CandidateList{Candidates: []domain.Candidate{}, GeneratedAt: timestamp(now)}
	for _, o := range orders {
		ops := snap.ops[o.ID]
		for i, op := range ops {
			if op.Status == domain.StatusCompleted || op.Status == domain.StatusInProgress || holding[op.ID] {
				continue
			}
			c := domain.Candidate{
				OperationID:        op.ID,
				OrderID:            o.ID,
				DrawingNumber:      o.DrawingNumber,
				Sequence:           op.Sequence,
				Type:               op.Type,
				Axes:               op.Axes,
				EstimatedMinutes:   op.EstimatedMinutes,
				Status:             op.Status,
				Priority:           o.Priority,
				Deadline:           o.Deadline,
				DaysOverdue:        o.DaysOverdue,
				Quantity:           o.Quantity,
				CompatibleMachines: []domain.MachineRef{},
			}
			if typ, ok := matcher.Resolve(op.Type); ok {
				c.TypeClass = typ
			}
			blocked := false
			if i > 0 && ops[i-1].Status != domain.StatusCompleted {
				blocked = true
				c.BlockingReason = fmt.Sprintf("waiting on operation %d", ops[i-1].Sequence)
				list.NeedsPrerequisites++
			}
			for _, m := range free {
				if matcher.Compatible(compat.Operation{Type: op.Type, Axes: op.Axes}, compat.Machine{Class: m.Class, Axes: m.Axes, Active: m.Active}) {
					c.CompatibleMachines = append(c.CompatibleMachines, domain.MachineRef{ID: m.ID, Code: m.Code, Class: m.Class, Axes: m.Axes})
				}
			}
			if len(c.CompatibleMachines) == 0 && !blocked {
				blocked = true
				c.BlockingReason = reasonNoMachine
			}
			c.CanStart = !blocked
			list.Candidates = append(list.Candidates, c)
		}
	}

	sort.SliceStable(list.Candidates, func(i, j int) bool {
		a, b := list.Candidates[i], list.Candidates[j]
		if a.CanStart != b.CanStart {
			return a.CanStart
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return false
	})
	list.Total = len(list.Candidates)
	for _, c := range list.Candidates {
		if c.CanStart {
			list.ReadyToStart++
		}
	}
	return list
}

// deadlineKey sorts unparsable deadlines last.
func deadlineKey(v string) time.Time {
	t, err := parseTime(v)
	if err != nil {
		return time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
	return t
}
