package engine

import (
	"context"
	"sort"
	"time"

	"shopfloor/internal/domain"
)

func (e Engine) recommendLimit(limit int) int {
	if limit > 0 {
		return limit
	}
	if e.Config.Recommend.Limit > 0 {
		return e.Config.Recommend.Limit
	}
	return 3
}

// readyByUrgency keeps startable candidates, most urgent priority first and
// earliest deadline within a priority.
func readyByUrgency(list domain.CandidateList) []domain.Candidate {
	ready := make([]domain.Candidate, 0, list.ReadyToStart)
	for _, c := range list.Candidates {
		if c.CanStart {
			ready = append(ready, c)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return deadlineKey(ready[i].Deadline).Before(deadlineKey(ready[j].Deadline))
	})
	return ready
}

// Recommend returns up to limit startable candidates; limit <= 0 uses the configured default.
func (e Engine) Recommend(ctx context.Context, limit int) ([]domain.Candidate, error) {
	list, err := e.FindCandidates(ctx)
	if err != nil {
		return nil, err
	}
	ready := readyByUrgency(list)
	if n := e.recommendLimit(limit); len(ready) > n {
		ready = ready[:n]
	}
	return ready, nil
}

// RecommendForMachine is Recommend restricted to candidates the machine can run.
func (e Engine) RecommendForMachine(ctx context.Context, machineID int64, limit int) ([]domain.Candidate, error) {
	if _, err := e.Repo.GetMachine(ctx, machineID); err != nil {
		return nil, notFound("machine", machineID, err)
	}
	list, err := e.FindCandidates(ctx)
	if err != nil {
		return nil, err
	}
	n := e.recommendLimit(limit)
	res := []domain.Candidate{}
	for _, c := range readyByUrgency(list) {
		for _, m := range c.CompatibleMachines {
			if m.ID == machineID {
				res = append(res, c)
				break
			}
		}
		if len(res) == n {
			break
		}
	}
	return res, nil
}

// PlanProduction lays startable candidates out on machine timelines from
// start. Each candidate goes to the compatible machine that frees up first.
// Nothing is persisted.
func (e Engine) PlanProduction(ctx context.Context, start time.Time) ([]domain.MachinePlan, error) {
	list, err := e.FindCandidates(ctx)
	if err != nil {
		return nil, err
	}
	plans := map[int64]*domain.MachinePlan{}
	free := map[int64]time.Time{}
	for _, c := range readyByUrgency(list) {
		var pick *domain.MachineRef
		for i := range c.CompatibleMachines {
			m := &c.CompatibleMachines[i]
			if pick == nil || freeAt(free, m.ID, start).Before(freeAt(free, pick.ID, start)) {
				pick = m
			}
		}
		if pick == nil {
			continue
		}
		est := c.EstimatedMinutes
		if est <= 0 {
			est = e.Config.Preprocess.DefaultEstimatedMinutes
		}
		minutes := est * float64(c.Quantity)
		begin := freeAt(free, pick.ID, start)
		end := begin.Add(time.Duration(minutes * float64(time.Minute)))
		free[pick.ID] = end

		plan, ok := plans[pick.ID]
		if !ok {
			plan = &domain.MachinePlan{Machine: *pick}
			plans[pick.ID] = plan
		}
		plan.Entries = append(plan.Entries, domain.PlanEntry{
			OperationID:   c.OperationID,
			DrawingNumber: c.DrawingNumber,
			Sequence:      c.Sequence,
			Minutes:       minutes,
			Start:         timestamp(begin),
			End:           timestamp(end),
		})
		plan.TotalMinutes += minutes
	}
	res := make([]domain.MachinePlan, 0, len(plans))
	for _, p := range plans {
		res = append(res, *p)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Machine.ID < res[j].Machine.ID })
	return res, nil
}

func freeAt(free map[int64]time.Time, id int64, start time.Time) time.Time {
	if t, ok := free[id]; ok {
		return t
	}
	return start
}
