package engine

import (
	"context"
	"time"

	"shopfloor/internal/domain"
)

// ProductionMetrics aggregates status counts, progress, daily output and
// machine utilization from one read transaction.
func (e Engine) ProductionMetrics(ctx context.Context) (domain.ProductionMetrics, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductionMetrics{}, dataSource("scheduling store", err)
	}
	defer tx.Rollback()

	now := e.now().UTC()
	stats, err := e.Repo.OperationStatsTx(ctx, tx)
	if err != nil {
		return domain.ProductionMetrics{}, dataSource("operations", err)
	}
	active, busy, err := e.Repo.MachineStatsTx(ctx, tx)
	if err != nil {
		return domain.ProductionMetrics{}, dataSource("machines", err)
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	units, err := e.Repo.UnitsUpdatedBetweenTx(ctx, tx, timestamp(dayStart), timestamp(dayStart.Add(day)))
	if err != nil {
		return domain.ProductionMetrics{}, dataSource("progress", err)
	}
	m := domain.ProductionMetrics{
		TotalOperations:      stats.Total,
		CompletedOperations:  stats.Completed,
		InProgressOperations: stats.InProgress,
		PendingOperations:    stats.Pending,
		AverageProgress:      round2(stats.AverageProgress),
		DailyUnits:           units,
		ActiveMachines:       active,
		BusyMachines:         busy,
		GeneratedAt:          timestamp(now),
	}
	if active > 0 {
		m.MachineUtilization = round2(float64(busy) / float64(active) * 100)
	}
	e.Metrics.SetDashboard(m)
	return m, nil
}
