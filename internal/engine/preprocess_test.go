package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/config"
	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/events"
)

const overdueDoc = `
orders:
  - drawing_number: B
    quantity: 10
    deadline: "2024-02-24T10:00:00Z"
    priority: 2
    operations:
      - {sequence: 1, type: Turning, estimated_minutes: 30}
      - {sequence: 2, type: Milling, estimated_minutes: 30}
  - drawing_number: C
    quantity: 1
    deadline: "2024-06-01"
    priority: 4
`

func TestPreprocessOverdueKeepsPriority(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, overdueDoc)

	adjustments, err := env.Engine.PreprocessOrders(env.Ctx, "tester")
	require.NoError(t, err)
	require.Len(t, adjustments, 2)

	var b domain.ScheduleAdjustment
	for _, adj := range adjustments {
		if adj.DrawingNumber == "B" {
			b = adj
		} else {
			assert.False(t, adj.Overdue)
			assert.Equal(t, 0, adj.DaysOverdue)
			assert.Equal(t, "2024-06-01", adj.Deadline)
		}
	}
	assert.True(t, b.Overdue)
	assert.Equal(t, 20, b.DaysOverdue)
	assert.Equal(t, 2, b.Priority)
	assert.False(t, b.PriorityChanged)
	// 600 min x 1.3 + 2 x 30 = 840 -> 2 working days -> ceil(2.8) + 2 = 5 calendar days
	assert.Equal(t, "2024-03-20T10:00:00Z", b.Deadline)

	order, err := env.Engine.Repo.GetOrder(env.Ctx, b.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 2, order.Priority)
	assert.Equal(t, 20, order.DaysOverdue)
	require.NotNil(t, order.OriginalDeadline)
	assert.Equal(t, "2024-02-24T10:00:00Z", *order.OriginalDeadline)
	deadline, err := time.Parse(time.RFC3339, order.Deadline)
	require.NoError(t, err)
	assert.True(t, deadline.After(testNow))

	again, err := env.Engine.PreprocessOrders(env.Ctx, "tester")
	require.NoError(t, err)
	assert.Equal(t, adjustments, again)
	assert.Equal(t, 1, env.countEvents(t, events.OrderPreprocessed))
}

func TestPreprocessElevatePolicy(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Preprocess.OverduePriority = config.OverdueElevate })
	env.load(t, overdueDoc)

	adjustments, err := env.Engine.PreprocessOrders(env.Ctx, "tester")
	require.NoError(t, err)
	for _, adj := range adjustments {
		if adj.DrawingNumber == "B" {
			assert.True(t, adj.PriorityChanged)
			assert.Equal(t, 1, adj.Priority)
		} else {
			assert.Equal(t, 4, adj.Priority)
		}
	}
}

func TestAdjustScheduleNotOverdue(t *testing.T) {
	cfg := config.Default("p").Preprocess
	o := domain.Order{ID: 1, DrawingNumber: "X", Quantity: 3, Deadline: "2024-03-16T00:00:00Z", Priority: 2}
	got, adj, err := engine.AdjustSchedule(cfg, o, nil, testNow)
	require.NoError(t, err)
	assert.False(t, adj.Overdue)
	assert.Equal(t, o.Deadline, got.Deadline)
	assert.Nil(t, got.OriginalDeadline)
}

func TestAdjustScheduleUsesDefaultEstimate(t *testing.T) {
	cfg := config.Default("p").Preprocess
	o := domain.Order{ID: 1, Quantity: 10, Deadline: "2024-03-14", Priority: 3}
	ops := []domain.Operation{{Sequence: 1}, {Sequence: 2, EstimatedMinutes: -5}}
	// 2 x 60 x 10 = 1200 x 1.3 + 60 = 1620 -> 4 days -> ceil(5.6) + 2 = 8
	got, adj, err := engine.AdjustSchedule(cfg, o, ops, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, adj.DaysOverdue)
	assert.Equal(t, "2024-03-23T10:00:00Z", got.Deadline)

	_, _, err = engine.AdjustSchedule(cfg, domain.Order{Deadline: "soon"}, nil, testNow)
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
}
