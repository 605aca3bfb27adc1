package engine_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/config"
	"shopfloor/internal/db"
	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/events"
	"shopfloor/internal/metrics"
	"shopfloor/internal/migrate"
	"shopfloor/internal/repo"
)

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Log    *bytes.Buffer
}

func newTestEnv(t *testing.T, tweaks ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("plant-1")
	for _, tweak := range tweaks {
		tweak(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	eng, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	var buf bytes.Buffer
	eng.SetLogger(log.New(&buf, "", 0))
	eng.Now = func() time.Time { return testNow }
	eng.Events.Now = eng.Now
	eng.Bus = events.NewBus()
	eng.Metrics = metrics.NewCollector(nil)
	return testEnv{Engine: eng, Ctx: context.Background(), Log: &buf}
}

func (env testEnv) load(t *testing.T, doc string) domain.ImportResult {
	t.Helper()
	parsed, err := engine.ParseImportBytes([]byte(doc))
	if err != nil {
		t.Fatalf("parse import: %v", err)
	}
	res, err := env.Engine.Import(env.Ctx, parsed, "tester")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	return res
}

func (env testEnv) operation(t *testing.T, id int64) domain.Operation {
	t.Helper()
	op, err := env.Engine.Repo.GetOperation(env.Ctx, id)
	if err != nil {
		t.Fatalf("get operation %d: %v", id, err)
	}
	return op
}

func (env testEnv) machine(t *testing.T, id int64) domain.Machine {
	t.Helper()
	m, err := env.Engine.Repo.GetMachine(env.Ctx, id)
	if err != nil {
		t.Fatalf("get machine %d: %v", id, err)
	}
	return m
}

func (env testEnv) countEvents(t *testing.T, evtType string) int {
	t.Helper()
	evts, err := env.Engine.Repo.LatestEventsFrom(env.Ctx, 1000, 0, evtType, "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return len(evts)
}

// assertInvariants checks sequence order and machine exclusivity over the whole store.
func (env testEnv) assertInvariants(t *testing.T) {
	t.Helper()
	ops, err := env.Engine.Repo.ListOperations(env.Ctx)
	require.NoError(t, err)
	byOrder := map[int64][]domain.Operation{}
	for _, op := range ops {
		byOrder[op.OrderID] = append(byOrder[op.OrderID], op)
	}
	for _, list := range byOrder {
		for i := 1; i < len(list); i++ {
			switch list[i].Status {
			case domain.StatusAssigned, domain.StatusInProgress, domain.StatusCompleted:
				assert.Equal(t, domain.StatusCompleted, list[i-1].Status,
					"operation %d is %s while its predecessor is %s", list[i].ID, list[i].Status, list[i-1].Status)
			}
		}
	}
	running := map[int64]int{}
	for _, op := range ops {
		if op.Status == domain.StatusInProgress && op.AssignedMachineID != nil {
			running[*op.AssignedMachineID]++
		}
	}
	for machineID, n := range running {
		assert.LessOrEqual(t, n, 1, "machine %d runs %d operations", machineID, n)
	}
}

const lifecycleDoc = `
machines:
  - {code: T1, class: turning, axes: 3}
  - {code: F1, class: milling, axes: 3}
orders:
  - drawing_number: DWG-1
    quantity: 12
    deadline: "2024-04-01"
    priority: 2
    operations:
      - {sequence: 1, type: Turning, estimated_minutes: 10}
      - {sequence: 2, type: Milling pockets, estimated_minutes: 15}
`

func TestAssignStartLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, lifecycleDoc)
	eng := env.Engine

	_, err := eng.AssignOperation(env.Ctx, 1, 2, "tester")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr, "turning on a milling machine")
	assert.Equal(t, "machine_id", verr.Field)

	_, err = eng.AssignOperation(env.Ctx, 2, 2, "tester")
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Message, "waiting on operation 1")

	ack, err := eng.AssignOperation(env.Ctx, 1, 1, "tester")
	require.NoError(t, err)
	assert.True(t, ack.Changed)
	assert.Equal(t, domain.StatusAssigned, ack.Status)
	m := env.machine(t, 1)
	require.NotNil(t, m.CurrentOperationID)
	assert.True(t, m.Occupied)
	assert.Equal(t, int64(1), *m.CurrentOperationID)

	ack, err = eng.AssignOperation(env.Ctx, 1, 1, "tester")
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.False(t, ack.Changed)

	ack, err = eng.StartOperation(env.Ctx, 1, "tester")
	require.NoError(t, err)
	require.NotNil(t, ack.Progress)
	assert.Equal(t, 0, ack.Progress.CompletedUnits)
	assert.Equal(t, 12, ack.Progress.TotalUnits)
	assert.Equal(t, domain.StatusInProgress, env.operation(t, 1).Status)

	ack, err = eng.StartOperation(env.Ctx, 1, "tester")
	require.NoError(t, err)
	assert.False(t, ack.Changed)
	assert.Contains(t, env.Log.String(), "cannot move from IN_PROGRESS to IN_PROGRESS")

	_, err = eng.CompleteOperation(env.Ctx, 2, nil, "tester")
	var conflict engine.TransitionConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, domain.StatusPending, conflict.From)

	env.assertInvariants(t)
}

func TestUnassignFreesMachine(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, lifecycleDoc)
	_, err := env.Engine.AssignOperation(env.Ctx, 1, 1, "tester")
	require.NoError(t, err)

	ack, err := env.Engine.UnassignOperation(env.Ctx, 1, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, ack.Status)
	assert.False(t, env.machine(t, 1).Occupied)
	assert.Nil(t, env.operation(t, 1).AssignedMachineID)
}

func TestNotFoundCarriesEntity(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartOperation(env.Ctx, 99, "tester")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "operation", nf.Entity)
	assert.Equal(t, int64(99), nf.ID)
}

const runningDoc = `
machines:
  - {code: M1, class: milling, axes: 4}
  - {code: M2, class: milling, axes: 3}
orders:
  - drawing_number: DWG-7
    quantity: 30
    deadline: "2024-04-01"
    priority: 2
    operations:
      - {sequence: 1, type: Milling, estimated_minutes: 5, status: IN_PROGRESS, machine: M1}
      - {sequence: 2, type: Drilling, estimated_minutes: 3}
  - drawing_number: DWG-9
    quantity: 5
    deadline: "2024-05-01"
    priority: 3
    operations:
      - {sequence: 1, type: Milling, estimated_minutes: 5}
`

func TestCompleteIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)

	ack, err := env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
	require.NoError(t, err)
	assert.True(t, ack.Changed)
	require.NotNil(t, ack.Progress)
	assert.Equal(t, 100, ack.Progress.Percentage)
	assert.Equal(t, 30, ack.Progress.CompletedUnits)

	again, err := env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
	require.NoError(t, err)
	assert.True(t, again.Success)
	assert.False(t, again.Changed)
	assert.Equal(t, domain.StatusCompleted, again.Status)

	assert.Equal(t, 1, env.countEvents(t, events.OperationCompleted))
	m := env.machine(t, 1)
	assert.False(t, m.Occupied)
	assert.Nil(t, m.CurrentOperationID)
	assert.Equal(t, domain.StatusPending, env.operation(t, 2).Status)
	env.assertInvariants(t)
}

func TestConcurrentCompletionAppliesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)

	const attempts = 4
	acks := make([]domain.Ack, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks[i], errs[i] = env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
		}(i)
	}
	wg.Wait()

	changed := 0
	for i := range acks {
		require.NoError(t, errs[i])
		assert.True(t, acks[i].Success)
		if acks[i].Changed {
			changed++
		}
	}
	assert.Equal(t, 1, changed)
	assert.Equal(t, 1, env.countEvents(t, events.OperationCompleted))
}

func TestSuccessorPromotionIsConfigurable(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Completion.SuccessorStatus = domain.StatusReady })
	env.load(t, runningDoc)

	_, err := env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, env.operation(t, 2).Status)

	list, err := env.Engine.FindCandidates(env.Ctx)
	require.NoError(t, err)
	require.NotEmpty(t, list.Candidates)
	assert.Equal(t, int64(2), list.Candidates[0].OperationID)
	assert.True(t, list.Candidates[0].CanStart)
}

func TestHandleCompletionPlanRecommendsForFreedMachine(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)
	env.load(t, `
shift_records:
  - {date: "2024-03-15", machine: M1, order: DWG-7, sequence: 1, day_quantity: 30}
`)
	qty := 31
	out, err := env.Engine.HandleCompletion(env.Ctx, 1, engine.ActionPlan, &qty, "tester")
	require.NoError(t, err)
	assert.True(t, out.Ack.Changed)
	assert.Equal(t, int64(1), out.ArchivedRecords)
	require.NotNil(t, out.FreedMachineID)
	assert.Equal(t, int64(1), *out.FreedMachineID)
	require.NotEmpty(t, out.Recommendations)
	assert.Equal(t, int64(2), out.Recommendations[0].OperationID)
	assert.Equal(t, 31, *env.operation(t, 1).ActualQuantity)

	live, err := env.Engine.Repo.ListShiftRecords(env.Ctx, repo.ShiftFilter{})
	require.NoError(t, err)
	assert.Empty(t, live)

	_, err = env.Engine.HandleCompletion(env.Ctx, 1, "archive", nil, "tester")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "action", verr.Field)
}

func TestHandleCompletionContinue(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)
	out, err := env.Engine.HandleCompletion(env.Ctx, 1, engine.ActionContinue, nil, "tester")
	require.NoError(t, err)
	assert.False(t, out.Ack.Changed)
	assert.Equal(t, domain.StatusInProgress, env.operation(t, 1).Status)
	assert.True(t, env.machine(t, 1).Occupied)
}

func TestProductionMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)
	env.load(t, `
shift_records:
  - {date: "2024-03-15", machine: M1, order: DWG-7, sequence: 1, day_quantity: 15}
`)
	_, err := env.Engine.Reconcile(env.Ctx, "tester")
	require.NoError(t, err)

	m, err := env.Engine.ProductionMetrics(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalOperations)
	assert.Equal(t, 1, m.InProgressOperations)
	assert.Equal(t, 2, m.PendingOperations)
	assert.Equal(t, 0, m.CompletedOperations)
	assert.Equal(t, 15, m.DailyUnits)
	assert.InDelta(t, 16.67, m.AverageProgress, 0.001)
	assert.Equal(t, 2, m.ActiveMachines)
	assert.Equal(t, 1, m.BusyMachines)
	assert.InDelta(t, 50.0, m.MachineUtilization, 0.001)
}

func TestImportRejectsBrokenSequence(t *testing.T) {
	env := newTestEnv(t)
	doc, err := engine.ParseImportBytes([]byte(`
machines:
  - {code: M1, class: milling, axes: 3}
orders:
  - drawing_number: DWG-1
    quantity: 3
    deadline: "2024-04-01"
    operations:
      - {sequence: 1, type: Milling}
      - {sequence: 2, type: Milling, status: IN_PROGRESS, machine: M1}
`))
	require.NoError(t, err)
	_, err = env.Engine.Import(env.Ctx, doc, "tester")
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, strings.HasSuffix(verr.Field, ".status"))

	_, err = engine.ParseImportBytes([]byte("orders:\n  - drawing: X\n"))
	require.Error(t, err)
}

func TestImportKeepsExistingOrders(t *testing.T) {
	env := newTestEnv(t)
	first := env.load(t, runningDoc)
	assert.Equal(t, domain.ImportResult{Orders: 2, Operations: 3, Machines: 2}, first)
	second := env.load(t, runningDoc)
	assert.Equal(t, domain.ImportResult{}, second)
}

func TestSetLoggerReachesMatcher(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	env.Engine.SetLogger(log.New(&buf, "", 0))
	env.load(t, `
machines:
  - {code: F1, class: milling, axes: 3}
orders:
  - drawing_number: DWG-3
    quantity: 4
    deadline: "2024-04-01"
    priority: 1
    operations:
      - {sequence: 1, type: Deburr, estimated_minutes: 2}
`)
	_, err := env.Engine.FindCandidates(env.Ctx)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `compat: unknown operation type "Deburr"`)
	assert.NotContains(t, env.Log.String(), "Deburr")
}

func TestCompletionRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER machines_locked BEFORE UPDATE ON machines
BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)

	_, err = env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "release machine M1")

	assert.Equal(t, domain.StatusInProgress, env.operation(t, 1).Status)
	assert.Nil(t, env.operation(t, 1).CompletedAt)
	m := env.machine(t, 1)
	assert.True(t, m.Occupied)
	require.NotNil(t, m.CurrentOperationID)
	assert.Equal(t, int64(1), *m.CurrentOperationID)
	_, err = env.Engine.Repo.GetProgress(env.Ctx, 1)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.Equal(t, 0, env.countEvents(t, events.OperationCompleted))

	_, err = env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER machines_locked`)
	require.NoError(t, err)
	ack, err := env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
	require.NoError(t, err)
	assert.True(t, ack.Changed)
	assert.False(t, env.machine(t, 1).Occupied)
	env.assertInvariants(t)
}

func TestReadFailureIsDataSourceError(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)
	require.NoError(t, env.Engine.DB.Close())

	_, err := env.Engine.FindCandidates(env.Ctx)
	var ds engine.DataSourceError
	require.True(t, errors.As(err, &ds), "got %v", err)

	_, err = env.Engine.Reconcile(env.Ctx, "tester")
	require.True(t, errors.As(err, &ds), "got %v", err)
	assert.Contains(t, env.Log.String(), "reconcile: pass aborted")
}

func TestAbortedPassKeepsLastProgress(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)
	env.load(t, shiftDoc)
	_, err := env.Engine.Reconcile(env.Ctx, "tester")
	require.NoError(t, err)
	before, err := env.Engine.GetProgress(env.Ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 23, before.CompletedUnits)

	env.load(t, `
shift_records:
  - {date: "2024-03-15", machine: M1, order: DWG-7, sequence: 1, day_quantity: 4}
`)
	_, err = env.Engine.DB.ExecContext(env.Ctx, `ALTER TABLE shift_records RENAME TO shift_records_offline`)
	require.NoError(t, err)

	_, err = env.Engine.Reconcile(env.Ctx, "tester")
	var ds engine.DataSourceError
	require.ErrorAs(t, err, &ds)
	assert.Equal(t, "shift records", ds.Source)

	after, err := env.Engine.GetProgress(env.Ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, env.countEvents(t, events.ProgressUpdated))
	assert.Equal(t, 1, env.countEvents(t, events.ReconcileFinished))
}
