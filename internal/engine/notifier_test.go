package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopfloor/internal/config"
	"shopfloor/internal/domain"
	"shopfloor/internal/engine"
	"shopfloor/internal/events"
)

func TestCompletionCheckIgnoresPlaceholderData(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.UpsertProgressTx(env.Ctx, tx, domain.OperationProgress{
		OperationID: 1, CompletedUnits: 0, TotalUnits: 0, Percentage: 100, LastUpdated: "2024-03-15T10:00:00Z",
	}))
	require.NoError(t, tx.Commit())

	check, err := env.Engine.CheckCompletion(env.Ctx, 1, "tester")
	require.NoError(t, err)
	assert.False(t, check.Complete)
	assert.False(t, check.Notified)

	list, err := env.Engine.ListNotifications(env.Ctx, 10, "", "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCompletionCheckWithoutProgress(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)
	check, err := env.Engine.CheckCompletion(env.Ctx, 3, "tester")
	require.NoError(t, err)
	assert.False(t, check.Notified)
	assert.Nil(t, check.Progress)

	_, err = env.Engine.CheckCompletion(env.Ctx, 42, "tester")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestNotifierRaisesOncePerOperation(t *testing.T) {
	env := newTestEnv(t)
	env.load(t, runningDoc)
	_, err := env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
	require.NoError(t, err)

	n := engine.NewNotifier(env.Engine)
	raised, err := n.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, raised)

	raised, err = n.Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, raised)

	// a fresh notifier resumes from the stored cursor
	raised, err = engine.NewNotifier(env.Engine).Poll(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, raised)

	check, err := env.Engine.CheckCompletion(env.Ctx, 1, "tester")
	require.NoError(t, err)
	assert.True(t, check.Complete)
	assert.False(t, check.Notified)

	list, err := env.Engine.ListNotifications(env.Ctx, 10, "", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, engine.SourceEvent, list[0].Source)
	assert.Equal(t, "DWG-7", list[0].DrawingNumber)
	assert.Equal(t, 1, env.countEvents(t, events.NotificationRaised))

	require.NoError(t, env.Engine.ClearNotification(env.Ctx, 1, "tester"))
	check, err = env.Engine.CheckCompletion(env.Ctx, 1, "tester")
	require.NoError(t, err)
	assert.True(t, check.Notified)
	require.NotNil(t, check.Notification)
	assert.Equal(t, engine.SourceManual, check.Notification.Source)

	err = env.Engine.ClearNotification(env.Ctx, 2, "tester")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestNotifierRunWakesOnCommit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Notifier.FallbackIntervalSeconds = 3600 })
	env.load(t, runningDoc)

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan struct{})
	go func() {
		engine.NewNotifier(env.Engine).Run(ctx)
		close(done)
	}()

	_, err := env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := env.Engine.Repo.GetNotificationByOperation(env.Ctx, 1)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifier did not stop")
	}
}

func TestPurgeExpiredNotifications(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Notifier.LedgerTTLHours = 1 })
	env.load(t, runningDoc)
	_, err := env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
	require.NoError(t, err)
	_, raised, err := env.Engine.RaiseIfComplete(env.Ctx, 1, engine.SourceManual, "tester")
	require.NoError(t, err)
	require.True(t, raised)

	purged, err := env.Engine.PurgeExpiredNotifications(env.Ctx, "tester")
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)

	later := testNow.Add(2 * time.Hour)
	env.Engine.Now = func() time.Time { return later }
	purged, err = env.Engine.PurgeExpiredNotifications(env.Ctx, "tester")
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	_, err = env.Engine.Repo.GetNotificationByOperation(env.Ctx, 1)
	assert.Error(t, err)
}

func TestExpiredLedgerEntryRearmsNotification(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Notifier.LedgerTTLHours = 1 })
	env.load(t, runningDoc)
	_, err := env.Engine.CompleteOperation(env.Ctx, 1, nil, "tester")
	require.NoError(t, err)

	first, raised, err := env.Engine.RaiseIfComplete(env.Ctx, 1, engine.SourceManual, "tester")
	require.NoError(t, err)
	require.True(t, raised)

	_, raised, err = env.Engine.RaiseIfComplete(env.Ctx, 1, engine.SourceManual, "tester")
	require.NoError(t, err)
	assert.False(t, raised, "live entry must block a second notification")

	later := testNow.Add(2 * time.Hour)
	env.Engine.Now = func() time.Time { return later }
	second, raised, err := env.Engine.RaiseIfComplete(env.Ctx, 1, engine.SourceManual, "tester")
	require.NoError(t, err)
	require.True(t, raised, "expired entry must not block without a purge")
	assert.NotEqual(t, first.ID, second.ID)

	stored, err := env.Engine.Repo.GetNotificationByOperation(env.Ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, stored.ID)
	require.NotNil(t, stored.ExpiresAt)
	assert.Equal(t, "2024-03-15T13:00:00Z", *stored.ExpiresAt)
	assert.Equal(t, 2, env.countEvents(t, events.NotificationRaised))
}
