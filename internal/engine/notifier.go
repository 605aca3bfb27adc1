package engine

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"shopfloor/internal/domain"
	"shopfloor/internal/events"
	"shopfloor/internal/repo"
)

// Notification sources.
const (
	SourceEvent  = "event"
	SourceManual = "manual"
)

// RaiseIfComplete records a completion notification for opID when its
// progress satisfies the strict completion predicate. The ledger holds at most
// one entry per operation; only the caller that inserts it gets true.
func (e Engine) RaiseIfComplete(ctx context.Context, opID int64, source, actorID string) (domain.Notification, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Notification{}, false, err
	}
	defer tx.Rollback()

	op, err := e.Repo.GetOperationTx(ctx, tx, opID)
	if err != nil {
		return domain.Notification{}, false, notFound("operation", opID, err)
	}
	p, err := e.Repo.GetProgressTx(ctx, tx, op.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Notification{}, false, nil
	}
	if err != nil {
		return domain.Notification{}, false, err
	}
	if !completionReached(p) {
		return domain.Notification{}, false, nil
	}
	order, err := e.Repo.GetOrderTx(ctx, tx, op.OrderID)
	if err != nil {
		return domain.Notification{}, false, notFound("order", op.OrderID, err)
	}
	now := e.now()
	n := domain.Notification{
		ID:             uuid.NewString(),
		OperationID:    op.ID,
		DrawingNumber:  order.DrawingNumber,
		CompletedUnits: p.CompletedUnits,
		TotalUnits:     p.TotalUnits,
		Percentage:     p.Percentage,
		Source:         source,
		CreatedAt:      timestamp(now),
	}
	if ttl := e.Config.Notifier.LedgerTTLHours; ttl > 0 {
		expires := timestamp(now.Add(time.Duration(ttl) * time.Hour))
		n.ExpiresAt = &expires
	}
	inserted, err := e.Repo.InsertNotificationTx(ctx, tx, n)
	if err != nil {
		return domain.Notification{}, false, err
	}
	if !inserted {
		return domain.Notification{}, false, nil
	}
	if err := e.Events.Append(ctx, tx, events.NotificationRaised, "operation", itoa(op.ID), actorID, events.EventPayload{
		"notification_id": n.ID,
		"drawing_number":  n.DrawingNumber,
		"completed_units": n.CompletedUnits,
		"total_units":     n.TotalUnits,
		"source":          source,
	}); err != nil {
		return domain.Notification{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Notification{}, false, err
	}
	e.committed()
	e.Metrics.RecordNotification(source)
	return n, true, nil
}

// CheckCompletion is the manual per-operation check. It applies the same
// predicate as the event-driven notifier.
func (e Engine) CheckCompletion(ctx context.Context, opID int64, actorID string) (domain.CompletionCheck, error) {
	n, raised, err := e.RaiseIfComplete(ctx, opID, SourceManual, actorID)
	if err != nil {
		return domain.CompletionCheck{}, err
	}
	res := domain.CompletionCheck{OperationID: opID, Notified: raised}
	if raised {
		res.Notification = &n
	}
	p, err := e.Repo.GetProgress(ctx, opID)
	switch {
	case err == nil:
		res.Progress = &p
		res.Complete = completionReached(p)
	case !errors.Is(err, repo.ErrNotFound):
		return res, err
	}
	return res, nil
}

// ListNotifications pages the ledger newest first; cursor is "created_at|id".
func (e Engine) ListNotifications(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Notification, error) {
	return e.Repo.ListNotificationsWithCursor(ctx, limit, cursorCreatedAt, cursorID)
}

// ClearNotification removes an operation's ledger entry so a later completion
// may notify again.
func (e Engine) ClearNotification(ctx context.Context, opID int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteNotificationTx(ctx, tx, opID); err != nil {
		return notFound("notification", opID, err)
	}
	if err := e.Events.Append(ctx, tx, events.NotificationClear, "operation", itoa(opID), actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.committed()
	return nil
}

// PurgeExpiredNotifications drops ledger entries past their expiry.
func (e Engine) PurgeExpiredNotifications(ctx context.Context, actorID string) (int64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.Repo.PurgeExpiredNotificationsTx(ctx, tx, timestamp(e.now()))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := e.Events.Append(ctx, tx, events.NotificationClear, "plant", e.Config.Plant.ID, actorID, events.EventPayload{"purged": n}); err != nil {
			return 0, err
		}
	}
	return n, tx.Commit()
}

const notifierCursor = "completion-notifier"

// Notifier turns progress and completion events into ledger notifications.
// It resumes from a cursor persisted in the database.
type Notifier struct {
	Engine   Engine
	Interval time.Duration
	Logger   *log.Logger
}

func NewNotifier(e Engine) *Notifier {
	interval := time.Duration(e.Config.Notifier.FallbackIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Notifier{Engine: e, Interval: interval, Logger: e.Logger}
}

// Run polls once, then again whenever the bus signals a commit or the
// fallback interval elapses. It returns when ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	var wake <-chan struct{}
	if n.Engine.Bus != nil {
		ch := n.Engine.Bus.Subscribe()
		defer n.Engine.Bus.Unsubscribe(ch)
		wake = ch
	}
	ticker := time.NewTicker(n.Interval)
	defer ticker.Stop()
	for {
		if _, err := n.Poll(ctx); err != nil && ctx.Err() == nil {
			n.logf("notifier: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// Poll handles every event after the cursor and reports how many
// notifications it raised. The cursor only moves past handled events.
func (n *Notifier) Poll(ctx context.Context) (int, error) {
	r := n.Engine.Repo
	cursor, err := r.SubscriberCursor(ctx, notifierCursor)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return 0, err
	}
	raised := 0
	for {
		evts, err := r.EventsAfter(ctx, 100, cursor, events.ProgressUpdated, events.OperationCompleted)
		if err != nil {
			return raised, err
		}
		if len(evts) == 0 {
			return raised, nil
		}
		for _, ev := range evts {
			opID, err := strconv.ParseInt(ev.EntityID, 10, 64)
			if err == nil {
				_, ok, err := n.Engine.RaiseIfComplete(ctx, opID, SourceEvent, "notifier")
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return raised, err
				}
				if ok {
					raised++
				}
			}
			cursor = ev.ID
			if err := r.SetSubscriberCursor(ctx, notifierCursor, cursor, timestamp(n.Engine.now())); err != nil {
				return raised, err
			}
		}
	}
}

func (n *Notifier) logf(format string, args ...any) {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}
