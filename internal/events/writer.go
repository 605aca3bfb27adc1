package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	OrderPreprocessed  = "order.preprocessed"
	OperationAssigned  = "operation.assigned"
	OperationReleased  = "operation.unassigned"
	OperationStarted   = "operation.started"
	OperationCompleted = "operation.completed"
	OperationHandled   = "operation.completion_handled"
	ProgressUpdated    = "progress.updated"
	ReconcileFinished  = "reconcile.finished"
	NotificationRaised = "notification.raised"
	NotificationClear  = "notification.cleared"
	DataImported       = "data.imported"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside tx; it becomes visible on commit.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
