package database

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

func insertEvent(ctx context.Context, db execer, e model.AutomationEvent) error {
	if e.EventID == "" {
		e.EventID = model.GenerateUUIDWithSuffix("evt")
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal event payload", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO nurture.automation_events (event_id, automation_id, subscriber_id, event_kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.EventID, e.AutomationID, e.SubscriberID, e.Kind, payload, e.CreatedAt)
	if err != nil {
		return mapError(err, "Automation not found", "Failed to record automation event")
	}
	return nil
}

func (d Datasource) AppendEvent(ctx context.Context, e model.AutomationEvent) error {
	return insertEvent(ctx, d.Conn, e)
}

func (d Datasource) GetEventsBySubscriber(ctx context.Context, subscriberID string) ([]model.AutomationEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_id, automation_id, subscriber_id, event_kind, payload, created_at
		FROM nurture.automation_events
		WHERE subscriber_id = $1
		ORDER BY created_at, id
	`, subscriberID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve automation events", err)
	}
	defer rows.Close()

	events := []model.AutomationEvent{}
	for rows.Next() {
		e := model.AutomationEvent{}
		var (
			automationID sql.NullString
			payload      []byte
		)
		if err = rows.Scan(&e.EventID, &automationID, &e.SubscriberID, &e.Kind, &payload, &e.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan automation event", err)
		}
		if automationID.Valid {
			e.AutomationID = &automationID.String
		}
		if len(payload) > 0 {
			if err = json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal event payload", err)
			}
		}
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over automation events", err)
	}
	return events, nil
}
