/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

const automationColumns = `automation_id, subscriber_id, sequence_id, current_email_index, status, started_at, last_email_sent_at, next_email_at, paused_at, paused_due_at, completed_at, exit_reason, processing_since, consecutive_failures, updated_at`

func scanAutomation(row rowScanner) (*model.Automation, error) {
	a := &model.Automation{}
	var (
		lastSent, next, pausedAt, pausedDue, completedAt, processing sql.NullTime
		exitReason                                                   sql.NullString
	)
	err := row.Scan(&a.AutomationID, &a.SubscriberID, &a.SequenceID, &a.CurrentEmailIndex, &a.Status, &a.StartedAt,
		&lastSent, &next, &pausedAt, &pausedDue, &completedAt, &exitReason, &processing, &a.ConsecutiveFailures, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.LastEmailSentAt = nullTime(lastSent)
	a.NextEmailAt = nullTime(next)
	a.PausedAt = nullTime(pausedAt)
	a.PausedDueAt = nullTime(pausedDue)
	a.CompletedAt = nullTime(completedAt)
	a.ProcessingSince = nullTime(processing)
	if exitReason.Valid {
		a.ExitReason = &exitReason.String
	}
	return a, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func invalidTransition(a *model.Automation, action string) error {
	return fmt.Errorf("cannot %s automation %s in status %s: %w", action, a.AutomationID, a.Status, ErrInvalidTransition)
}

// lockAutomation reads an automation row and holds its row lock until the transaction ends.
func lockAutomation(ctx context.Context, tx *sql.Tx, id string) (*model.Automation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM nurture.automations WHERE automation_id = $1 FOR UPDATE`, id)
	a, err := scanAutomation(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("Automation with ID '%s' not found", id), "Failed to lock automation")
	}
	return a, nil
}

// withTx runs fn inside a transaction and commits when it returns nil.
func (d Datasource) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.Conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}

// StartAutomation creates an active automation due immediately. When the
// subscriber already runs the sequence the live id is returned inside an AlreadyRunningError.
func (d Datasource) StartAutomation(ctx context.Context, subscriberID, sequenceID string, now time.Time) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Starting automation")
	defer span.End()

	var id string
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = startAutomationTx(ctx, tx, subscriberID, sequenceID, now)
		return err
	})
	if err != nil && isUniqueViolation(err) {
		// Lost an insert race; the winner's row is now visible.
		existing, lookupErr := d.liveAutomationID(ctx, subscriberID, sequenceID)
		if lookupErr != nil {
			return "", lookupErr
		}
		return existing, &AlreadyRunningError{AutomationID: existing}
	}
	if err != nil {
		var running *AlreadyRunningError
		if errors.As(err, &running) {
			return running.AutomationID, err
		}
		return "", err
	}
	return id, nil
}

func startAutomationTx(ctx context.Context, tx *sql.Tx, subscriberID, sequenceID string, now time.Time) (string, error) {
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT automation_id FROM nurture.automations
		WHERE subscriber_id = $1 AND sequence_id = $2 AND status IN ('active', 'paused')
		FOR UPDATE
	`, subscriberID, sequenceID).Scan(&existing)
	if err == nil {
		return "", &AlreadyRunningError{AutomationID: existing}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check running automations", err)
	}

	id := model.GenerateUUIDWithSuffix("aut")
	_, err = tx.ExecContext(ctx, `
		INSERT INTO nurture.automations (automation_id, subscriber_id, sequence_id, current_email_index, status, started_at, next_email_at, updated_at)
		VALUES ($1, $2, $3, 0, 'active', $4, $4, $4)
	`, id, subscriberID, sequenceID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("insert automation: %w", err)
		}
		return "", mapError(err, "Subscriber or sequence not found", "Failed to start automation")
	}

	err = insertEvent(ctx, tx, model.AutomationEvent{
		AutomationID: &id,
		SubscriberID: subscriberID,
		Kind:         model.EventSequenceStarted,
		Payload:      map[string]interface{}{"sequence_id": sequenceID},
		CreatedAt:    now,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (d Datasource) liveAutomationID(ctx context.Context, subscriberID, sequenceID string) (string, error) {
	var id string
	err := d.Conn.QueryRowContext(ctx, `
		SELECT automation_id FROM nurture.automations
		WHERE subscriber_id = $1 AND sequence_id = $2 AND status IN ('active', 'paused')
	`, subscriberID, sequenceID).Scan(&id)
	if err != nil {
		return "", mapError(err, "Automation not found", "Failed to retrieve running automation")
	}
	return id, nil
}

func (d Datasource) GetAutomation(ctx context.Context, id string) (*model.Automation, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM nurture.automations WHERE automation_id = $1`, id)
	a, err := scanAutomation(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("Automation with ID '%s' not found", id), "Failed to retrieve automation")
	}
	return a, nil
}

// ClaimDue marks up to limit due automations as in progress and returns
// them ordered by next_email_at. A claim older than staleBefore is treated
// as abandoned and can be taken again. The status and due conditions are
// repeated in the outer statement so that a row changed between the
// subquery and the update is not claimed.
func (d Datasource) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.ClaimedAutomation, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Claiming due automations")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		UPDATE nurture.automations AS a
		SET processing_since = $1
		FROM nurture.subscribers AS s
		WHERE a.subscriber_id = s.subscriber_id
			AND a.automation_id IN (
				SELECT automation_id FROM nurture.automations
				WHERE status = 'active' AND next_email_at <= $1
					AND (processing_since IS NULL OR processing_since < $2)
				ORDER BY next_email_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			AND a.status = 'active' AND a.next_email_at <= $1
			AND (a.processing_since IS NULL OR a.processing_since < $2)
		RETURNING a.automation_id, a.subscriber_id, s.email, a.next_email_at
	`, now, staleBefore, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim due automations", err)
	}
	defer rows.Close()

	claimed := []model.ClaimedAutomation{}
	for rows.Next() {
		c := model.ClaimedAutomation{}
		if err := rows.Scan(&c.AutomationID, &c.SubscriberID, &c.Email, &c.NextEmailAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan claimed automation", err)
		}
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over claimed automations", err)
	}

	// RETURNING does not preserve the subquery order.
	sort.SliceStable(claimed, func(i, j int) bool {
		if claimed[i].NextEmailAt.Equal(claimed[j].NextEmailAt) {
			return claimed[i].AutomationID < claimed[j].AutomationID
		}
		return claimed[i].NextEmailAt.Before(claimed[j].NextEmailAt)
	})
	return claimed, nil
}

func (d Datasource) ReleaseClaims(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := d.Conn.ExecContext(ctx, `UPDATE nurture.automations SET processing_since = NULL WHERE automation_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to release claims", err)
	}
	return nil
}

// RecordSend stores a sent history row and advances the automation. A nil
// next completes the automation with reason sequence_completed.
func (d Datasource) RecordSend(ctx context.Context, id string, h model.EmailHistory, next *time.Time, now time.Time) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Recording sent email")
	defer span.End()

	return d.withTx(ctx, func(tx *sql.Tx) error {
		a, err := lockAutomation(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status != model.AutomationActive {
			return invalidTransition(a, "advance")
		}
		if a.CurrentEmailIndex != h.EmailOrder {
			return fmt.Errorf("automation %s is at email %d, not %d: %w", id, a.CurrentEmailIndex, h.EmailOrder, ErrInvalidTransition)
		}

		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}

		if next != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE nurture.automations
				SET current_email_index = current_email_index + 1, last_email_sent_at = $2, next_email_at = $3,
					processing_since = NULL, consecutive_failures = 0, updated_at = $2
				WHERE automation_id = $1
			`, id, now, *next)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE nurture.automations
				SET current_email_index = current_email_index + 1, last_email_sent_at = $2, next_email_at = NULL,
					status = 'completed', completed_at = $2, exit_reason = $3,
					processing_since = NULL, consecutive_failures = 0, updated_at = $2
				WHERE automation_id = $1
			`, id, now, model.ReasonSequenceCompleted)
		}
		if err != nil {
			return mapError(err, "Automation not found", "Failed to advance automation")
		}

		err = insertEvent(ctx, tx, model.AutomationEvent{
			AutomationID: &id,
			SubscriberID: a.SubscriberID,
			Kind:         model.EventEmailSent,
			Payload: map[string]interface{}{
				"template_key":        h.TemplateKey,
				"email_order":         h.EmailOrder,
				"attempt_key":         h.AttemptKey,
				"provider_message_id": h.ProviderMessageID,
			},
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		if next == nil {
			return insertCompletion(ctx, tx, a, model.AutomationCompleted, model.ReasonSequenceCompleted, now)
		}
		return nil
	})
}

// RecordSendFailure stores a failed history row. With a retry time the
// same email is rescheduled; without one the automation exits with send_failed.
func (d Datasource) RecordSendFailure(ctx context.Context, id string, h model.EmailHistory, retryAt *time.Time, now time.Time) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Recording failed email")
	defer span.End()

	return d.withTx(ctx, func(tx *sql.Tx) error {
		a, err := lockAutomation(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status != model.AutomationActive {
			return invalidTransition(a, "record failure for")
		}

		if err := insertHistory(ctx, tx, h); err != nil {
			return err
		}

		if retryAt != nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE nurture.automations
				SET next_email_at = $2, consecutive_failures = consecutive_failures + 1,
					processing_since = NULL, updated_at = $3
				WHERE automation_id = $1
			`, id, *retryAt, now)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE nurture.automations
				SET status = 'exited', next_email_at = NULL, completed_at = $2, exit_reason = $3,
					consecutive_failures = consecutive_failures + 1, processing_since = NULL, updated_at = $2
				WHERE automation_id = $1
			`, id, now, model.ReasonSendFailed)
		}
		if err != nil {
			return mapError(err, "Automation not found", "Failed to record send failure")
		}

		payload := map[string]interface{}{
			"template_key": h.TemplateKey,
			"email_order":  h.EmailOrder,
			"attempt_key":  h.AttemptKey,
			"error":        h.ErrorMessage,
			"failures":     a.ConsecutiveFailures + 1,
		}
		if retryAt != nil {
			payload["retry_at"] = retryAt.UTC().Format(time.RFC3339)
		}
		err = insertEvent(ctx, tx, model.AutomationEvent{
			AutomationID: &id,
			SubscriberID: a.SubscriberID,
			Kind:         model.EventEmailFailed,
			Payload:      payload,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}
		if retryAt == nil {
			return insertCompletion(ctx, tx, a, model.AutomationExited, model.ReasonSendFailed, now)
		}
		return nil
	})
}

// Terminate moves an active or paused automation to completed or exited.
func (d Datasource) Terminate(ctx context.Context, id string, status model.AutomationStatus, reason string, now time.Time) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Terminating automation")
	defer span.End()

	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal: %w", status, ErrInvalidTransition)
	}

	return d.withTx(ctx, func(tx *sql.Tx) error {
		a, err := lockAutomation(ctx, tx, id)
		if err != nil {
			return err
		}
		if !a.Status.Live() {
			return invalidTransition(a, "terminate")
		}
		if err := terminateTx(ctx, tx, id, status, reason, now); err != nil {
			return err
		}
		return insertCompletion(ctx, tx, a, status, reason, now)
	})
}

func terminateTx(ctx context.Context, tx *sql.Tx, id string, status model.AutomationStatus, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE nurture.automations
		SET status = $2, completed_at = $3, next_email_at = NULL, paused_due_at = NULL,
			exit_reason = $4, processing_since = NULL, updated_at = $3
		WHERE automation_id = $1
	`, id, status, now, reason)
	if err != nil {
		return mapError(err, "Automation not found", "Failed to terminate automation")
	}
	return nil
}

func insertCompletion(ctx context.Context, tx *sql.Tx, a *model.Automation, status model.AutomationStatus, reason string, now time.Time) error {
	id := a.AutomationID
	return insertEvent(ctx, tx, model.AutomationEvent{
		AutomationID: &id,
		SubscriberID: a.SubscriberID,
		Kind:         model.EventSequenceCompleted,
		Payload:      map[string]interface{}{"status": string(status), "reason": reason},
		CreatedAt:    now,
	})
}

// Pause stops an active automation and remembers the pending send time.
func (d Datasource) Pause(ctx context.Context, id, reason string, now time.Time) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Pausing automation")
	defer span.End()

	return d.withTx(ctx, func(tx *sql.Tx) error {
		a, err := lockAutomation(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status != model.AutomationActive {
			return invalidTransition(a, "pause")
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE nurture.automations
			SET status = 'paused', paused_at = $2, paused_due_at = next_email_at, next_email_at = NULL,
				processing_since = NULL, updated_at = $2
			WHERE automation_id = $1
		`, id, now)
		if err != nil {
			return mapError(err, "Automation not found", "Failed to pause automation")
		}

		payload := map[string]interface{}{"reason": reason}
		if a.NextEmailAt != nil {
			payload["due_at"] = a.NextEmailAt.UTC().Format(time.RFC3339)
		}
		return insertEvent(ctx, tx, model.AutomationEvent{
			AutomationID: &id,
			SubscriberID: a.SubscriberID,
			Kind:         model.EventSequencePaused,
			Payload:      payload,
			CreatedAt:    now,
		})
	})
}

// Resume reactivates a paused automation. The delay that was still
// outstanding at pause time is applied from now, so time spent paused does not count.
func (d Datasource) Resume(ctx context.Context, id, reason string, now time.Time) (time.Time, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Resuming automation")
	defer span.End()

	var next time.Time
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		a, err := lockAutomation(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.Status != model.AutomationPaused {
			return invalidTransition(a, "resume")
		}

		next = ResumeAt(a, now)
		_, err = tx.ExecContext(ctx, `
			UPDATE nurture.automations
			SET status = 'active', next_email_at = $2, paused_at = NULL, paused_due_at = NULL, updated_at = $3
			WHERE automation_id = $1
		`, id, next, now)
		if err != nil {
			return mapError(err, "Automation not found", "Failed to resume automation")
		}

		return insertEvent(ctx, tx, model.AutomationEvent{
			AutomationID: &id,
			SubscriberID: a.SubscriberID,
			Kind:         model.EventSequenceResumed,
			Payload: map[string]interface{}{
				"reason":        reason,
				"next_email_at": next.UTC().Format(time.RFC3339),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// ResumeAt computes the next send time of a paused automation resumed at now.
func ResumeAt(a *model.Automation, now time.Time) time.Time {
	if a.PausedAt == nil || a.PausedDueAt == nil {
		return now
	}
	remaining := a.PausedDueAt.Sub(*a.PausedAt)
	if remaining < 0 {
		remaining = 0
	}
	return now.Add(remaining)
}

// MoveToSequence exits a live automation with the given reason and starts
// the target sequence for the same subscriber in one transaction. If the
// subscriber already runs the target, its live id is returned.
func (d Datasource) MoveToSequence(ctx context.Context, id, targetSequenceID, reason string, now time.Time) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Moving automation to sequence")
	defer span.End()

	var newID string
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		a, err := lockAutomation(ctx, tx, id)
		if err != nil {
			return err
		}
		if !a.Status.Live() {
			return invalidTransition(a, "move")
		}
		if err := terminateTx(ctx, tx, id, model.AutomationExited, reason, now); err != nil {
			return err
		}
		err = insertEvent(ctx, tx, model.AutomationEvent{
			AutomationID: &id,
			SubscriberID: a.SubscriberID,
			Kind:         model.EventSequenceCompleted,
			Payload: map[string]interface{}{
				"status":             string(model.AutomationExited),
				"reason":             reason,
				"target_sequence_id": targetSequenceID,
			},
			CreatedAt: now,
		})
		if err != nil {
			return err
		}

		newID, err = startAutomationTx(ctx, tx, a.SubscriberID, targetSequenceID, now)
		var running *AlreadyRunningError
		if errors.As(err, &running) {
			newID = running.AutomationID
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

func (d Datasource) FindActiveForSubscriber(ctx context.Context, subscriberID string) ([]model.Automation, error) {
	return d.queryAutomations(ctx, `SELECT `+automationColumns+` FROM nurture.automations
		WHERE subscriber_id = $1 AND status IN ('active', 'paused') ORDER BY started_at, automation_id`, subscriberID)
}

func (d Datasource) GetAutomationsBySubscriber(ctx context.Context, subscriberID string) ([]model.Automation, error) {
	return d.queryAutomations(ctx, `SELECT `+automationColumns+` FROM nurture.automations
		WHERE subscriber_id = $1 ORDER BY started_at, automation_id`, subscriberID)
}

func (d Datasource) queryAutomations(ctx context.Context, query string, args ...interface{}) ([]model.Automation, error) {
	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve automations", err)
	}
	defer rows.Close()

	automations := []model.Automation{}
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan automation", err)
		}
		automations = append(automations, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over automations", err)
	}
	return automations, nil
}
