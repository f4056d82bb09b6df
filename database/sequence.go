package database

import (
	"context"
	"database/sql"

	"go.opentelemetry.io/otel"

	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// SaveSequence writes a definition, replacing its emails and exit triggers.
func (d Datasource) SaveSequence(ctx context.Context, seq model.Sequence) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Saving sequence definition")
	defer span.End()

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO nurture.sequences (sequence_id, name, trigger_kind, client_profile, min_score, max_score)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence_id) DO UPDATE SET
			name = EXCLUDED.name,
			trigger_kind = EXCLUDED.trigger_kind,
			client_profile = EXCLUDED.client_profile,
			min_score = EXCLUDED.min_score,
			max_score = EXCLUDED.max_score
	`, seq.SequenceID, seq.Name, seq.TriggerKind, seq.ClientProfile, seq.MinScore, seq.MaxScore)
	if err != nil {
		return mapError(err, "Sequence not found", "Failed to save sequence")
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM nurture.sequence_emails WHERE sequence_id = $1`, seq.SequenceID); err != nil {
		return mapError(err, "Sequence not found", "Failed to replace sequence emails")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM nurture.exit_triggers WHERE sequence_id = $1`, seq.SequenceID); err != nil {
		return mapError(err, "Sequence not found", "Failed to replace exit triggers")
	}

	for _, e := range seq.Emails {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nurture.sequence_emails (sequence_id, template_key, email_order, delay_hours, subject, active)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, seq.SequenceID, e.TemplateKey, e.EmailOrder, e.DelayHours, e.Subject, e.Active)
		if err != nil {
			return mapError(err, "Sequence not found", "Failed to save sequence email")
		}
	}

	for i, t := range seq.ExitTriggers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO nurture.exit_triggers (sequence_id, position, trigger_kind, trigger_value, action, target_sequence_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, seq.SequenceID, i, t.TriggerKind, t.TriggerValue, t.Action, t.TargetSequenceID)
		if err != nil {
			return mapError(err, "Sequence not found", "Failed to save exit trigger")
		}
	}

	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}

// GetAllSequences loads every definition with its emails in email_order
// and its exit triggers in declaration order.
func (d Datasource) GetAllSequences(ctx context.Context) ([]model.Sequence, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Loading sequence definitions")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT sequence_id, name, trigger_kind, client_profile, min_score, max_score, created_at
		FROM nurture.sequences
		ORDER BY sequence_id
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve sequences", err)
	}
	defer rows.Close()

	sequences := []model.Sequence{}
	index := map[string]int{}
	for rows.Next() {
		seq := model.Sequence{}
		err = rows.Scan(&seq.SequenceID, &seq.Name, &seq.TriggerKind, &seq.ClientProfile, &seq.MinScore, &seq.MaxScore, &seq.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan sequence", err)
		}
		index[seq.SequenceID] = len(sequences)
		sequences = append(sequences, seq)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over sequences", err)
	}

	emailRows, err := d.Conn.QueryContext(ctx, `
		SELECT sequence_id, template_key, email_order, delay_hours, subject, active
		FROM nurture.sequence_emails
		ORDER BY sequence_id, email_order
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve sequence emails", err)
	}
	defer emailRows.Close()

	for emailRows.Next() {
		var seqID string
		e := model.SequenceEmail{}
		if err = emailRows.Scan(&seqID, &e.TemplateKey, &e.EmailOrder, &e.DelayHours, &e.Subject, &e.Active); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan sequence email", err)
		}
		if i, ok := index[seqID]; ok {
			sequences[i].Emails = append(sequences[i].Emails, e)
		}
	}
	if err = emailRows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over sequence emails", err)
	}

	triggerRows, err := d.Conn.QueryContext(ctx, `
		SELECT sequence_id, trigger_kind, trigger_value, action, target_sequence_id
		FROM nurture.exit_triggers
		ORDER BY sequence_id, position
	`)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve exit triggers", err)
	}
	defer triggerRows.Close()

	for triggerRows.Next() {
		var (
			seqID       string
			value       sql.NullString
			targetSeqID sql.NullString
			exitTrigger model.ExitTrigger
		)
		if err = triggerRows.Scan(&seqID, &exitTrigger.TriggerKind, &value, &exitTrigger.Action, &targetSeqID); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan exit trigger", err)
		}
		if value.Valid {
			exitTrigger.TriggerValue = &value.String
		}
		if targetSeqID.Valid {
			exitTrigger.TargetSequenceID = &targetSeqID.String
		}
		if i, ok := index[seqID]; ok {
			sequences[i].ExitTriggers = append(sequences[i].ExitTriggers, exitTrigger)
		}
	}
	if err = triggerRows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over exit triggers", err)
	}

	return sequences, nil
}
