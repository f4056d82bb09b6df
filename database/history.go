package database

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertHistory(ctx context.Context, db execer, h model.EmailHistory) error {
	if h.HistoryID == "" {
		h.HistoryID = model.GenerateUUIDWithSuffix("hst")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO nurture.email_history (history_id, automation_id, subscriber_id, template_key, subject, email_order, status, sent_at, error_message, attempt_key, provider_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, NULLIF($11, ''), $12)
	`, h.HistoryID, h.AutomationID, h.SubscriberID, h.TemplateKey, h.Subject, h.EmailOrder, h.Status,
		h.SentAt, h.ErrorMessage, h.AttemptKey, h.ProviderMessageID, h.CreatedAt)
	if err != nil {
		return mapError(err, "Automation not found", "Failed to record email history")
	}
	return nil
}

func (d Datasource) AppendHistory(ctx context.Context, h model.EmailHistory) error {
	return insertHistory(ctx, d.Conn, h)
}

func (d Datasource) GetHistoryBySubscriber(ctx context.Context, subscriberID string) ([]model.EmailHistory, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Fetching email history")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT history_id, automation_id, subscriber_id, template_key, subject, email_order, status, sent_at,
			COALESCE(error_message, ''), attempt_key, COALESCE(provider_message_id, ''), created_at
		FROM nurture.email_history
		WHERE subscriber_id = $1
		ORDER BY created_at, id
	`, subscriberID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve email history", err)
	}
	defer rows.Close()

	history := []model.EmailHistory{}
	for rows.Next() {
		h := model.EmailHistory{}
		var sentAt sql.NullTime
		err = rows.Scan(&h.HistoryID, &h.AutomationID, &h.SubscriberID, &h.TemplateKey, &h.Subject, &h.EmailOrder,
			&h.Status, &sentAt, &h.ErrorMessage, &h.AttemptKey, &h.ProviderMessageID, &h.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan email history", err)
		}
		h.SentAt = nullTime(sentAt)
		history = append(history, h)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over email history", err)
	}
	return history, nil
}

// UpgradeHistoryStatus moves the rows of a provider message forward along
// sent, opened, clicked. It reports whether any row changed.
func (d Datasource) UpgradeHistoryStatus(ctx context.Context, providerMessageID string, status model.EmailStatus) (bool, error) {
	from := []string{}
	for _, s := range []model.EmailStatus{model.EmailSent, model.EmailOpened} {
		if s.CanUpgradeTo(status) {
			from = append(from, string(s))
		}
	}
	if len(from) == 0 {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, "Status is not an engagement upgrade", status)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE nurture.email_history SET status = $2
		WHERE provider_message_id = $1 AND status = ANY($3)
	`, providerMessageID, status, pq.Array(from))
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update email status", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return n > 0, nil
}
