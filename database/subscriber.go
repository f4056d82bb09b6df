package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

const subscriberCacheTTL = 24 * time.Hour

const subscriberColumns = `subscriber_id, email, COALESCE(first_name, ''), COALESCE(last_name, ''), lead_score, client_profile, submission_kind, status, created_at, updated_at, meta_data`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscriber(row rowScanner) (*model.Subscriber, error) {
	sub := &model.Subscriber{}
	var metaDataJSON []byte
	err := row.Scan(&sub.SubscriberID, &sub.Email, &sub.FirstName, &sub.LastName, &sub.LeadScore,
		&sub.ClientProfile, &sub.SubmissionKind, &sub.Status, &sub.CreatedAt, &sub.UpdatedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &sub.MetaData); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func subscriberCacheKey(email string) string {
	return "subscriber_email:" + email
}

// UpsertSubscriber creates the subscriber for an email or refreshes the
// intake fields of the existing one. Status is left untouched on update.
func (d Datasource) UpsertSubscriber(ctx context.Context, in model.SubscriberInput) (*model.Subscriber, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Upserting subscriber")
	defer span.End()

	if in.MetaData == nil {
		in.MetaData = map[string]interface{}{}
	}
	metaDataJSON, err := json.Marshal(in.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	row := d.Conn.QueryRowContext(ctx, `
		INSERT INTO nurture.subscribers (subscriber_id, email, first_name, last_name, lead_score, client_profile, submission_kind, status, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8)
		ON CONFLICT (email) DO UPDATE SET
			first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), nurture.subscribers.first_name),
			last_name = COALESCE(NULLIF(EXCLUDED.last_name, ''), nurture.subscribers.last_name),
			lead_score = EXCLUDED.lead_score,
			client_profile = EXCLUDED.client_profile,
			submission_kind = EXCLUDED.submission_kind,
			meta_data = COALESCE(nurture.subscribers.meta_data, '{}'::jsonb) || COALESCE(EXCLUDED.meta_data, '{}'::jsonb),
			updated_at = NOW()
		RETURNING `+subscriberColumns,
		model.GenerateUUIDWithSuffix("sub"), model.NormalizeEmail(in.Email), in.FirstName, in.LastName,
		in.LeadScore, in.ClientProfile, in.SubmissionKind, metaDataJSON)

	sub, err := scanSubscriber(row)
	if err != nil {
		return nil, mapError(err, "Subscriber not found", "Failed to upsert subscriber")
	}
	return sub, nil
}

// GetSubscriberByEmail resolves a subscriber by normalized email. The
// email to id mapping never changes, so it is served from the cache when one is configured.
func (d Datasource) GetSubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Fetching subscriber by email")
	defer span.End()

	email = model.NormalizeEmail(email)
	if d.Cache != nil {
		var id string
		if err := d.Cache.Get(ctx, subscriberCacheKey(email), &id); err == nil && id != "" {
			return d.GetSubscriberByID(ctx, id)
		}
	}

	row := d.Conn.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM nurture.subscribers WHERE email = $1`, email)
	sub, err := scanSubscriber(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("Subscriber with email '%s' not found", email), "Failed to retrieve subscriber")
	}

	if d.Cache != nil {
		_ = d.Cache.Set(ctx, subscriberCacheKey(email), sub.SubscriberID, subscriberCacheTTL)
	}
	return sub, nil
}

func (d Datasource) GetSubscriberByID(ctx context.Context, id string) (*model.Subscriber, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM nurture.subscribers WHERE subscriber_id = $1`, id)
	sub, err := scanSubscriber(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("Subscriber with ID '%s' not found", id), "Failed to retrieve subscriber")
	}
	return sub, nil
}

func (d Datasource) UpdateSubscriberScore(ctx context.Context, id string, score int) error {
	return d.updateSubscriber(ctx, `UPDATE nurture.subscribers SET lead_score = $2, updated_at = NOW() WHERE subscriber_id = $1`, id, score)
}

func (d Datasource) UpdateSubscriberStatus(ctx context.Context, id string, status model.SubscriberStatus) error {
	return d.updateSubscriber(ctx, `UPDATE nurture.subscribers SET status = $2, updated_at = NOW() WHERE subscriber_id = $1`, id, status)
}

func (d Datasource) updateSubscriber(ctx context.Context, query, id string, value interface{}) error {
	result, err := d.Conn.ExecContext(ctx, query, id, value)
	if err != nil {
		return mapError(err, "Subscriber not found", "Failed to update subscriber")
	}
	return expectOneRow(result, sql.ErrNoRows, "Subscriber not found")
}

// expectOneRow turns a zero-row update into the given error.
func expectOneRow(result sql.Result, cause error, message string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if n == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, message, cause)
	}
	return nil
}
