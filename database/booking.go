package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

const bookingColumns = `external_event_id, email, COALESCE(consultation_kind, ''), booked_at, canceled_at, reconciled_at, cancel_applied_at, created_at`

func scanBooking(row rowScanner) (*model.Booking, error) {
	b := &model.Booking{}
	var canceledAt, reconciledAt, cancelAppliedAt sql.NullTime
	if err := row.Scan(&b.EventID, &b.Email, &b.ConsultationKind, &b.BookedAt, &canceledAt, &reconciledAt, &cancelAppliedAt, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.CanceledAt = nullTime(canceledAt)
	b.ReconciledAt = nullTime(reconciledAt)
	b.CancelAppliedAt = nullTime(cancelAppliedAt)
	return b, nil
}

// RecordBooking stores a booking keyed by its external event id. It returns
// false without error when the event id was already recorded.
func (d Datasource) RecordBooking(ctx context.Context, b model.Booking) (bool, error) {
	result, err := d.Conn.ExecContext(ctx, `
		INSERT INTO nurture.bookings (external_event_id, email, consultation_kind, booked_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_event_id) DO NOTHING
	`, b.EventID, model.NormalizeEmail(b.Email), b.ConsultationKind, b.BookedAt, b.CreatedAt)
	if err != nil {
		return false, mapError(err, "Booking not found", "Failed to record booking")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	return n == 1, nil
}

// CancelBooking sets canceled_at once. The boolean is false when the
// booking had already been canceled.
func (d Datasource) CancelBooking(ctx context.Context, eventID string, at time.Time) (*model.Booking, bool, error) {
	row := d.Conn.QueryRowContext(ctx, `
		UPDATE nurture.bookings SET canceled_at = $2
		WHERE external_event_id = $1 AND canceled_at IS NULL
		RETURNING `+bookingColumns, eventID, at)
	b, err := scanBooking(row)
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to cancel booking", err)
	}

	b, err = d.GetBooking(ctx, eventID)
	if err != nil {
		return nil, false, err
	}
	return b, false, nil
}

func (d Datasource) GetBooking(ctx context.Context, eventID string) (*model.Booking, error) {
	row := d.Conn.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM nurture.bookings WHERE external_event_id = $1`, eventID)
	b, err := scanBooking(row)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("Booking with event ID '%s' not found", eventID), "Failed to retrieve booking")
	}
	return b, nil
}

func (d Datasource) GetUnreconciledBookings(ctx context.Context, email string) ([]model.Booking, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+bookingColumns+`
		FROM nurture.bookings
		WHERE email = $1 AND reconciled_at IS NULL AND canceled_at IS NULL
		ORDER BY booked_at
	`, model.NormalizeEmail(email))
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve bookings", err)
	}
	defer rows.Close()

	bookings := []model.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan booking", err)
		}
		bookings = append(bookings, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over bookings", err)
	}
	return bookings, nil
}

func (d Datasource) MarkBookingReconciled(ctx context.Context, eventID string, at time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `UPDATE nurture.bookings SET reconciled_at = $2 WHERE external_event_id = $1`, eventID, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to reconcile booking", err)
	}
	return expectOneRow(result, sql.ErrNoRows, fmt.Sprintf("Booking with event ID '%s' not found", eventID))
}

// MarkCancellationApplied records that the exit triggers for a canceled
// booking ran. Until then a redelivered cancellation is applied again.
func (d Datasource) MarkCancellationApplied(ctx context.Context, eventID string, at time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `UPDATE nurture.bookings SET cancel_applied_at = $2 WHERE external_event_id = $1`, eventID, at)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark cancellation applied", err)
	}
	return expectOneRow(result, sql.ErrNoRows, fmt.Sprintf("Booking with event ID '%s' not found", eventID))
}
