package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

var subscriberColumnNames = []string{
	"subscriber_id", "email", "first_name", "last_name", "lead_score", "client_profile",
	"submission_kind", "status", "created_at", "updated_at", "meta_data",
}

var bookingColumnNames = []string{
	"external_event_id", "email", "consultation_kind", "booked_at", "canceled_at",
	"reconciled_at", "cancel_applied_at", "created_at",
}

type fakeCache struct {
	values map[string]string
}

func (f *fakeCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.values[key] = value.(string)
	return nil
}

func (f *fakeCache) Get(_ context.Context, key string, data interface{}) error {
	if v, ok := f.values[key]; ok {
		*(data.(*string)) = v
	}
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	delete(f.values, key)
	return nil
}

func TestUpsertSubscriber_NormalizesEmail(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()
	first := gofakeit.FirstName()

	mock.ExpectQuery("INSERT INTO nurture.subscribers").
		WithArgs(sqlmock.AnyArg(), "a@x.com", first, "", 75, model.ProfileStartup, "contact", []byte("{}")).
		WillReturnRows(sqlmock.NewRows(subscriberColumnNames).
			AddRow("sub_1", "a@x.com", first, "", 75, "startup", "contact", "active", now, now, []byte("{}")))

	sub, err := ds.UpsertSubscriber(context.Background(), model.SubscriberInput{
		Email:          " A@X.com",
		FirstName:      first,
		LeadScore:      75,
		ClientProfile:  model.ProfileStartup,
		SubmissionKind: "contact",
	})
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.SubscriberID)
	assert.Equal(t, model.SubscriberActive, sub.Status)
	assert.Equal(t, 75, sub.LeadScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriberByEmail_NotFound(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectQuery("SELECT .* FROM nurture.subscribers WHERE email = \\$1").
		WithArgs("ghost@x.com").
		WillReturnError(sql.ErrNoRows)

	_, err := ds.GetSubscriberByEmail(context.Background(), "Ghost@X.com")
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriberByEmail_UsesCache(t *testing.T) {
	ds, mock := newMockDatasource(t)
	ds.Cache = &fakeCache{values: map[string]string{}}
	now := time.Now()

	mock.ExpectQuery("SELECT .* FROM nurture.subscribers WHERE email = \\$1").
		WithArgs("a@x.com").
		WillReturnRows(sqlmock.NewRows(subscriberColumnNames).
			AddRow("sub_1", "a@x.com", "", "", 40, "family", "contact", "active", now, now, nil))
	mock.ExpectQuery("SELECT .* FROM nurture.subscribers WHERE subscriber_id = \\$1").
		WithArgs("sub_1").
		WillReturnRows(sqlmock.NewRows(subscriberColumnNames).
			AddRow("sub_1", "a@x.com", "", "", 55, "family", "contact", "active", now, now, nil))

	first, err := ds.GetSubscriberByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 40, first.LeadScore)

	second, err := ds.GetSubscriberByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 55, second.LeadScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSubscriberStatus_NotFound(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectExec("UPDATE nurture.subscribers SET status").
		WithArgs("sub_missing", model.SubscriberUnsubscribed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := ds.UpdateSubscriberStatus(context.Background(), "sub_missing", model.SubscriberUnsubscribed)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestRecordBooking_Dedup(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()
	b := model.Booking{EventID: "cal_1", Email: "B@X.com", ConsultationKind: "strategy", BookedAt: now, CreatedAt: now}

	mock.ExpectExec("INSERT INTO nurture.bookings").
		WithArgs("cal_1", "b@x.com", "strategy", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO nurture.bookings").
		WithArgs("cal_1", "b@x.com", "strategy", now, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := ds.RecordBooking(context.Background(), b)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = ds.RecordBooking(context.Background(), b)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBooking_AlreadyCanceled(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()

	mock.ExpectQuery("UPDATE nurture.bookings SET canceled_at").
		WithArgs("cal_1", now).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM nurture.bookings WHERE external_event_id = \\$1").
		WithArgs("cal_1").
		WillReturnRows(sqlmock.NewRows(bookingColumnNames).AddRow("cal_1", "b@x.com", "strategy", now, now, nil, nil, now))

	b, changed, err := ds.CancelBooking(context.Background(), "cal_1", now)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "b@x.com", b.Email)
	assert.NotNil(t, b.CanceledAt)
	assert.Nil(t, b.CancelAppliedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBooking(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()

	mock.ExpectQuery("SELECT .* FROM nurture.bookings WHERE external_event_id = \\$1").
		WithArgs("cal_1").
		WillReturnRows(sqlmock.NewRows(bookingColumnNames).AddRow("cal_1", "b@x.com", "", now, nil, nil, nil, now))
	mock.ExpectQuery("SELECT .* FROM nurture.bookings WHERE external_event_id = \\$1").
		WithArgs("cal_missing").
		WillReturnError(sql.ErrNoRows)

	b, err := ds.GetBooking(context.Background(), "cal_1")
	require.NoError(t, err)
	assert.Nil(t, b.ReconciledAt)
	assert.Nil(t, b.CanceledAt)

	_, err = ds.GetBooking(context.Background(), "cal_missing")
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCancellationApplied(t *testing.T) {
	ds, mock := newMockDatasource(t)
	now := time.Now()

	mock.ExpectExec("UPDATE nurture.bookings SET cancel_applied_at").
		WithArgs("cal_1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE nurture.bookings SET cancel_applied_at").
		WithArgs("cal_missing", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, ds.MarkCancellationApplied(context.Background(), "cal_1", now))
	err := ds.MarkCancellationApplied(context.Background(), "cal_missing", now)
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpgradeHistoryStatus(t *testing.T) {
	ds, mock := newMockDatasource(t)

	mock.ExpectExec("UPDATE nurture.email_history SET status").
		WithArgs("msg_1", model.EmailClicked, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	changed, err := ds.UpgradeHistoryStatus(context.Background(), "msg_1", model.EmailClicked)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = ds.UpgradeHistoryStatus(context.Background(), "msg_1", model.EmailFailed)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
