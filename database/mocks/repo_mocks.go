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
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Subscriber methods

func (m *MockDataSource) UpsertSubscriber(ctx context.Context, in model.SubscriberInput) (*model.Subscriber, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Subscriber), args.Error(1)
}

func (m *MockDataSource) GetSubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Subscriber), args.Error(1)
}

func (m *MockDataSource) GetSubscriberByID(ctx context.Context, id string) (*model.Subscriber, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Subscriber), args.Error(1)
}

func (m *MockDataSource) UpdateSubscriberScore(ctx context.Context, id string, score int) error {
	args := m.Called(ctx, id, score)
	return args.Error(0)
}

func (m *MockDataSource) UpdateSubscriberStatus(ctx context.Context, id string, status model.SubscriberStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

// Sequence methods

func (m *MockDataSource) SaveSequence(ctx context.Context, seq model.Sequence) error {
	args := m.Called(ctx, seq)
	return args.Error(0)
}

func (m *MockDataSource) GetAllSequences(ctx context.Context) ([]model.Sequence, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Sequence), args.Error(1)
}

// Automation methods

func (m *MockDataSource) StartAutomation(ctx context.Context, subscriberID, sequenceID string, now time.Time) (string, error) {
	args := m.Called(ctx, subscriberID, sequenceID, now)
	return args.String(0), args.Error(1)
}

func (m *MockDataSource) GetAutomation(ctx context.Context, id string) (*model.Automation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Automation), args.Error(1)
}

func (m *MockDataSource) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.ClaimedAutomation, error) {
	args := m.Called(ctx, now, staleBefore, limit)
	return args.Get(0).([]model.ClaimedAutomation), args.Error(1)
}

func (m *MockDataSource) ReleaseClaims(ctx context.Context, ids []string) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func (m *MockDataSource) RecordSend(ctx context.Context, id string, h model.EmailHistory, next *time.Time, now time.Time) error {
	args := m.Called(ctx, id, h, next, now)
	return args.Error(0)
}

func (m *MockDataSource) RecordSendFailure(ctx context.Context, id string, h model.EmailHistory, retryAt *time.Time, now time.Time) error {
	args := m.Called(ctx, id, h, retryAt, now)
	return args.Error(0)
}

func (m *MockDataSource) Terminate(ctx context.Context, id string, status model.AutomationStatus, reason string, now time.Time) error {
	args := m.Called(ctx, id, status, reason, now)
	return args.Error(0)
}

func (m *MockDataSource) Pause(ctx context.Context, id, reason string, now time.Time) error {
	args := m.Called(ctx, id, reason, now)
	return args.Error(0)
}

func (m *MockDataSource) Resume(ctx context.Context, id, reason string, now time.Time) (time.Time, error) {
	args := m.Called(ctx, id, reason, now)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockDataSource) MoveToSequence(ctx context.Context, id, targetSequenceID, reason string, now time.Time) (string, error) {
	args := m.Called(ctx, id, targetSequenceID, reason, now)
	return args.String(0), args.Error(1)
}

func (m *MockDataSource) FindActiveForSubscriber(ctx context.Context, subscriberID string) ([]model.Automation, error) {
	args := m.Called(ctx, subscriberID)
	return args.Get(0).([]model.Automation), args.Error(1)
}

func (m *MockDataSource) GetAutomationsBySubscriber(ctx context.Context, subscriberID string) ([]model.Automation, error) {
	args := m.Called(ctx, subscriberID)
	return args.Get(0).([]model.Automation), args.Error(1)
}

// History methods

func (m *MockDataSource) AppendHistory(ctx context.Context, h model.EmailHistory) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

func (m *MockDataSource) GetHistoryBySubscriber(ctx context.Context, subscriberID string) ([]model.EmailHistory, error) {
	args := m.Called(ctx, subscriberID)
	return args.Get(0).([]model.EmailHistory), args.Error(1)
}

func (m *MockDataSource) UpgradeHistoryStatus(ctx context.Context, providerMessageID string, status model.EmailStatus) (bool, error) {
	args := m.Called(ctx, providerMessageID, status)
	return args.Bool(0), args.Error(1)
}

// Event methods

func (m *MockDataSource) AppendEvent(ctx context.Context, e model.AutomationEvent) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockDataSource) GetEventsBySubscriber(ctx context.Context, subscriberID string) ([]model.AutomationEvent, error) {
	args := m.Called(ctx, subscriberID)
	return args.Get(0).([]model.AutomationEvent), args.Error(1)
}

// Booking methods

func (m *MockDataSource) RecordBooking(ctx context.Context, b model.Booking) (bool, error) {
	args := m.Called(ctx, b)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) CancelBooking(ctx context.Context, eventID string, at time.Time) (*model.Booking, bool, error) {
	args := m.Called(ctx, eventID, at)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Booking), args.Bool(1), args.Error(2)
}

func (m *MockDataSource) GetUnreconciledBookings(ctx context.Context, email string) ([]model.Booking, error) {
	args := m.Called(ctx, email)
	return args.Get(0).([]model.Booking), args.Error(1)
}

func (m *MockDataSource) MarkBookingReconciled(ctx context.Context, eventID string, at time.Time) error {
	args := m.Called(ctx, eventID, at)
	return args.Error(0)
}

func (m *MockDataSource) GetBooking(ctx context.Context, eventID string) (*model.Booking, error) {
	args := m.Called(ctx, eventID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Booking), args.Error(1)
}

func (m *MockDataSource) MarkCancellationApplied(ctx context.Context, eventID string, at time.Time) error {
	args := m.Called(ctx, eventID, at)
	return args.Error(0)
}
