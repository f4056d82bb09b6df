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

package nurture

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

var (
	// ErrNoEligibleSequence means no sequence accepts the subscriber. The
	// subscriber is still stored.
	ErrNoEligibleSequence = errors.New("no eligible sequence")

	// ErrSubscriberUnsubscribed rejects intake and manual starts for an
	// unsubscribed email.
	ErrSubscriberUnsubscribed = errors.New("subscriber is unsubscribed")
)

type EnrollRequest struct {
	Email          string
	FirstName      string
	LastName       string
	LeadScore      int
	ClientProfile  model.ClientProfile
	SubmissionKind string
	MetaData       map[string]interface{}
}

type EnrollResult struct {
	SubscriberID   string `json:"subscriber_id"`
	AutomationID   string `json:"automation_id,omitempty"`
	SequenceID     string `json:"sequence_id,omitempty"`
	AlreadyRunning bool   `json:"already_running"`
}

func (r EnrollRequest) validate() error {
	if model.NormalizeEmail(r.Email) == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "email is required", nil)
	}
	if !r.ClientProfile.Valid() {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown client profile %q", r.ClientProfile), nil)
	}
	if r.LeadScore < model.MinLeadScore || r.LeadScore > model.MaxLeadScore {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("lead score %d is outside %d..%d", r.LeadScore, model.MinLeadScore, model.MaxLeadScore), nil)
	}
	return nil
}

// Enroll stores the subscriber, picks the best-fit sequence and starts it.
// The first email is left to the scheduler, which is kicked before
// returning. Enrolling a subscriber that already runs the picked sequence
// returns the live automation with AlreadyRunning set.
func (e *Engine) Enroll(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	ctx, span := tracer.Start(ctx, "Enrolling subscriber")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	email := model.NormalizeEmail(req.Email)

	unlock, err := e.locker.Lock(ctx, email)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := e.ensureNotUnsubscribed(ctx, email); err != nil {
		return nil, err
	}

	sub, err := e.datasource.UpsertSubscriber(ctx, model.SubscriberInput{
		Email:          email,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		LeadScore:      req.LeadScore,
		ClientProfile:  req.ClientProfile,
		SubmissionKind: req.SubmissionKind,
		MetaData:       req.MetaData,
	})
	if err != nil {
		return nil, err
	}

	result := &EnrollResult{SubscriberID: sub.SubscriberID}
	sequenceID, ok := Pick(e.registry, sub.ClientProfile, sub.LeadScore)
	if !ok {
		logrus.WithFields(logrus.Fields{"subscriber": email, "score": sub.LeadScore, "profile": sub.ClientProfile}).
			Info("no eligible sequence for subscriber")
		return result, ErrNoEligibleSequence
	}

	if err := e.start(ctx, sub, sequenceID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// StartSequence starts a named sequence for an existing subscriber. It
// bypasses the selector, so manual and tag-started sequences can be used.
func (e *Engine) StartSequence(ctx context.Context, email, sequenceID string) (*EnrollResult, error) {
	ctx, span := tracer.Start(ctx, "Starting sequence")
	defer span.End()

	if _, err := e.registry.Get(sequenceID); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Sequence with ID '%s' not found", sequenceID), err)
	}
	email = model.NormalizeEmail(email)

	unlock, err := e.locker.Lock(ctx, email)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := e.datasource.GetSubscriberByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubscriberUnsubscribed {
		return nil, ErrSubscriberUnsubscribed
	}

	result := &EnrollResult{SubscriberID: sub.SubscriberID}
	if err := e.start(ctx, sub, sequenceID, result); err != nil {
		return nil, err
	}
	return result, nil
}

// start must be called with the subscriber lock held.
func (e *Engine) start(ctx context.Context, sub *model.Subscriber, sequenceID string, result *EnrollResult) error {
	id, err := e.datasource.StartAutomation(ctx, sub.SubscriberID, sequenceID, e.now())
	switch {
	case errors.Is(err, database.ErrAlreadyRunning):
		result.AlreadyRunning = true
	case err != nil:
		return err
	}
	result.AutomationID = id
	result.SequenceID = sequenceID

	log := logrus.WithFields(logrus.Fields{"automation_id": id, "subscriber": sub.Email, "sequence_id": sequenceID})
	if result.AlreadyRunning {
		log.Info("subscriber already runs sequence")
		return nil
	}
	log.Info("automation started")

	if err := e.reconcileBookings(ctx, sub); err != nil {
		log.Errorf("failed to reconcile bookings: %v", err)
	}
	e.Kick()
	return nil
}

func (e *Engine) ensureNotUnsubscribed(ctx context.Context, email string) error {
	existing, err := e.datasource.GetSubscriberByEmail(ctx, email)
	if apierror.IsCode(err, apierror.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Status == model.SubscriberUnsubscribed {
		return ErrSubscriberUnsubscribed
	}
	return nil
}

// reconcileBookings applies bookings that arrived before the subscriber
// existed. Each booking is applied once and then marked reconciled.
func (e *Engine) reconcileBookings(ctx context.Context, sub *model.Subscriber) error {
	bookings, err := e.datasource.GetUnreconciledBookings(ctx, sub.Email)
	if err != nil {
		return err
	}

	var errs []error
	for _, b := range bookings {
		event := model.BookingCreated{
			EventID:          b.EventID,
			Email:            b.Email,
			ConsultationKind: b.ConsultationKind,
			BookedAt:         b.BookedAt,
		}
		if err := e.applyToSubscriber(ctx, sub, event); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.datasource.MarkBookingReconciled(ctx, b.EventID, e.now()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unsubscribe marks the subscriber unsubscribed and exits every live
// automation with reason unsubscribed.
func (e *Engine) Unsubscribe(ctx context.Context, email string) error {
	ctx, span := tracer.Start(ctx, "Unsubscribing subscriber")
	defer span.End()

	email = model.NormalizeEmail(email)
	unlock, err := e.locker.Lock(ctx, email)
	if err != nil {
		return err
	}
	defer unlock()

	sub, err := e.datasource.GetSubscriberByEmail(ctx, email)
	if err != nil {
		return err
	}
	if err := e.datasource.UpdateSubscriberStatus(ctx, sub.SubscriberID, model.SubscriberUnsubscribed); err != nil {
		return err
	}

	live, err := e.datasource.FindActiveForSubscriber(ctx, sub.SubscriberID)
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range live {
		err := e.datasource.Terminate(ctx, a.AutomationID, model.AutomationExited, model.ReasonUnsubscribed, e.now())
		if err != nil && !errors.Is(err, database.ErrInvalidTransition) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
