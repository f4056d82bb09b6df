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
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// OnEvent accepts an external event. With a queue configured the event is
// enqueued on the shard of its key and applied by a worker; otherwise it is
// applied before returning.
func (e *Engine) OnEvent(ctx context.Context, event model.Event) error {
	if e.queue != nil {
		return e.queue.EnqueueEvent(ctx, event)
	}
	return e.HandleEvent(ctx, event)
}

// HandleEvent applies an external event to the automations it concerns.
func (e *Engine) HandleEvent(ctx context.Context, event model.Event) error {
	ctx, span := tracer.Start(ctx, "Handling event", trace.WithAttributes(
		attribute.String("event.kind", event.Kind()),
	))
	defer span.End()

	switch ev := event.(type) {
	case model.BookingCreated:
		return e.handleBookingCreated(ctx, ev)
	case model.BookingCanceled:
		return e.handleBookingCanceled(ctx, ev)
	case model.TagChanged:
		return e.handleForEmail(ctx, ev.Email, ev)
	case model.EmailReplied:
		return e.handleForEmail(ctx, ev.Email, ev)
	case model.ScoreReached:
		return e.handleScoreReached(ctx, ev)
	case model.ManualControl:
		return e.handleManual(ctx, ev)
	default:
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unsupported event kind %q", event.Kind()), nil)
	}
}

func (e *Engine) handleBookingCreated(ctx context.Context, ev model.BookingCreated) error {
	if ev.EventID == "" || model.NormalizeEmail(ev.Email) == "" {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "booking requires an event id and an email", nil)
	}
	email := model.NormalizeEmail(ev.Email)
	if ev.BookedAt.IsZero() {
		ev.BookedAt = e.now()
	}

	unlock, err := e.locker.Lock(ctx, email)
	if err != nil {
		return err
	}
	defer unlock()

	inserted, err := e.datasource.RecordBooking(ctx, model.Booking{
		EventID:          ev.EventID,
		Email:            email,
		ConsultationKind: ev.ConsultationKind,
		BookedAt:         ev.BookedAt,
		CreatedAt:        e.now(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		// A redelivery is only a duplicate once the first delivery was
		// applied; otherwise it retries the apply.
		stored, err := e.datasource.GetBooking(ctx, ev.EventID)
		if err != nil {
			return err
		}
		if stored.ReconciledAt != nil || stored.CanceledAt != nil {
			logrus.WithField("event_id", ev.EventID).Info("duplicate booking ignored")
			return nil
		}
		logrus.WithField("event_id", ev.EventID).Info("reapplying booking that was not reconciled")
	}

	sub, err := e.datasource.GetSubscriberByEmail(ctx, email)
	if apierror.IsCode(err, apierror.ErrNotFound) {
		logrus.WithField("subscriber", email).Info("booking for unknown subscriber kept for reconciliation")
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.applyToSubscriber(ctx, sub, ev); err != nil {
		return err
	}
	return e.datasource.MarkBookingReconciled(ctx, ev.EventID, e.now())
}

func (e *Engine) handleBookingCanceled(ctx context.Context, ev model.BookingCanceled) error {
	if ev.CanceledAt.IsZero() {
		ev.CanceledAt = e.now()
	}
	booking, changed, err := e.datasource.CancelBooking(ctx, ev.EventID, ev.CanceledAt)
	if err != nil {
		return err
	}
	if !changed && booking.CancelAppliedAt != nil {
		logrus.WithField("event_id", ev.EventID).Info("booking already canceled")
		return nil
	}
	if err := e.handleForEmail(ctx, booking.Email, canceledBooking{BookingCanceled: ev, consultationKind: booking.ConsultationKind}); err != nil {
		return err
	}
	return e.datasource.MarkCancellationApplied(ctx, ev.EventID, e.now())
}

// canceledBooking carries the consultation kind of the canceled booking so
// that trigger values can filter on it.
type canceledBooking struct {
	model.BookingCanceled
	consultationKind string
}

func (e *Engine) handleScoreReached(ctx context.Context, ev model.ScoreReached) error {
	if ev.Score < model.MinLeadScore || ev.Score > model.MaxLeadScore {
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("lead score %d is outside %d..%d", ev.Score, model.MinLeadScore, model.MaxLeadScore), nil)
	}
	return e.handleForEmail(ctx, ev.Email, ev)
}

// handleForEmail resolves the subscriber and applies the event under the
// subscriber lock. Events for unknown emails are ignored.
func (e *Engine) handleForEmail(ctx context.Context, email string, event model.Event) error {
	email = model.NormalizeEmail(email)
	unlock, err := e.locker.Lock(ctx, email)
	if err != nil {
		return err
	}
	defer unlock()

	sub, err := e.datasource.GetSubscriberByEmail(ctx, email)
	if apierror.IsCode(err, apierror.ErrNotFound) {
		logrus.WithFields(logrus.Fields{"subscriber": email, "event": event.Kind()}).Info("event for unknown subscriber ignored")
		return nil
	}
	if err != nil {
		return err
	}

	if ev, ok := event.(model.ScoreReached); ok {
		previous := sub.LeadScore
		if err := e.datasource.UpdateSubscriberScore(ctx, sub.SubscriberID, ev.Score); err != nil {
			return err
		}
		sub.LeadScore = ev.Score
		event = scoreChange{ScoreReached: ev, previous: previous}
	}
	return e.applyToSubscriber(ctx, sub, event)
}

// scoreChange carries the score the subscriber had before the event.
type scoreChange struct {
	model.ScoreReached
	previous int
}

// triggerInput is what an exit trigger is matched against.
type triggerInput struct {
	kind     model.TriggerKind
	value    string
	score    int
	previous int
}

func inputFor(event model.Event) (triggerInput, bool) {
	switch ev := event.(type) {
	case model.BookingCreated:
		return triggerInput{kind: model.TriggerConsultationBooked, value: ev.ConsultationKind}, true
	case canceledBooking:
		return triggerInput{kind: model.TriggerBookingCanceled, value: ev.consultationKind}, true
	case model.TagChanged:
		if ev.Added {
			return triggerInput{kind: model.TriggerTagAdded, value: ev.Tag}, true
		}
		return triggerInput{kind: model.TriggerTagRemoved, value: ev.Tag}, true
	case model.EmailReplied:
		return triggerInput{kind: model.TriggerEmailReplied}, true
	case scoreChange:
		return triggerInput{kind: model.TriggerLeadScoreIncreased, score: ev.Score, previous: ev.previous}, true
	}
	return triggerInput{}, false
}

// matches reports whether t fires for the input. Score triggers fire only
// on an increase, and with a value only when the score crosses it from
// below. Other triggers without a value match every event of their kind;
// with a value they compare it case-insensitively.
func (in triggerInput) matches(t model.ExitTrigger) bool {
	if t.TriggerKind != in.kind {
		return false
	}
	if in.kind == model.TriggerLeadScoreIncreased {
		if in.score <= in.previous {
			return false
		}
		if t.TriggerValue == nil {
			return true
		}
		threshold, err := strconv.Atoi(strings.TrimSpace(*t.TriggerValue))
		return err == nil && in.previous < threshold && in.score >= threshold
	}
	if t.TriggerValue == nil {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(*t.TriggerValue), strings.TrimSpace(in.value))
}

func firstMatch(seq *model.Sequence, in triggerInput) (model.ExitTrigger, bool) {
	for _, t := range seq.ExitTriggers {
		if in.matches(t) {
			return t, true
		}
	}
	return model.ExitTrigger{}, false
}

// applyToSubscriber applies the first matching exit trigger of every
// automation of the subscriber. The caller holds the subscriber lock.
// A failure on one automation does not stop the others.
func (e *Engine) applyToSubscriber(ctx context.Context, sub *model.Subscriber, event model.Event) error {
	in, ok := inputFor(event)
	if !ok {
		return nil
	}

	automations, err := e.datasource.GetAutomationsBySubscriber(ctx, sub.SubscriberID)
	if err != nil {
		return err
	}

	var errs []error
	for i := range automations {
		a := &automations[i]
		seq, err := e.registry.Get(a.SequenceID)
		if err != nil {
			logrus.WithField("automation_id", a.AutomationID).Errorf("cannot match triggers: %v", err)
			continue
		}
		trigger, ok := firstMatch(seq, in)
		if !ok {
			continue
		}
		if err := e.fire(ctx, a, trigger, event); err != nil {
			errs = append(errs, fmt.Errorf("automation %s: %w", a.AutomationID, err))
		}
	}
	return errors.Join(errs...)
}

// fire performs the trigger action and records trigger_fired. Terminal
// automations are never changed; the match is only recorded.
func (e *Engine) fire(ctx context.Context, a *model.Automation, t model.ExitTrigger, event model.Event) error {
	reason := string(t.TriggerKind)
	payload := map[string]interface{}{
		"event":        event.Kind(),
		"trigger_kind": string(t.TriggerKind),
		"action":       string(t.Action),
		"data":         event,
	}
	if t.TriggerValue != nil {
		payload["trigger_value"] = *t.TriggerValue
	}

	applied := false
	var err error
	switch {
	case a.Status.Terminal():
	case t.Action == model.ActionPause:
		if a.Status == model.AutomationActive {
			err = e.datasource.Pause(ctx, a.AutomationID, reason, e.now())
			applied = err == nil
		}
	case t.Action == model.ActionComplete:
		err = e.datasource.Terminate(ctx, a.AutomationID, model.AutomationExited, reason, e.now())
		applied = err == nil
	case t.Action == model.ActionMoveToSequence:
		payload["target_sequence_id"] = *t.TargetSequenceID
		var newID string
		newID, err = e.datasource.MoveToSequence(ctx, a.AutomationID, *t.TargetSequenceID, model.ReasonMoved, e.now())
		if err == nil {
			applied = true
			payload["new_automation_id"] = newID
			e.Kick()
		}
	}
	if errors.Is(err, database.ErrInvalidTransition) {
		err = nil
	}
	if err != nil {
		return err
	}

	payload["applied"] = applied
	id := a.AutomationID
	logrus.WithFields(logrus.Fields{
		"automation_id": id,
		"trigger_kind":  t.TriggerKind,
		"action":        t.Action,
		"applied":       applied,
	}).Info("exit trigger fired")

	return e.datasource.AppendEvent(ctx, model.AutomationEvent{
		AutomationID: &id,
		SubscriberID: a.SubscriberID,
		Kind:         model.EventTriggerFired,
		Payload:      payload,
		CreatedAt:    e.now(),
	})
}

func (e *Engine) handleManual(ctx context.Context, ev model.ManualControl) error {
	switch ev.Action {
	case model.ManualPause:
		return e.Pause(ctx, ev.AutomationID, ev.Reason)
	case model.ManualResume:
		_, err := e.Resume(ctx, ev.AutomationID)
		return err
	case model.ManualExit:
		return e.Exit(ctx, ev.AutomationID, ev.Reason)
	default:
		return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("unknown manual action %q", ev.Action), nil)
	}
}
