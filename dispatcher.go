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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/mailer"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/templates"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// Dispatch executes one step of a claimed automation: it sends the email at
// current_email_index and advances, completes, or schedules a retry. The
// automation is re-read under the subscriber lock, so a pause or exit that
// committed after the claim wins and nothing is sent.
func (e *Engine) Dispatch(ctx context.Context, claim model.ClaimedAutomation) error {
	ctx, span := tracer.Start(ctx, "Dispatching automation", trace.WithAttributes(
		attribute.String("automation.id", claim.AutomationID),
	))
	defer span.End()

	log := logrus.WithFields(logrus.Fields{"automation_id": claim.AutomationID, "subscriber": claim.Email})

	unlock, err := e.locker.Lock(ctx, model.NormalizeEmail(claim.Email))
	if err != nil {
		return fmt.Errorf("lock subscriber %s: %w", claim.Email, err)
	}
	defer unlock()

	a, err := e.datasource.GetAutomation(ctx, claim.AutomationID)
	if err != nil {
		return err
	}
	if a.Status != model.AutomationActive {
		log.WithField("status", a.Status).Info("automation changed after claim, skipping")
		return e.release(ctx, a.AutomationID)
	}

	sub, err := e.datasource.GetSubscriberByID(ctx, a.SubscriberID)
	if err != nil {
		return err
	}
	if sub.Status == model.SubscriberUnsubscribed {
		log.Info("subscriber unsubscribed, exiting automation")
		return e.terminate(ctx, a, model.AutomationExited, model.ReasonUnsubscribed)
	}

	seq, err := e.registry.Get(a.SequenceID)
	if err != nil {
		return e.configurationError(ctx, a, err)
	}
	email, ok, _ := e.registry.EmailAt(a.SequenceID, a.CurrentEmailIndex)
	if !ok {
		log.Info("no email left at current index, completing")
		return e.terminate(ctx, a, model.AutomationCompleted, model.ReasonSequenceCompleted)
	}

	html, err := e.renderer.Render(ctx, email.TemplateKey, templates.Context{
		Email:         sub.Email,
		FirstName:     sub.FirstName,
		LastName:      sub.LastName,
		LeadScore:     sub.LeadScore,
		ClientProfile: string(sub.ClientProfile),
		SequenceID:    seq.SequenceID,
		SequenceName:  seq.Name,
		TemplateKey:   email.TemplateKey,
		EmailOrder:    a.CurrentEmailIndex,
		Subject:       email.Subject,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.configurationError(ctx, a, err)
	}

	attemptKey := uuid.NewString()
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout())
	providerID, sendErr := e.mailer.Send(sendCtx, mailer.Message{
		To:         sub.Email,
		Subject:    email.Subject,
		HTML:       html,
		AttemptKey: attemptKey,
	})
	cancel()

	if sendErr != nil && ctx.Err() != nil {
		// Shutdown abandoned the send. The claim expires after the lock TTL.
		log.Warn("dispatch abandoned during shutdown")
		return ctx.Err()
	}

	// The provider may already have accepted the message; record it even if
	// shutdown starts now.
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	history := model.EmailHistory{
		AutomationID: a.AutomationID,
		SubscriberID: a.SubscriberID,
		TemplateKey:  email.TemplateKey,
		Subject:      email.Subject,
		EmailOrder:   a.CurrentEmailIndex,
		AttemptKey:   attemptKey,
		CreatedAt:    now,
	}

	if sendErr == nil {
		return e.recordSent(ctx, log, a, history, providerID, now)
	}
	return e.recordFailed(ctx, log, a, history, sendErr, now)
}

func (e *Engine) recordSent(ctx context.Context, log *logrus.Entry, a *model.Automation, h model.EmailHistory, providerID string, now time.Time) error {
	h.Status = model.EmailSent
	h.SentAt = &now
	h.ProviderMessageID = providerID

	var next *time.Time
	nextEmail, ok, err := e.registry.EmailAt(a.SequenceID, a.CurrentEmailIndex+1)
	if err != nil {
		return err
	}
	if ok {
		t := now.Add(nextEmail.Delay())
		next = &t
	}

	err = e.datasource.RecordSend(ctx, a.AutomationID, h, next, now)
	if errors.Is(err, database.ErrInvalidTransition) {
		log.Warnf("sent email could not be recorded as an advance: %v", err)
		return nil
	}
	if err != nil {
		return err
	}

	if next == nil {
		log.WithField("email_order", h.EmailOrder).Info("final email sent, sequence completed")
	} else {
		log.WithFields(logrus.Fields{"email_order": h.EmailOrder, "next_email_at": next.Format(time.RFC3339)}).Info("email sent")
	}
	return nil
}

func (e *Engine) recordFailed(ctx context.Context, log *logrus.Entry, a *model.Automation, h model.EmailHistory, sendErr error, now time.Time) error {
	h.Status = model.EmailFailed
	h.ErrorMessage = sendErr.Error()
	if errors.Is(sendErr, context.DeadlineExceeded) {
		h.ErrorMessage = "timeout: " + sendErr.Error()
	}

	failures := a.ConsecutiveFailures + 1
	permanent := mailer.IsPermanent(sendErr)

	var retryAt *time.Time
	if !permanent && failures < e.cfg.MaxSendFailures {
		t := now.Add(e.retryDelay(failures))
		retryAt = &t
	}

	err := e.datasource.RecordSendFailure(ctx, a.AutomationID, h, retryAt, now)
	if errors.Is(err, database.ErrInvalidTransition) {
		log.Warnf("send failure could not be recorded: %v", err)
		return nil
	}
	if err != nil {
		return err
	}

	log = log.WithFields(logrus.Fields{"email_order": h.EmailOrder, "failures": failures})
	if retryAt != nil {
		log.Warnf("send failed, retrying at %s: %v", retryAt.Format(time.RFC3339), sendErr)
		return nil
	}

	log.Errorf("send failed, automation exited: %v", sendErr)
	e.alert(EventSendFailed, sendErr, map[string]interface{}{
		"automation_id": a.AutomationID,
		"subscriber_id": a.SubscriberID,
		"sequence_id":   a.SequenceID,
		"email_order":   h.EmailOrder,
		"failures":      failures,
		"permanent":     permanent,
		"error":         h.ErrorMessage,
	})
	return nil
}

// retryDelay is the wait after the given number of consecutive failures:
// retry_backoff doubled per failure, capped at max_retry_backoff.
func (e *Engine) retryDelay(failures int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBackoff()
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.cfg.MaxRetryBackoff()
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < failures; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// configurationError parks the automation instead of retrying a send that
// cannot succeed until the definitions or templates are fixed.
func (e *Engine) configurationError(ctx context.Context, a *model.Automation, cause error) error {
	logrus.WithFields(logrus.Fields{"automation_id": a.AutomationID, "sequence_id": a.SequenceID}).
		Errorf("configuration error, pausing automation: %v", cause)

	err := e.datasource.Pause(ctx, a.AutomationID, model.ReasonConfiguration, e.now())
	if err != nil && !errors.Is(err, database.ErrInvalidTransition) {
		return errors.Join(cause, err)
	}
	e.alert(EventConfigurationError, cause, map[string]interface{}{
		"automation_id": a.AutomationID,
		"subscriber_id": a.SubscriberID,
		"sequence_id":   a.SequenceID,
		"email_order":   a.CurrentEmailIndex,
		"error":         cause.Error(),
	})
	return cause
}

func (e *Engine) terminate(ctx context.Context, a *model.Automation, status model.AutomationStatus, reason string) error {
	err := e.datasource.Terminate(ctx, a.AutomationID, status, reason, e.now())
	if errors.Is(err, database.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (e *Engine) release(ctx context.Context, id string) error {
	return e.datasource.ReleaseClaims(ctx, []string{id})
}
