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

	"github.com/sirupsen/logrus"

	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

const (
	manualPauseReason = "manual"
	manualExitReason  = "manual_exit"
)

// GetJourney returns everything recorded for the subscriber with the email.
func (e *Engine) GetJourney(ctx context.Context, email string) (*model.Journey, error) {
	ctx, span := tracer.Start(ctx, "Fetching journey")
	defer span.End()

	sub, err := e.datasource.GetSubscriberByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	automations, err := e.datasource.GetAutomationsBySubscriber(ctx, sub.SubscriberID)
	if err != nil {
		return nil, err
	}
	history, err := e.datasource.GetHistoryBySubscriber(ctx, sub.SubscriberID)
	if err != nil {
		return nil, err
	}
	events, err := e.datasource.GetEventsBySubscriber(ctx, sub.SubscriberID)
	if err != nil {
		return nil, err
	}
	return &model.Journey{
		Subscriber:  sub,
		Automations: automations,
		History:     history,
		Events:      events,
	}, nil
}

func (e *Engine) GetAutomation(ctx context.Context, id string) (*model.Automation, error) {
	return e.datasource.GetAutomation(ctx, id)
}

func (e *Engine) Pause(ctx context.Context, automationID, reason string) error {
	if reason == "" {
		reason = manualPauseReason
	}
	return e.withAutomationLock(ctx, automationID, func(a *model.Automation) error {
		return e.datasource.Pause(ctx, a.AutomationID, reason, e.now())
	})
}

// Resume reactivates a paused automation and returns its next send time.
func (e *Engine) Resume(ctx context.Context, automationID string) (time.Time, error) {
	var next time.Time
	err := e.withAutomationLock(ctx, automationID, func(a *model.Automation) error {
		var err error
		next, err = e.datasource.Resume(ctx, a.AutomationID, manualPauseReason, e.now())
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	if !next.After(e.now()) {
		e.Kick()
	}
	return next, nil
}

func (e *Engine) Exit(ctx context.Context, automationID, reason string) error {
	if reason == "" {
		reason = manualExitReason
	}
	return e.withAutomationLock(ctx, automationID, func(a *model.Automation) error {
		return e.datasource.Terminate(ctx, a.AutomationID, model.AutomationExited, reason, e.now())
	})
}

// withAutomationLock runs fn under the lock of the automation's subscriber.
// An illegal transition is reported as a conflict.
func (e *Engine) withAutomationLock(ctx context.Context, automationID string, fn func(a *model.Automation) error) error {
	a, err := e.datasource.GetAutomation(ctx, automationID)
	if err != nil {
		return err
	}
	sub, err := e.datasource.GetSubscriberByID(ctx, a.SubscriberID)
	if err != nil {
		return err
	}

	unlock, err := e.locker.Lock(ctx, model.NormalizeEmail(sub.Email))
	if err != nil {
		return err
	}
	defer unlock()

	err = fn(a)
	if errors.Is(err, database.ErrInvalidTransition) {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Automation '%s' cannot make this transition", automationID), err)
	}
	if err == nil {
		logrus.WithField("automation_id", automationID).Info("automation updated by operator")
	}
	return err
}

// RecordEngagement upgrades the history rows of a provider message to
// opened or clicked. Downgrades are ignored; the boolean reports a change.
func (e *Engine) RecordEngagement(ctx context.Context, providerMessageID string, status model.EmailStatus) (bool, error) {
	if providerMessageID == "" {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, "provider message id is required", nil)
	}
	if status != model.EmailOpened && status != model.EmailClicked {
		return false, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("status %q is not an engagement status", status), nil)
	}
	return e.datasource.UpgradeHistoryStatus(ctx, providerMessageID, status)
}
