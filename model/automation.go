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

package model

import "time"

type AutomationStatus string

const (
	AutomationActive    AutomationStatus = "active"
	AutomationPaused    AutomationStatus = "paused"
	AutomationCompleted AutomationStatus = "completed"
	AutomationExited    AutomationStatus = "exited"
)

// Terminal reports whether no further transitions are allowed from s.
func (s AutomationStatus) Terminal() bool {
	return s == AutomationCompleted || s == AutomationExited
}

// Live reports whether s counts towards the one-per-sequence rule.
func (s AutomationStatus) Live() bool {
	return s == AutomationActive || s == AutomationPaused
}

const (
	ReasonSequenceCompleted = "sequence_completed"
	ReasonSendFailed        = "send_failed"
	ReasonMoved             = "moved"
	ReasonUnsubscribed      = "unsubscribed"
	ReasonConfiguration     = "configuration_error"
)

// Automation is the row form of one subscriber running one sequence.
// Nullable columns are pointers; State() gives the typed view.
type Automation struct {
	AutomationID        string           `json:"automation_id"`
	SubscriberID        string           `json:"subscriber_id"`
	SequenceID          string           `json:"sequence_id"`
	CurrentEmailIndex   int              `json:"current_email_index"`
	Status              AutomationStatus `json:"status"`
	StartedAt           time.Time        `json:"started_at"`
	LastEmailSentAt     *time.Time       `json:"last_email_sent_at,omitempty"`
	NextEmailAt         *time.Time       `json:"next_email_at,omitempty"`
	PausedAt            *time.Time       `json:"paused_at,omitempty"`
	PausedDueAt         *time.Time       `json:"paused_due_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	ExitReason          *string          `json:"exit_reason,omitempty"`
	ProcessingSince     *time.Time       `json:"-"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// AutomationState is implemented by ActiveState, PausedState,
// CompletedState and ExitedState. Each carries only the fields valid in it.
type AutomationState interface {
	Status() AutomationStatus
	isAutomationState()
}

type ActiveState struct {
	NextEmailAt     time.Time
	LastEmailSentAt *time.Time
}

type PausedState struct {
	PausedAt time.Time
	// DueAt is the send time that was pending when the automation was paused.
	DueAt time.Time
}

type CompletedState struct {
	CompletedAt time.Time
	Reason      string
}

type ExitedState struct {
	ExitedAt time.Time
	Reason   string
}

func (ActiveState) Status() AutomationStatus    { return AutomationActive }
func (PausedState) Status() AutomationStatus    { return AutomationPaused }
func (CompletedState) Status() AutomationStatus { return AutomationCompleted }
func (ExitedState) Status() AutomationStatus    { return AutomationExited }

func (ActiveState) isAutomationState()    {}
func (PausedState) isAutomationState()    {}
func (CompletedState) isAutomationState() {}
func (ExitedState) isAutomationState()    {}

// State returns the typed state of the automation. A row whose nullable
// columns disagree with its status yields a state with zero timestamps.
func (a *Automation) State() AutomationState {
	switch a.Status {
	case AutomationActive:
		return ActiveState{NextEmailAt: deref(a.NextEmailAt), LastEmailSentAt: a.LastEmailSentAt}
	case AutomationPaused:
		return PausedState{PausedAt: deref(a.PausedAt), DueAt: deref(a.PausedDueAt)}
	case AutomationCompleted:
		return CompletedState{CompletedAt: deref(a.CompletedAt), Reason: derefString(a.ExitReason)}
	default:
		return ExitedState{ExitedAt: deref(a.CompletedAt), Reason: derefString(a.ExitReason)}
	}
}

// ClaimedAutomation is what the scheduler gets back from a claim.
type ClaimedAutomation struct {
	AutomationID string
	SubscriberID string
	Email        string
	NextEmailAt  time.Time
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
