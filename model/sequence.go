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

import (
	"fmt"
	"time"
)

type SequenceTriggerKind string

const (
	SequenceOnFormSubmission SequenceTriggerKind = "form_submission"
	SequenceOnTagAdded       SequenceTriggerKind = "tag_added"
	SequenceOnScoreReached   SequenceTriggerKind = "score_reached"
	SequenceOnManual         SequenceTriggerKind = "manual"
)

// TriggerKind names the external event an exit trigger listens for.
type TriggerKind string

const (
	TriggerConsultationBooked TriggerKind = "consultation_booked"
	TriggerBookingCanceled    TriggerKind = "booking_canceled"
	TriggerTagAdded           TriggerKind = "tag_added"
	TriggerTagRemoved         TriggerKind = "tag_removed"
	TriggerEmailReplied       TriggerKind = "email_replied"
	TriggerLeadScoreIncreased TriggerKind = "lead_score_increased"
)

type TriggerAction string

const (
	ActionPause          TriggerAction = "pause"
	ActionComplete       TriggerAction = "complete"
	ActionMoveToSequence TriggerAction = "move_to_sequence"
)

type Sequence struct {
	SequenceID    string              `json:"sequence_id"`
	Name          string              `json:"name"`
	TriggerKind   SequenceTriggerKind `json:"trigger_kind"`
	ClientProfile ClientProfile       `json:"client_profile"`
	MinScore      int                 `json:"min_score"`
	MaxScore      int                 `json:"max_score"`
	Emails        []SequenceEmail     `json:"emails"`
	ExitTriggers  []ExitTrigger       `json:"exit_triggers"`
	CreatedAt     time.Time           `json:"created_at"`
}

type SequenceEmail struct {
	TemplateKey string `json:"template_key"`
	EmailOrder  int    `json:"email_order"`
	DelayHours  int    `json:"delay_hours"`
	Subject     string `json:"subject"`
	Active      bool   `json:"active"`
}

// Delay returns the wait between the previous email and this one.
func (e SequenceEmail) Delay() time.Duration {
	return time.Duration(e.DelayHours) * time.Hour
}

type ExitTrigger struct {
	TriggerKind      TriggerKind   `json:"trigger_kind"`
	TriggerValue     *string       `json:"trigger_value,omitempty"`
	Action           TriggerAction `json:"action"`
	TargetSequenceID *string       `json:"target_sequence_id,omitempty"`
}

// Eligible reports whether a subscriber with the given profile and score
// satisfies the sequence predicate.
func (s *Sequence) Eligible(profile ClientProfile, score int) bool {
	return s.ClientProfile.Matches(profile) && s.MinScore <= score && score <= s.MaxScore
}

// Validate checks the parts of a definition that do not depend on other definitions.
func (s *Sequence) Validate() error {
	if s.SequenceID == "" {
		return fmt.Errorf("sequence id is required")
	}
	if !s.ClientProfile.Valid() {
		return fmt.Errorf("sequence %s: unknown client profile %q", s.SequenceID, s.ClientProfile)
	}
	switch s.TriggerKind {
	case SequenceOnFormSubmission, SequenceOnTagAdded, SequenceOnScoreReached, SequenceOnManual:
	default:
		return fmt.Errorf("sequence %s: unknown trigger kind %q", s.SequenceID, s.TriggerKind)
	}
	if s.MinScore < MinLeadScore || s.MaxScore > MaxLeadScore || s.MinScore > s.MaxScore {
		return fmt.Errorf("sequence %s: invalid score range %d..%d", s.SequenceID, s.MinScore, s.MaxScore)
	}
	active := 0
	for _, e := range s.Emails {
		if e.TemplateKey == "" {
			return fmt.Errorf("sequence %s: email %d has no template key", s.SequenceID, e.EmailOrder)
		}
		if e.DelayHours < 0 {
			return fmt.Errorf("sequence %s: email %d has a negative delay", s.SequenceID, e.EmailOrder)
		}
		if e.Active {
			active++
		}
	}
	if active == 0 {
		return fmt.Errorf("sequence %s: has no active emails", s.SequenceID)
	}
	for i, t := range s.ExitTriggers {
		switch t.Action {
		case ActionPause, ActionComplete:
		case ActionMoveToSequence:
			if t.TargetSequenceID == nil || *t.TargetSequenceID == "" {
				return fmt.Errorf("sequence %s: exit trigger %d moves to an empty target", s.SequenceID, i)
			}
		default:
			return fmt.Errorf("sequence %s: exit trigger %d has unknown action %q", s.SequenceID, i, t.Action)
		}
	}
	return nil
}
