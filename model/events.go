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
	"encoding/json"
	"fmt"
	"time"
)

type AutomationEventKind string

const (
	EventSequenceStarted   AutomationEventKind = "sequence_started"
	EventEmailSent         AutomationEventKind = "email_sent"
	EventEmailFailed       AutomationEventKind = "email_failed"
	EventSequencePaused    AutomationEventKind = "sequence_paused"
	EventSequenceResumed   AutomationEventKind = "sequence_resumed"
	EventSequenceCompleted AutomationEventKind = "sequence_completed"
	EventTriggerFired      AutomationEventKind = "trigger_fired"
)

// AutomationEvent is one row of the append-only audit log.
type AutomationEvent struct {
	EventID      string                 `json:"event_id"`
	AutomationID *string                `json:"automation_id,omitempty"`
	SubscriberID string                 `json:"subscriber_id"`
	Kind         AutomationEventKind    `json:"event_kind"`
	Payload      map[string]interface{} `json:"payload"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Event is an external occurrence the trigger handler reacts to.
// The concrete types are BookingCreated, BookingCanceled, TagChanged,
// EmailReplied, ScoreReached and ManualControl.
type Event interface {
	// Kind is the wire name used when the event travels through the queue.
	Kind() string
	// Key identifies the entity events must be serialized on.
	Key() string
}

type BookingCreated struct {
	EventID          string    `json:"event_id"`
	Email            string    `json:"email"`
	ConsultationKind string    `json:"consultation_kind"`
	BookedAt         time.Time `json:"booked_at"`
}

type BookingCanceled struct {
	EventID    string    `json:"event_id"`
	CanceledAt time.Time `json:"canceled_at"`
}

type TagChanged struct {
	Email string `json:"email"`
	Tag   string `json:"tag"`
	Added bool   `json:"added"`
}

type EmailReplied struct {
	Email     string    `json:"email"`
	RepliedAt time.Time `json:"replied_at"`
}

type ScoreReached struct {
	Email string `json:"email"`
	Score int    `json:"score"`
}

type ManualAction string

const (
	ManualPause  ManualAction = "pause"
	ManualResume ManualAction = "resume"
	ManualExit   ManualAction = "exit"
)

type ManualControl struct {
	AutomationID string       `json:"automation_id"`
	Action       ManualAction `json:"action"`
	Reason       string       `json:"reason"`
}

func (BookingCreated) Kind() string  { return "booking_created" }
func (BookingCanceled) Kind() string { return "booking_canceled" }
func (TagChanged) Kind() string      { return "tag_changed" }
func (EmailReplied) Kind() string    { return "email_replied" }
func (ScoreReached) Kind() string    { return "score_reached" }
func (ManualControl) Kind() string   { return "manual" }

func (e BookingCreated) Key() string  { return NormalizeEmail(e.Email) }
func (e BookingCanceled) Key() string { return e.EventID }
func (e TagChanged) Key() string      { return NormalizeEmail(e.Email) }
func (e EmailReplied) Key() string    { return NormalizeEmail(e.Email) }
func (e ScoreReached) Key() string    { return NormalizeEmail(e.Email) }
func (e ManualControl) Key() string   { return e.AutomationID }

// EventEnvelope is the serialized form of an Event.
type EventEnvelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalEvent wraps an event in an envelope.
func MarshalEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EventEnvelope{Kind: e.Kind(), Payload: payload})
}

// UnmarshalEvent decodes an envelope produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	var (
		e   Event
		err error
	)
	switch env.Kind {
	case BookingCreated{}.Kind():
		var v BookingCreated
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case BookingCanceled{}.Kind():
		var v BookingCanceled
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case TagChanged{}.Kind():
		var v TagChanged
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case EmailReplied{}.Kind():
		var v EmailReplied
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case ScoreReached{}.Kind():
		var v ScoreReached
		err = json.Unmarshal(env.Payload, &v)
		e = v
	case ManualControl{}.Kind():
		var v ManualControl
		err = json.Unmarshal(env.Payload, &v)
		e = v
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

type Booking struct {
	EventID          string     `json:"event_id"`
	Email            string     `json:"email"`
	ConsultationKind string     `json:"consultation_kind"`
	BookedAt         time.Time  `json:"booked_at"`
	CanceledAt       *time.Time `json:"canceled_at,omitempty"`
	ReconciledAt     *time.Time `json:"reconciled_at,omitempty"`
	CancelAppliedAt  *time.Time `json:"cancel_applied_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Journey is everything recorded about one subscriber.
type Journey struct {
	Subscriber  *Subscriber       `json:"subscriber"`
	Automations []Automation      `json:"automations"`
	History     []EmailHistory    `json:"history"`
	Events      []AutomationEvent `json:"events"`
}
