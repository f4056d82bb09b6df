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
	"errors"
	"strings"
	"time"

	"github.com/badoux/checkmail"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	nurture "github.com/JacobsCounsel/jcllc-backend-sub001"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

var emailFormat = validation.By(func(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if err := checkmail.ValidateFormat(strings.TrimSpace(s)); err != nil {
		return errors.New("must be a valid email address")
	}
	return nil
})

var leadScoreRange = validation.Min(model.MinLeadScore)

var clientProfile = validation.By(func(value interface{}) error {
	p, _ := value.(string)
	if !model.ClientProfile(p).Valid() {
		return errors.New("must be one of athlete, creator, startup, family, business_owner or all")
	}
	return nil
})

// EnrollSubscriber is the body of a form submission.
type EnrollSubscriber struct {
	Email          string                 `json:"email"`
	FirstName      string                 `json:"first_name"`
	LastName       string                 `json:"last_name"`
	LeadScore      int                    `json:"lead_score"`
	ClientProfile  string                 `json:"client_profile"`
	SubmissionKind string                 `json:"submission_kind"`
	MetaData       map[string]interface{} `json:"meta_data"`
}

func (e *EnrollSubscriber) ValidateEnrollSubscriber() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.Email, validation.Required, emailFormat),
		validation.Field(&e.LeadScore, leadScoreRange, validation.Max(model.MaxLeadScore)),
		validation.Field(&e.ClientProfile, validation.Required, clientProfile),
		validation.Field(&e.FirstName, validation.Length(0, 100)),
		validation.Field(&e.LastName, validation.Length(0, 100)),
	)
}

func (e *EnrollSubscriber) ToEnrollRequest() nurture.EnrollRequest {
	return nurture.EnrollRequest{
		Email:          e.Email,
		FirstName:      e.FirstName,
		LastName:       e.LastName,
		LeadScore:      e.LeadScore,
		ClientProfile:  model.ClientProfile(e.ClientProfile),
		SubmissionKind: e.SubmissionKind,
		MetaData:       e.MetaData,
	}
}

type SubscriberEmail struct {
	Email string `json:"email"`
}

func (s *SubscriberEmail) ValidateSubscriberEmail() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Email, validation.Required, emailFormat),
	)
}

type StartSequence struct {
	Email      string `json:"email"`
	SequenceID string `json:"sequence_id"`
}

func (s *StartSequence) ValidateStartSequence() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Email, validation.Required, emailFormat),
		validation.Field(&s.SequenceID, validation.Required),
	)
}

// Booking is the payload of a booking webhook.
type Booking struct {
	EventID          string     `json:"event_id"`
	Email            string     `json:"email"`
	ConsultationKind string     `json:"consultation_kind"`
	BookedAt         *time.Time `json:"booked_at"`
}

func (b *Booking) ValidateBooking() error {
	return validation.ValidateStruct(b,
		validation.Field(&b.EventID, validation.Required),
		validation.Field(&b.Email, validation.Required, emailFormat),
	)
}

func (b *Booking) ToEvent() model.BookingCreated {
	event := model.BookingCreated{EventID: b.EventID, Email: b.Email, ConsultationKind: b.ConsultationKind}
	if b.BookedAt != nil {
		event.BookedAt = b.BookedAt.UTC()
	}
	return event
}

type BookingCancellation struct {
	CanceledAt *time.Time `json:"canceled_at"`
}

func (b *BookingCancellation) ToEvent(eventID string) model.BookingCanceled {
	event := model.BookingCanceled{EventID: eventID}
	if b.CanceledAt != nil {
		event.CanceledAt = b.CanceledAt.UTC()
	}
	return event
}

// TagEvent reports a CRM tag change. Action is added or removed.
type TagEvent struct {
	Email  string `json:"email"`
	Tag    string `json:"tag"`
	Action string `json:"action"`
}

func (t *TagEvent) ValidateTagEvent() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.Email, validation.Required, emailFormat),
		validation.Field(&t.Tag, validation.Required),
		validation.Field(&t.Action, validation.Required, validation.In("added", "removed")),
	)
}

func (t *TagEvent) ToEvent() model.TagChanged {
	return model.TagChanged{Email: t.Email, Tag: t.Tag, Added: t.Action == "added"}
}

type ReplyEvent struct {
	Email     string     `json:"email"`
	RepliedAt *time.Time `json:"replied_at"`
}

func (r *ReplyEvent) ValidateReplyEvent() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Email, validation.Required, emailFormat),
	)
}

func (r *ReplyEvent) ToEvent() model.EmailReplied {
	event := model.EmailReplied{Email: r.Email}
	if r.RepliedAt != nil {
		event.RepliedAt = r.RepliedAt.UTC()
	}
	return event
}

type ScoreEvent struct {
	Email string `json:"email"`
	Score *int   `json:"score"`
}

func (s *ScoreEvent) ValidateScoreEvent() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Email, validation.Required, emailFormat),
		validation.Field(&s.Score, validation.NotNil, leadScoreRange, validation.Max(model.MaxLeadScore)),
	)
}

func (s *ScoreEvent) ToEvent() model.ScoreReached {
	return model.ScoreReached{Email: s.Email, Score: *s.Score}
}

// Engagement is an open or click reported by the mail provider.
type Engagement struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"`
}

func (e *Engagement) ValidateEngagement() error {
	return validation.ValidateStruct(e,
		validation.Field(&e.ProviderMessageID, validation.Required),
		validation.Field(&e.Status, validation.Required, validation.In(string(model.EmailOpened), string(model.EmailClicked))),
	)
}

type ControlRequest struct {
	Reason string `json:"reason"`
}

func (c *ControlRequest) ValidateControlRequest() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Reason, validation.Length(0, 200)),
	)
}
