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

type ClientProfile string

const (
	ProfileAthlete       ClientProfile = "athlete"
	ProfileCreator       ClientProfile = "creator"
	ProfileStartup       ClientProfile = "startup"
	ProfileFamily        ClientProfile = "family"
	ProfileBusinessOwner ClientProfile = "business_owner"
	ProfileAll           ClientProfile = "all"
)

var clientProfiles = map[ClientProfile]bool{
	ProfileAthlete:       true,
	ProfileCreator:       true,
	ProfileStartup:       true,
	ProfileFamily:        true,
	ProfileBusinessOwner: true,
	ProfileAll:           true,
}

// Valid reports whether p is one of the known client profiles.
func (p ClientProfile) Valid() bool {
	return clientProfiles[p]
}

// Matches reports whether a definition profile accepts a subscriber profile.
// A definition profile of "all" accepts anything.
func (p ClientProfile) Matches(subscriber ClientProfile) bool {
	return p == ProfileAll || p == subscriber
}

type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberPaused       SubscriberStatus = "paused"
	SubscriberCompleted    SubscriberStatus = "completed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

const (
	MinLeadScore = 0
	MaxLeadScore = 100
)

type Subscriber struct {
	ID             int64                  `json:"-"`
	SubscriberID   string                 `json:"subscriber_id"`
	Email          string                 `json:"email"`
	FirstName      string                 `json:"first_name,omitempty"`
	LastName       string                 `json:"last_name,omitempty"`
	LeadScore      int                    `json:"lead_score"`
	ClientProfile  ClientProfile          `json:"client_profile"`
	SubmissionKind string                 `json:"submission_kind"`
	Status         SubscriberStatus       `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	MetaData       map[string]interface{} `json:"meta_data,omitempty"`
}

// SubscriberInput carries the intake fields written by UpsertSubscriber.
type SubscriberInput struct {
	Email          string
	FirstName      string
	LastName       string
	LeadScore      int
	ClientProfile  ClientProfile
	SubmissionKind string
	MetaData       map[string]interface{}
}
