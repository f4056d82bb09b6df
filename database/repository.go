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

package database

import (
	"context"
	"time"

	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	subscriber // Interface for subscriber-related operations
	sequence   // Interface for sequence definition storage
	automation // Interface for automation state transitions
	history    // Interface for the email history log
	events     // Interface for the automation audit log
	booking    // Interface for booking records
}

// subscriber defines methods for handling subscribers.
type subscriber interface {
	UpsertSubscriber(ctx context.Context, in model.SubscriberInput) (*model.Subscriber, error) // Creates or updates a subscriber keyed by email
	GetSubscriberByEmail(ctx context.Context, email string) (*model.Subscriber, error)          // Retrieves a subscriber by normalized email
	GetSubscriberByID(ctx context.Context, id string) (*model.Subscriber, error)                // Retrieves a subscriber by ID
	UpdateSubscriberScore(ctx context.Context, id string, score int) error                      // Records a new lead score
	UpdateSubscriberStatus(ctx context.Context, id string, status model.SubscriberStatus) error // Updates the subscriber status
}

// sequence defines methods for handling sequence definitions.
type sequence interface {
	SaveSequence(ctx context.Context, seq model.Sequence) error        // Replaces a definition with its emails and exit triggers
	GetAllSequences(ctx context.Context) ([]model.Sequence, error)    // Loads every definition for the registry
}

// automation defines the state transitions of an automation. Every method
// that changes state also appends the matching audit event in the same transaction.
type automation interface {
	StartAutomation(ctx context.Context, subscriberID, sequenceID string, now time.Time) (string, error)                                 // Starts an automation or returns ErrAlreadyRunning with the live id
	GetAutomation(ctx context.Context, id string) (*model.Automation, error)                                                             // Retrieves an automation by ID
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]model.ClaimedAutomation, error)                              // Marks due automations as in progress
	ReleaseClaims(ctx context.Context, ids []string) error                                                                               // Clears claim markers
	RecordSend(ctx context.Context, id string, h model.EmailHistory, next *time.Time, now time.Time) error                               // Records a sent email and advances or completes
	RecordSendFailure(ctx context.Context, id string, h model.EmailHistory, retryAt *time.Time, now time.Time) error                     // Records a failed email and schedules a retry, or terminates when retryAt is nil
	Terminate(ctx context.Context, id string, status model.AutomationStatus, reason string, now time.Time) error                        // Moves a live automation to a terminal state
	Pause(ctx context.Context, id, reason string, now time.Time) error                                                                    // Pauses an active automation
	Resume(ctx context.Context, id, reason string, now time.Time) (time.Time, error)                                                     // Resumes a paused automation
	MoveToSequence(ctx context.Context, id, targetSequenceID, reason string, now time.Time) (string, error)                              // Exits an automation and starts the target sequence
	FindActiveForSubscriber(ctx context.Context, subscriberID string) ([]model.Automation, error)                                       // Lists active and paused automations
	GetAutomationsBySubscriber(ctx context.Context, subscriberID string) ([]model.Automation, error)                                    // Lists every automation of a subscriber
}

// history defines methods for the email history log.
type history interface {
	AppendHistory(ctx context.Context, h model.EmailHistory) error                                                 // Appends a history row
	GetHistoryBySubscriber(ctx context.Context, subscriberID string) ([]model.EmailHistory, error)                 // Lists history for a subscriber
	UpgradeHistoryStatus(ctx context.Context, providerMessageID string, status model.EmailStatus) (bool, error)   // Applies an engagement upgrade
}

// events defines methods for the automation audit log.
type events interface {
	AppendEvent(ctx context.Context, e model.AutomationEvent) error                                      // Appends an audit event
	GetEventsBySubscriber(ctx context.Context, subscriberID string) ([]model.AutomationEvent, error)    // Lists audit events for a subscriber
}

// booking defines methods for booking records.
type booking interface {
	RecordBooking(ctx context.Context, b model.Booking) (bool, error)                           // Stores a booking; false when the event id was already seen
	CancelBooking(ctx context.Context, eventID string, at time.Time) (*model.Booking, bool, error) // Marks a booking canceled; false when it already was
	GetUnreconciledBookings(ctx context.Context, email string) ([]model.Booking, error)        // Lists bookings not yet applied to an automation
	MarkBookingReconciled(ctx context.Context, eventID string, at time.Time) error             // Marks a booking as applied
	GetBooking(ctx context.Context, eventID string) (*model.Booking, error)                    // Retrieves a booking by its external event id
	MarkCancellationApplied(ctx context.Context, eventID string, at time.Time) error           // Marks a cancellation as applied
}
