package model

import "time"

type EmailStatus string

const (
	EmailPending EmailStatus = "pending"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
	EmailOpened  EmailStatus = "opened"
	EmailClicked EmailStatus = "clicked"
)

var engagementRank = map[EmailStatus]int{
	EmailSent:    1,
	EmailOpened:  2,
	EmailClicked: 3,
}

// CanUpgradeTo reports whether a history row may move from s to next.
// Only sent -> opened -> clicked is allowed and never backwards.
func (s EmailStatus) CanUpgradeTo(next EmailStatus) bool {
	from, ok := engagementRank[s]
	if !ok {
		return false
	}
	to, ok := engagementRank[next]
	return ok && to > from
}

type EmailHistory struct {
	HistoryID         string      `json:"history_id"`
	AutomationID      string      `json:"automation_id"`
	SubscriberID      string      `json:"subscriber_id"`
	TemplateKey       string      `json:"template_key"`
	Subject           string      `json:"subject"`
	EmailOrder        int         `json:"email_order"`
	Status            EmailStatus `json:"status"`
	SentAt            *time.Time  `json:"sent_at,omitempty"`
	ErrorMessage      string      `json:"error_message,omitempty"`
	AttemptKey        string      `json:"attempt_key"`
	ProviderMessageID string      `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
}
