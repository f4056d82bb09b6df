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

package notification

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/request"
)

// WebhookSender delivers an operator event. The engine registers one at
// startup; this package cannot import the engine without a cycle.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender

	sentryEnabled bool
)

func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

// NotifyOperator hands an operator event to the registered sender. Without
// one the event is only logged.
func NotifyOperator(event string, payload interface{}) error {
	senderMu.RLock()
	sender := webhookSender
	senderMu.RUnlock()

	if sender == nil {
		logrus.WithField("event", event).Warn("no operator webhook sender registered")
		return nil
	}
	return sender(event, payload)
}

// InitSentry enables error capture. An empty dsn leaves it disabled.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return err
	}
	sentryEnabled = true
	return nil
}

// FlushSentry waits for buffered events before shutdown.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

func slackPayload(err error, now time.Time) json.RawMessage {
	message, _ := json.Marshal(fmt.Sprintf("*Error:*\n%v", err))
	at, _ := json.Marshal(fmt.Sprintf("*Time:*\n%v", now.Format(time.RFC822)))
	return json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {"type": "plain_text", "text": "Error From Nurture Engine", "emoji": true}
			},
			{
				"type": "section",
				"fields": [{"type": "mrkdwn", "text": %s}]
			},
			{
				"type": "section",
				"fields": [{"type": "mrkdwn", "text": %s}]
			}
		]
	}`, message, at))
}

// SlackNotification posts err to the configured Slack webhook.
func SlackNotification(err error) {
	conf, cErr := config.Fetch()
	if cErr != nil {
		logrus.Error(cErr)
		return
	}

	data := slackPayload(err, time.Now())
	payload, pErr := request.ToJsonReq(&data)
	if pErr != nil {
		logrus.Error(pErr)
		return
	}

	req, rErr := http.NewRequest(http.MethodPost, conf.Notification.Slack.WebhookUrl, payload)
	if rErr != nil {
		logrus.Error(rErr)
		return
	}

	if _, err := request.Call(req, nil); err != nil {
		logrus.Errorf("slack notification failed: %v", err)
	}
}

func notifyError(systemError error) {
	logrus.Error(systemError)

	if sentryEnabled {
		sentry.CaptureException(systemError)
	}

	conf, err := config.Fetch()
	if err != nil {
		return
	}
	if conf.Notification.Slack.WebhookUrl != "" {
		SlackNotification(systemError)
	}
}

// NotifyError logs systemError and forwards it to Sentry and Slack when
// they are configured. It does not block the caller.
func NotifyError(systemError error) {
	go notifyError(systemError)
}
