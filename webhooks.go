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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/notification"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/request"
)

// Operator webhook events.
const (
	EventSendFailed         = "automation.send_failed"
	EventConfigurationError = "automation.configuration_error"
)

const webhookMaxRetries = 3

// NewWebhook is the body POSTed to the operator webhook URL.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// notifyOperator is the default AlertFunc: error channels plus the
// operator webhook.
func notifyOperator(event string, cause error, payload map[string]interface{}) {
	notification.NotifyError(fmt.Errorf("%s: %w", event, cause))
	if err := notification.NotifyOperator(event, payload); err != nil {
		logrus.Errorf("failed to send operator webhook %s: %v", event, err)
	}
}

// RegisterOperatorWebhooks routes operator events to SendWebhook. A nil
// queue delivers them inline.
func RegisterOperatorWebhooks(q *Queue) {
	notification.RegisterWebhookSender(func(event string, payload interface{}) error {
		return SendWebhook(context.Background(), q, NewWebhook{Event: event, Payload: payload})
	})
}

// SendWebhook enqueues the webhook, or delivers it directly without a queue.
// Nothing is sent when no webhook URL is configured.
func SendWebhook(ctx context.Context, q *Queue, hook NewWebhook) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	if q == nil {
		return deliverWebhook(ctx, conf, hook)
	}
	payload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	return q.enqueueWebhook(ctx, payload)
}

// ProcessWebhook delivers a queued webhook.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var hook NewWebhook
	if err := json.Unmarshal(task.Payload(), &hook); err != nil {
		return fmt.Errorf("decode webhook: %v: %w", err, asynq.SkipRetry)
	}
	logrus.Infof("Processing webhook: %s", hook.Event)
	return deliverWebhook(ctx, conf, hook)
}

// deliverWebhook POSTs the hook with the configured headers. Connection
// errors, 429 and 5xx replies are retried with exponential backoff.
func deliverWebhook(ctx context.Context, conf *config.Configuration, hook NewWebhook) error {
	body, err := json.Marshal(hook)
	if err != nil {
		return err
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Webhook.Url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		for key, value := range conf.Notification.Webhook.Headers {
			req.Header.Set(key, value)
		}
		_, err = request.Call(req, nil)
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, webhookMaxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("deliver webhook %s: %w", hook.Event, err)
	}
	return nil
}
