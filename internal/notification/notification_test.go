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
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
)

func TestNotifyOperator_NoSender(t *testing.T) {
	RegisterWebhookSender(nil)
	assert.NoError(t, NotifyOperator("automation.send_failed", nil))
}

func TestNotifyOperator_UsesRegisteredSender(t *testing.T) {
	var capturedEvent string
	var capturedPayload interface{}
	RegisterWebhookSender(func(event string, payload interface{}) error {
		capturedEvent = event
		capturedPayload = payload
		return nil
	})
	defer RegisterWebhookSender(nil)

	payload := map[string]string{"automation_id": "aut_1"}
	require.NoError(t, NotifyOperator("automation.configuration_error", payload))
	assert.Equal(t, "automation.configuration_error", capturedEvent)
	assert.Equal(t, payload, capturedPayload)
}

func TestNotifyOperator_ReturnsSenderError(t *testing.T) {
	expected := errors.New("webhook failed")
	RegisterWebhookSender(func(string, interface{}) error { return expected })
	defer RegisterWebhookSender(nil)

	assert.Equal(t, expected, NotifyOperator("automation.send_failed", nil))
}

func TestSlackPayload_EscapesMessage(t *testing.T) {
	raw := slackPayload(errors.New(`template "welcome" missing`), time.Now())

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Len(t, decoded["blocks"], 3)
}

func TestNotifyError_PostsToSlack(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{
		Notification: config.Notification{
			Slack: config.SlackWebhook{WebhookUrl: "https://hooks.slack.test/services/x"},
		},
	})

	var body []byte
	httpmock.RegisterResponder(http.MethodPost, "https://hooks.slack.test/services/x",
		func(req *http.Request) (*http.Response, error) {
			body, _ = io.ReadAll(req.Body)
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	notifyError(errors.New("send failed"))

	assert.Equal(t, 1, httpmock.GetTotalCallCount())
	assert.Contains(t, string(body), "send failed")
}

func TestNotifyError_NoSlackConfigured(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	config.MockConfig(&config.Configuration{})
	notifyError(errors.New("ignored"))

	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestInitSentry_EmptyDSN(t *testing.T) {
	assert.NoError(t, InitSentry("", "test"))
	assert.False(t, sentryEnabled)
}
