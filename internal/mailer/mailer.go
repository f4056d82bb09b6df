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

// Package mailer holds the outbound email transports used by the dispatcher.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/badoux/checkmail"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
)

// Message is one rendered sequence email.
type Message struct {
	To      string
	Subject string
	HTML    string

	// AttemptKey is unique per dispatch attempt. Transports that let the
	// sender pick the message id derive it from this key.
	AttemptKey string
}

// Mailer sends a message and returns the provider's message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// PermanentError marks a failure that will not succeed on retry, such as a
// rejected recipient address.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent send failure: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// validate rejects messages no transport could deliver.
func validate(msg Message) error {
	if err := checkmail.ValidateFormat(msg.To); err != nil {
		return Permanent(fmt.Errorf("invalid recipient %q: %w", msg.To, err))
	}
	if strings.TrimSpace(msg.Subject) == "" {
		return Permanent(errors.New("empty subject"))
	}
	return nil
}

// New builds the transport selected by cfg.Provider.
func New(cfg config.MailConfig) (Mailer, error) {
	switch cfg.Provider {
	case "smtp":
		return NewSMTPMailer(cfg.From, cfg.SMTP), nil
	case "ses":
		return NewSESMailer(cfg.From, cfg.SES)
	case "log", "":
		return NewLogMailer(), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}
