package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
)

type smtpSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer delivers through an SMTP relay. The Message-ID header is
// derived from the attempt key and doubles as the provider message id.
type SMTPMailer struct {
	from   string
	sender smtpSender
}

func NewSMTPMailer(from string, cfg config.SMTPConfig) *SMTPMailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.SSL = cfg.Port == 465
	return &SMTPMailer{from: from, sender: d}
}

func (s *SMTPMailer) messageID(attemptKey string) string {
	domain := "localhost"
	if at := strings.LastIndex(s.from, "@"); at >= 0 {
		domain = strings.Trim(s.from[at+1:], "> ")
	}
	return fmt.Sprintf("%s@%s", attemptKey, domain)
}

func (s *SMTPMailer) build(msg Message) (*gomail.Message, string) {
	id := s.messageID(msg.AttemptKey)
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", "<"+id+">")
	m.SetBody("text/html", msg.HTML)
	return m, id
}

func (s *SMTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}
	m, id := s.build(msg)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.sender.DialAndSend(m)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return "", classifySMTP(err)
		}
		return id, nil
	case <-ctx.Done():
		return "", fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

// classifySMTP treats 5xx replies as permanent. Connection errors and 4xx
// replies are retried.
func classifySMTP(err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) && protoErr.Code >= 500 && protoErr.Code < 600 {
		return Permanent(err)
	}
	return err
}
