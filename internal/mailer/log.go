package mailer

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogMailer only logs messages. It is the default provider for local runs.
type LogMailer struct {
	mu   sync.Mutex
	sent []Message
}

func NewLogMailer() *LogMailer {
	return &LogMailer{}
}

func (l *LogMailer) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()

	id := "log_" + uuid.NewString()
	logrus.WithFields(logrus.Fields{
		"to":          msg.To,
		"subject":     msg.Subject,
		"attempt_key": msg.AttemptKey,
		"message_id":  id,
	}).Info("email logged instead of sent")
	return id, nil
}

// Sent returns a copy of every message accepted so far.
func (l *LogMailer) Sent() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.sent))
	copy(out, l.sent)
	return out
}
