package mailer

import (
	"bytes"
	"context"
	"errors"
	"net/textproto"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
)

type fakeSMTP struct {
	err   error
	delay time.Duration
	got   []*gomail.Message
}

func (f *fakeSMTP) DialAndSend(m ...*gomail.Message) error {
	time.Sleep(f.delay)
	f.got = append(f.got, m...)
	return f.err
}

type fakeSES struct {
	sesiface.SESAPI
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmailWithContext(_ aws.Context, in *ses.SendEmailInput, _ ...request.Option) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func testMessage() Message {
	return Message{To: "a@x.com", Subject: "Welcome", HTML: "<p>Hi</p>", AttemptKey: "att_1"}
}

func TestSMTPMailer_Send(t *testing.T) {
	fake := &fakeSMTP{}
	m := &SMTPMailer{from: "Intake <intake@firm.test>", sender: fake}

	id, err := m.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "att_1@firm.test", id)
	require.Len(t, fake.got, 1)

	var buf bytes.Buffer
	_, err = fake.got[0].WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Message-ID: <att_1@firm.test>")
	assert.Contains(t, buf.String(), "Subject: Welcome")
}

func TestSMTPMailer_ClassifiesReplies(t *testing.T) {
	m := &SMTPMailer{from: "intake@firm.test", sender: &fakeSMTP{err: &textproto.Error{Code: 550, Msg: "mailbox unavailable"}}}
	_, err := m.Send(context.Background(), testMessage())
	assert.True(t, IsPermanent(err))

	m = &SMTPMailer{from: "intake@firm.test", sender: &fakeSMTP{err: &textproto.Error{Code: 451, Msg: "try later"}}}
	_, err = m.Send(context.Background(), testMessage())
	assert.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestSMTPMailer_Timeout(t *testing.T) {
	m := &SMTPMailer{from: "intake@firm.test", sender: &fakeSMTP{delay: 200 * time.Millisecond}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.Send(ctx, testMessage())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, IsPermanent(err))
}

func TestSESMailer_Send(t *testing.T) {
	fake := &fakeSES{}
	m := &SESMailer{from: "intake@firm.test", client: fake}

	id, err := m.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-123", id)
	assert.Equal(t, "a@x.com", aws.StringValue(fake.input.Destination.ToAddresses[0]))
	assert.Equal(t, "att_1", aws.StringValue(fake.input.Tags[0].Value))
}

func TestSESMailer_Errors(t *testing.T) {
	m := &SESMailer{from: "intake@firm.test", client: &fakeSES{err: awserr.New(ses.ErrCodeMessageRejected, "rejected", nil)}}
	_, err := m.Send(context.Background(), testMessage())
	assert.True(t, IsPermanent(err))

	m = &SESMailer{from: "intake@firm.test", client: &fakeSES{err: awserr.New("Throttling", "slow down", nil)}}
	_, err = m.Send(context.Background(), testMessage())
	assert.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestValidate_InvalidRecipientIsPermanent(t *testing.T) {
	l := NewLogMailer()
	msg := testMessage()
	msg.To = "not-an-email"

	_, err := l.Send(context.Background(), msg)
	assert.True(t, IsPermanent(err))
	assert.Empty(t, l.Sent())
}

func TestLogMailer_RecordsMessages(t *testing.T) {
	l := NewLogMailer()
	id, err := l.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Contains(t, id, "log_")
	assert.Len(t, l.Sent(), 1)
}

func TestNew(t *testing.T) {
	m, err := New(config.MailConfig{Provider: "log"})
	require.NoError(t, err)
	assert.IsType(t, &LogMailer{}, m)

	m, err = New(config.MailConfig{Provider: "smtp", From: "intake@firm.test", SMTP: config.SMTPConfig{Host: "smtp.firm.test", Port: 587}})
	require.NoError(t, err)
	assert.IsType(t, &SMTPMailer{}, m)

	_, err = New(config.MailConfig{Provider: "fax"})
	assert.Error(t, err)
}
