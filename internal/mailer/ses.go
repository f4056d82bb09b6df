package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
)

const charset = "UTF-8"

// SESMailer delivers through Amazon SES using the default credential chain.
type SESMailer struct {
	from   string
	client sesiface.SESAPI
}

func NewSESMailer(from string, cfg config.SESConfig) (*SESMailer, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Region)})
	if err != nil {
		return nil, fmt.Errorf("ses session: %w", err)
	}
	return &SESMailer{from: from, client: ses.New(sess)}, nil
}

func (s *SESMailer) Send(ctx context.Context, msg Message) (string, error) {
	if err := validate(msg); err != nil {
		return "", err
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &ses.Destination{
			ToAddresses: []*string{aws.String(msg.To)},
		},
		Message: &ses.Message{
			Subject: &ses.Content{Charset: aws.String(charset), Data: aws.String(msg.Subject)},
			Body: &ses.Body{
				Html: &ses.Content{Charset: aws.String(charset), Data: aws.String(msg.HTML)},
			},
		},
		Tags: []*ses.MessageTag{
			{Name: aws.String("attempt_key"), Value: aws.String(msg.AttemptKey)},
		},
	}

	out, err := s.client.SendEmailWithContext(ctx, input)
	if err != nil {
		return "", classifySES(err)
	}
	return aws.StringValue(out.MessageId), nil
}

func classifySES(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case ses.ErrCodeMessageRejected,
			ses.ErrCodeMailFromDomainNotVerifiedException,
			ses.ErrCodeConfigurationSetDoesNotExistException,
			"InvalidParameterValue":
			return Permanent(err)
		}
	}
	return err
}
