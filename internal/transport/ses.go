package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/pkg/logger"
)

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES transport.
type SESConfig struct {
	Region           string
	AccessKey        string
	SecretKey        string
	ConfigurationSet string
}

// SES sends through AWS SES v2. SES is HTTP based, so a connection is a
// logical session over the shared client.
type SES struct {
	client           SESAPI
	configurationSet string
	now              func() time.Time
}

// NewSES builds an SES transport. Static keys are used when both are set,
// otherwise the default AWS credential chain.
func NewSES(ctx context.Context, cfg SESConfig) (*SES, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSESWithClient(sesv2.NewFromConfig(awsCfg), cfg.ConfigurationSet), nil
}

// NewSESWithClient wraps an existing client.
func NewSESWithClient(client SESAPI, configurationSet string) *SES {
	return &SES{
		client:           client,
		configurationSet: configurationSet,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Open starts a session.
func (s *SES) Open(_ context.Context) (Connection, error) {
	return &sesConn{ses: s}, nil
}

type sesConn struct {
	ses    *SES
	sent   int
	closed bool
}

func (c *sesConn) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if c.closed {
		return nil, ErrClosed
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
				},
				Headers: sesHeaders(msg.Headers),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("drip_id"), Value: aws.String(msg.DripID)},
			{Name: aws.String("subscriber_id"), Value: aws.String(msg.SubscriberID)},
		},
	}
	if msg.TextBody != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")}
	}
	if c.ses.configurationSet != "" {
		input.ConfigurationSetName = aws.String(c.ses.configurationSet)
	}

	out, err := c.ses.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send: %w", err)
	}
	c.sent++

	res := &domain.SendResult{SentAt: c.ses.now()}
	if out.MessageId != nil {
		res.MessageID = *out.MessageId
	}
	logger.Debug("ses message sent", "to_email", msg.To, "message_id", res.MessageID)
	return res, nil
}

func (c *sesConn) Close() error {
	c.closed = true
	return nil
}

func sesHeaders(h map[string]string) []types.MessageHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]types.MessageHeader, 0, len(h))
	for k, v := range h {
		out = append(out, types.MessageHeader{Name: aws.String(k), Value: aws.String(v)})
	}
	return out
}
