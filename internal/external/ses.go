package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"mailmerge/internal/types"
)

// SESAPI is the subset of the SES v2 client used by SESSender.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSenderConfig holds the envelope settings for an SESSender.
type SESSenderConfig struct {
	FromAddress string
	FromName    string
	// ConfigSetName is optional.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESSender is a sending credential backed by AWS SES v2. The SDK retries
// throttling internally, so it does not go through BaseClient.
type SESSender struct {
	api    SESAPI
	from   string
	cfg    SESSenderConfig
	logger *slog.Logger
}

// NewSESSender creates an SESSender from an AWS config.
func NewSESSender(awsCfg aws.Config, cfg SESSenderConfig) *SESSender {
	return NewSESSenderWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESSenderWithAPI creates an SESSender over a caller-supplied API.
func NewSESSenderWithAPI(api SESAPI, cfg SESSenderConfig) *SESSender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESSender{
		api:    api,
		from:   formatFrom(cfg.FromName, cfg.FromAddress),
		cfg:    cfg,
		logger: logger,
	}
}

func formatFrom(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

// Send delivers one pre-rendered HTML message and returns the SES message ID.
func (s *SESSender) Send(ctx context.Context, recipient, subject, body string) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{recipient},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Html: &sestypes.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if s.cfg.ConfigSetName != "" {
		input.ConfigurationSetName = aws.String(s.cfg.ConfigSetName)
	}

	out, err := s.api.SendEmail(ctx, input)
	if err != nil {
		s.logger.Debug("ses send failed", "recipient", recipient, "error", err)
		return "", mapSESError(err)
	}
	return aws.ToString(out.MessageId), nil
}

// Provider names the credential for metrics and logs.
func (s *SESSender) Provider() string { return "ses" }

// mapSESError translates SES API errors into AppErrors:
// MessageRejected is email_blocked, throttling is upstream_rate_limited,
// paused sending is upstream_unavailable.
func mapSESError(err error) error {
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return types.NewAppError(types.ErrCodeEmailBlocked, "SES rejected message", err)
	}
	var throttled *sestypes.TooManyRequestsException
	if errors.As(err, &throttled) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "SES rate limit exceeded", err)
	}
	var paused *sestypes.SendingPausedException
	if errors.As(err, &paused) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "SES account sending paused", err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SES send failed", err)
}
