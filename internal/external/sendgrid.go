package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"mailmerge/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridSenderConfig holds the settings for a SendGridSender.
type SendGridSenderConfig struct {
	APIKey      types.SecretString
	BaseURL     string
	FromAddress string
	FromName    string
	Logger      *slog.Logger
}

// SendGridSender is a sending credential that posts to the SendGrid v3 Mail
// Send API through BaseClient.
type SendGridSender struct {
	base    *BaseClient
	cfg     SendGridSenderConfig
	baseURL string
	logger  *slog.Logger
}

// NewSendGridSender creates a SendGridSender with the default retry policy.
func NewSendGridSender(httpClient *http.Client, cfg SendGridSenderConfig) *SendGridSender {
	base := NewBaseClient(httpClient, "sendgrid", DefaultRetryPolicy(), "MailMerge/1.0")
	return NewSendGridSenderWithBase(base, cfg)
}

// NewSendGridSenderWithBase creates a SendGridSender over a pre-built BaseClient.
func NewSendGridSenderWithBase(base *BaseClient, cfg SendGridSenderConfig) *SendGridSender {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SendGridSender{
		base:    base,
		cfg:     cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// Send posts one pre-rendered HTML message. SendGrid answers 202 with the
// message id in X-Message-Id.
func (s *SendGridSender) Send(ctx context.Context, recipient, subject, body string) (string, error) {
	payload, err := json.Marshal(sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: recipient}}}},
		From:             sendGridAddress{Email: s.cfg.FromAddress, Name: s.cfg.FromName},
		Subject:          subject,
		Content:          []sendGridContent{{Type: "text/html", Value: body}},
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal SendGrid payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(payload))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey.Unmask())

	resp, err := s.base.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("X-Message-Id"), nil
	}
	return "", s.errorFromResponse(resp)
}

// Provider names the credential for metrics and logs.
func (s *SendGridSender) Provider() string { return "sendgrid" }

// errorFromResponse maps a non-success response. 403 means the recipient is
// suppressed or the sender is unverified.
func (s *SendGridSender) errorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg := strings.TrimSpace(string(raw))
	var parsed sendGridErrorResponse
	if json.Unmarshal(raw, &parsed) == nil && len(parsed.Errors) > 0 {
		msg = parsed.Errors[0].Message
	}

	s.logger.Debug("sendgrid send rejected", "status", resp.StatusCode, "message", msg)

	code := types.ErrCodeUpstreamEmailProvider
	if resp.StatusCode == http.StatusForbidden {
		code = types.ErrCodeEmailBlocked
	}
	return types.NewAppError(code, fmt.Sprintf("SendGrid returned %d: %s", resp.StatusCode, msg), nil)
}
