package dispatch

import (
	"context"
	"time"
)

// Message is one rendered email. The dispatcher only reads it.
type Message struct {
	Recipient string `json:"recipient" validate:"required,email"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Credential sends a single message on behalf of the user and returns the
// provider's message id.
type Credential interface {
	Send(ctx context.Context, recipient, subject, body string) (string, error)
}

// ResultStatus is the outcome of one send.
type ResultStatus string

const (
	ResultSent   ResultStatus = "sent"
	ResultFailed ResultStatus = "failed"
)

// Result records one send attempt, in submission order.
type Result struct {
	Index             int          `json:"index"`
	Recipient         string       `json:"recipient"`
	Status            ResultStatus `json:"status"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	Detail            string       `json:"detail,omitempty"`
	SentAt            time.Time    `json:"sent_at"`
}

// Status is a point-in-time view of the current (or last) batch.
type Status struct {
	BatchID    string     `json:"batch_id,omitempty"`
	Total      int        `json:"total"`
	Attempted  int        `json:"attempted"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	Running    bool       `json:"running"`
	Cancelled  bool       `json:"cancelled"`
	HasRun     bool       `json:"has_run"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Metrics receives one observation per attempted send.
type Metrics interface {
	RecordDispatch(ctx context.Context, provider string, success bool, latency time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordDispatch(context.Context, string, bool, time.Duration) {}
