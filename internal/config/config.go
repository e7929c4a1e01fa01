// Package config defines the configuration structure for the mail-merge
// service. Configuration is loaded once at process start and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format makes LoadConfig fail, and
// the entry point exits before serving any traffic.
package config

import (
	"time"

	"mailmerge/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import the types package for secret fields.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the section they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"mailmerge"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Dispatch      DispatchConfig
	Tracking      TrackingConfig
	Email         EmailConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	RequestTimeout     time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	CorsAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	MaxBatchSize       int           `envconfig:"MAX_BATCH_SIZE" default:"5000" validate:"min=1"`
}

// DispatchConfig holds the outbound rate limit for batch sending.
// These numbers are also shown to users in the upload page; keep them in sync.
type DispatchConfig struct {
	Interval time.Duration `envconfig:"DISPATCH_INTERVAL" default:"62s" validate:"gt=0"`
	Cap      int           `envconfig:"DISPATCH_CAP" default:"20" validate:"min=1"`
}

// TrackingConfig holds settings for the link-shortening / view-counter service.
type TrackingConfig struct {
	BaseURL        string        `envconfig:"TRACKING_BASE_URL" default:"https://ulvis.net" validate:"required,url"`
	PixelURL       string        `envconfig:"TRACKING_PIXEL_URL" default:"https://upload.wikimedia.org/wikipedia/commons/c/ca/1x1.png" validate:"required,url"`
	MaxConcurrency int           `envconfig:"TRACKING_MAX_CONCURRENCY" default:"25" validate:"min=1"`
	MaxAttempts    int           `envconfig:"TRACKING_MAX_ATTEMPTS" default:"3" validate:"min=1"`
	RetryDelay     time.Duration `envconfig:"TRACKING_RETRY_DELAY" default:"250ms"`
	LinkTTL        time.Duration `envconfig:"TRACKING_LINK_TTL" default:"2160h"`
	UserAgent      string        `envconfig:"TRACKING_USER_AGENT" default:"MailMerge/1.0"`
}

// EmailConfig selects and configures the sending credential used by the
// dispatcher.
type EmailConfig struct {
	Provider       string       `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" validate:"required,email"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME"`
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	SendGridURL    string       `envconfig:"SENDGRID_BASE_URL" default:"https://api.sendgrid.com" validate:"url"`
	SESConfigSet   string       `envconfig:"SES_CONFIG_SET"`
}

// AWSConfig holds regional configuration and an optional static credential
// delegated to the service for SES sending.
type AWSConfig struct {
	Region          string       `envconfig:"AWS_REGION" default:"us-east-1"`
	AccessKeyID     string       `envconfig:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey SecretString `envconfig:"AWS_SECRET_ACCESS_KEY"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"MailMerge"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
