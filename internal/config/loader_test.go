package config

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSecretProvider is a canned SecretProvider that records its calls.
type testSecretProvider struct {
	values     map[string]string
	err        error
	calledWith []string
	callCount  int
}

func (p *testSecretProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	p.callCount++
	p.calledWith = append(p.calledWith, keys...)
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// setMinimalTestEnv sets the variables required to pass validation.
func setMinimalTestEnv(t *testing.T, appEnv string) {
	t.Helper()
	t.Setenv("APP_ENV", appEnv)
	t.Setenv("EMAIL_FROM_ADDRESS", "sender@example.com")
	t.Setenv("EMAIL_PROVIDER", "ses")
	t.Setenv("LOG_LEVEL", "info")
}

// depsWithout returns OS-backed deps that report the given keys as unset.
func depsWithout(t *testing.T, hidden ...string) loaderDeps {
	t.Helper()
	h := make(map[string]bool, len(hidden))
	for _, k := range hidden {
		h[k] = true
	}
	return loaderDeps{
		lookupEnv: func(key string) (string, bool) {
			if h[key] {
				return "", false
			}
			return os.LookupEnv(key)
		},
		setEnv: func(key, value string) error {
			delete(h, key)
			t.Setenv(key, value)
			return nil
		},
		environ: os.Environ,
	}
}

func requireConfigErrorType(t *testing.T, err error, want ConfigErrorType) {
	t.Helper()
	require.Error(t, err)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected *ConfigError, got %T", err)
	assert.Equal(t, want, cfgErr.Type)
}

func TestLoadConfig_LocalDefaults(t *testing.T) {
	setMinimalTestEnv(t, "local")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, 62*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, 20, cfg.Dispatch.Cap)
	assert.Equal(t, "https://ulvis.net", cfg.Tracking.BaseURL)
	assert.Equal(t, 25, cfg.Tracking.MaxConcurrency)
	assert.Equal(t, 3, cfg.Tracking.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Tracking.RetryDelay)
	assert.Equal(t, 90*24*time.Hour, cfg.Tracking.LinkTTL)
	assert.Equal(t, "ses", cfg.Email.Provider)
	assert.Equal(t, "sender@example.com", cfg.Email.FromAddress)
	assert.Equal(t, NewBuildInfo(), cfg.Build)
	assert.Equal(t, time.UTC, time.Local)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setMinimalTestEnv(t, "local")
	t.Setenv("DISPATCH_INTERVAL", "2s")
	t.Setenv("DISPATCH_CAP", "5")
	t.Setenv("TRACKING_MAX_CONCURRENCY", "4")

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Dispatch.Interval)
	assert.Equal(t, 5, cfg.Dispatch.Cap)
	assert.Equal(t, 4, cfg.Tracking.MaxConcurrency)
}

func TestLoadConfig_MissingAppEnv(t *testing.T) {
	_, err := loadConfigWithDeps(nil, depsWithout(t, "APP_ENV"))
	requireConfigErrorType(t, err, ErrMissingEnv)
}

func TestLoadConfig_InvalidAppEnv(t *testing.T) {
	setMinimalTestEnv(t, "qa")
	_, err := LoadConfig(nil)
	requireConfigErrorType(t, err, ErrValidation)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	setMinimalTestEnv(t, "local")
	t.Setenv("DISPATCH_INTERVAL", "soon")
	_, err := LoadConfig(nil)
	requireConfigErrorType(t, err, ErrParsing)
}

func TestLoadConfig_ZeroCapRejected(t *testing.T) {
	setMinimalTestEnv(t, "local")
	t.Setenv("DISPATCH_CAP", "0")
	_, err := LoadConfig(nil)
	requireConfigErrorType(t, err, ErrValidation)
}

func TestLoadConfig_SendGridRequiresKey(t *testing.T) {
	if _, ok := os.LookupEnv("SENDGRID_API_KEY"); ok {
		t.Skip("SENDGRID_API_KEY set in the host environment")
	}
	setMinimalTestEnv(t, "local")
	t.Setenv("EMAIL_PROVIDER", "sendgrid")

	_, err := LoadConfig(nil)
	requireConfigErrorType(t, err, ErrValidation)
}

func TestLoadConfig_ResolvesSSMInNonLocal(t *testing.T) {
	setMinimalTestEnv(t, "prod")
	t.Setenv("EMAIL_PROVIDER", "sendgrid")
	t.Setenv("SENDGRID_API_KEY_SSM_PARAM", "/prod/mailmerge/sendgrid/api_key")

	provider := &testSecretProvider{
		values: map[string]string{"/prod/mailmerge/sendgrid/api_key": "SG.test-key"},
	}

	cfg, err := loadConfigWithDeps(provider, depsWithout(t, "SENDGRID_API_KEY"))
	require.NoError(t, err)

	assert.Equal(t, 1, provider.callCount)
	assert.Equal(t, []string{"/prod/mailmerge/sendgrid/api_key"}, provider.calledWith)
	assert.Equal(t, "SG.test-key", cfg.Email.SendGridAPIKey.Unmask())
	assert.Equal(t, "***REDACTED***", cfg.Email.SendGridAPIKey.String())
}

func TestLoadConfig_LocalSkipsSSM(t *testing.T) {
	setMinimalTestEnv(t, "local")
	t.Setenv("SENDGRID_API_KEY_SSM_PARAM", "/local/unused")

	provider := &testSecretProvider{}
	_, err := LoadConfig(provider)
	require.NoError(t, err)
	assert.Equal(t, 0, provider.callCount)
}

func TestResolveSSMParams(t *testing.T) {
	baseEnv := []string{
		"PATH=/usr/bin",
		"SENDGRID_API_KEY_SSM_PARAM=/dev/sg",
		"AWS_SECRET_ACCESS_KEY_SSM_PARAM=/dev/aws",
		"EMPTY_SSM_PARAM=",
	}

	newDeps := func(preset map[string]string, set map[string]string) loaderDeps {
		return loaderDeps{
			lookupEnv: func(key string) (string, bool) {
				v, ok := preset[key]
				return v, ok
			},
			setEnv: func(key, value string) error {
				set[key] = value
				return nil
			},
			environ: func() []string { return baseEnv },
		}
	}

	t.Run("exports resolved values", func(t *testing.T) {
		set := map[string]string{}
		provider := &testSecretProvider{values: map[string]string{
			"/dev/sg":  "sg",
			"/dev/aws": "aws",
		}}

		err := resolveSSMParams(provider, newDeps(nil, set))
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"SENDGRID_API_KEY": "sg", "AWS_SECRET_ACCESS_KEY": "aws"}, set)
		assert.ElementsMatch(t, []string{"/dev/sg", "/dev/aws"}, provider.calledWith)
	})

	t.Run("direct env wins over ssm", func(t *testing.T) {
		set := map[string]string{}
		provider := &testSecretProvider{values: map[string]string{"/dev/aws": "aws"}}

		err := resolveSSMParams(provider, newDeps(map[string]string{"SENDGRID_API_KEY": "direct"}, set))
		require.NoError(t, err)
		assert.Equal(t, []string{"/dev/aws"}, provider.calledWith)
		assert.NotContains(t, set, "SENDGRID_API_KEY")
	})

	t.Run("nil provider", func(t *testing.T) {
		err := resolveSSMParams(nil, newDeps(nil, map[string]string{}))
		requireConfigErrorType(t, err, ErrSSMResolution)
		assert.Contains(t, err.Error(), "SENDGRID_API_KEY")
	})

	t.Run("provider failure", func(t *testing.T) {
		boom := errors.New("throttled")
		err := resolveSSMParams(&testSecretProvider{err: boom}, newDeps(nil, map[string]string{}))
		requireConfigErrorType(t, err, ErrSSMResolution)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("missing parameter", func(t *testing.T) {
		provider := &testSecretProvider{values: map[string]string{"/dev/sg": "sg"}}
		err := resolveSSMParams(provider, newDeps(nil, map[string]string{}))
		requireConfigErrorType(t, err, ErrSSMResolution)
		assert.Contains(t, err.Error(), "AWS_SECRET_ACCESS_KEY")
	})
}

func TestConfigError_Format(t *testing.T) {
	inner := errors.New("bad")
	e := &ConfigError{Type: ErrParsing, Message: "parse", Err: inner}
	assert.Equal(t, "[PARSING_FAILED] parse: bad", e.Error())
	assert.ErrorIs(t, e, inner)

	bare := &ConfigError{Type: ErrMissingEnv, Message: "APP_ENV must be set"}
	assert.Equal(t, "[MISSING_ENV] APP_ENV must be set", bare.Error())
}
