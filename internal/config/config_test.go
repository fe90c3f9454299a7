package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 5.0, cfg.RTPLossThreshold)
	assert.Equal(t, time.Hour, cfg.SLAWindow)
	assert.Equal(t, time.Minute, cfg.SLABucket)
	assert.Less(t, cfg.RecoverThreshold, cfg.BreachThreshold)
	assert.Equal(t, []string{"primary", "secondary"}, cfg.Providers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CALLGUARD_MAX_RETRIES", "5")
	t.Setenv("CALLGUARD_BACKOFF_BASE", "100ms")
	t.Setenv("CALLGUARD_PROVIDERS", "twilio, vonage ,bandwidth")
	t.Setenv("CALLGUARD_BUCKET_OVERRIDES", "route-a=200:20,bogus,route-b=50:5")
	t.Setenv("CALLGUARD_SMS_FALLBACK", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, []string{"twilio", "vonage", "bandwidth"}, cfg.Providers)
	assert.True(t, cfg.SMSFallback)

	require.Len(t, cfg.BucketOverrides, 2)
	assert.Equal(t, Bucket{Capacity: 200, Refill: 20}, cfg.BucketOverrides["route-a"])
	assert.Equal(t, Bucket{Capacity: 50, Refill: 5}, cfg.BucketOverrides["route-b"])
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("CALLGUARD_MAX_RETRIES", "not-a-number")
	t.Setenv("CALLGUARD_SLA_BREACH_THRESHOLD", "??")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 0.03, cfg.BreachThreshold)
}

func TestValidateRejectsInvertedHysteresis(t *testing.T) {
	t.Setenv("CALLGUARD_SLA_RECOVER_THRESHOLD", "0.5")
	t.Setenv("CALLGUARD_SLA_BREACH_THRESHOLD", "0.1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recover threshold")
}

func TestValidateRejectsEmptyProviders(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.Providers = nil
	require.Error(t, cfg.Validate())
}
