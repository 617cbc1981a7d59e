package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envFrom(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "/webhooks/meta", cfg.MetaWebhookPath)
	assert.Equal(t, "https://graph.facebook.com", cfg.GraphAPIBaseURL)
	assert.Equal(t, 5*time.Second, cfg.ProfileLookupTimeout)
	assert.Equal(t, 2, cfg.ProfileLookupRetries)
	assert.Equal(t, time.Hour, cfg.ProfileRetryInterval)
	assert.Equal(t, 0.7, cfg.DefaultConfidence)
	assert.Equal(t, "omnidesk", cfg.RabbitMQQueuePrefix)
	assert.True(t, cfg.AutoProcess)
	assert.False(t, cfg.S3.Enabled)
	assert.Empty(t, cfg.AMQPSpecificEvents)
}

func TestFromEnvOverrides(t *testing.T) {
	cfg, err := FromEnv(envFrom(map[string]string{
		"PORT":                 "9000",
		"DATABASE_DRIVER":      "Postgres",
		"DATABASE_URL":         "postgres://localhost/omnidesk",
		"LLM_BASE_URL":         "http://llm.local/v1/",
		"LLM_TIMEOUT":          "12s",
		"DEFAULT_CONFIDENCE":   "0.4",
		"AMQP_SPECIFIC_EVENTS": "session.handed_off, message.received ,",
		"AUTO_PROCESS":         "false",
		"WEBHOOK_CONCURRENCY":  "0",
		"S3_ENABLED":           "true",
		"S3_BUCKET":            "media",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "http://llm.local/v1", cfg.LLMBaseURL)
	assert.Equal(t, 12*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 0.4, cfg.DefaultConfidence)
	assert.Equal(t, []string{"session.handed_off", "message.received"}, cfg.AMQPSpecificEvents)
	assert.False(t, cfg.AutoProcess)
	assert.Equal(t, 1, cfg.WebhookConcurrency)
	assert.True(t, cfg.S3.Enabled)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"LLM_TIMEOUT": "soon"}},
		{"bad int", map[string]string{"PROFILE_LOOKUP_RETRIES": "two"}},
		{"bad bool", map[string]string{"AUTO_PROCESS": "maybe"}},
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "mysql"}},
		{"confidence out of range", map[string]string{"DEFAULT_CONFIDENCE": "1.5"}},
		{"s3 without bucket", map[string]string{"S3_ENABLED": "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(envFrom(tt.env))
			assert.Error(t, err)
		})
	}
}
