package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "lifeos_events", cfg.Kafka.EventsTopic)

	assert.Equal(t, 50, cfg.Dispatch.BatchSize)
	assert.Equal(t, time.Second, cfg.Dispatch.PollInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Dispatch.YieldInterval)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 4*time.Second, cfg.Dispatch.Backoff)
	assert.Equal(t, float64(2), cfg.Dispatch.BackoffMultiplier)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.SendingTimeout)
	assert.Equal(t, 1, cfg.Dispatch.Dispatchers)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("OUTBOX_BATCH_SIZE", "25")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")
	t.Setenv("OUTBOX_MAX_ATTEMPTS", "3")
	t.Setenv("KAFKA_BROKER_URL", "kafka-1:9092,kafka-2:9092")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Dispatch.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.PollInterval)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.GetKafkaBrokers())
}

func TestDispatchConfig_Validate(t *testing.T) {
	valid := DispatchConfig{
		BatchSize:         10,
		PollInterval:      time.Second,
		YieldInterval:     time.Millisecond,
		MaxAttempts:       3,
		Backoff:           time.Second,
		BackoffMultiplier: 2,
		Dispatchers:       1,
	}
	require.NoError(t, valid.Validate())

	t.Run("rejects non-positive batch size", func(t *testing.T) {
		cfg := valid
		cfg.BatchSize = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive poll interval", func(t *testing.T) {
		cfg := valid
		cfg.PollInterval = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive max attempts", func(t *testing.T) {
		cfg := valid
		cfg.MaxAttempts = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects non-positive backoff multiplier", func(t *testing.T) {
		cfg := valid
		cfg.BackoffMultiplier = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero sending timeout is allowed, it disables the reaper", func(t *testing.T) {
		cfg := valid
		cfg.SendingTimeout = 0
		assert.NoError(t, cfg.Validate())
	})
}
