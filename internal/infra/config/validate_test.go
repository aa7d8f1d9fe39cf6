package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Gateway.Token = "tok"
	return cfg
}

func TestValidateAcceptsDefaultsWithToken(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateGateway(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty url", func(c *Config) { c.Gateway.URL = "" }, "gateway.url must not be empty"},
		{"bad scheme", func(c *Config) { c.Gateway.URL = "https://gw.example" }, "scheme"},
		{"empty token", func(c *Config) { c.Gateway.Token = "" }, "gateway.token is empty"},
		{"encrypted token", func(c *Config) { c.Gateway.Token = "enc:abcd:ef01" }, "still encrypted"},
		{"shard out of range", func(c *Config) { c.Gateway.ShardID = 3; c.Gateway.ShardCount = 2 }, "shard_id"},
		{"zero handshake timeout", func(c *Config) { c.Gateway.HandshakeTimeout = 0 }, "handshake_timeout"},
		{"jitter above one", func(c *Config) { c.Gateway.HeartbeatJitter = 1.5 }, "heartbeat_jitter"},
		{"zero send rate", func(c *Config) { c.Gateway.SendRatePerMinute = 0 }, "send_rate_per_minute"},
		{"max below base", func(c *Config) {
			c.Gateway.Reconnect.BaseDelay = time.Minute
			c.Gateway.Reconnect.MaxDelay = time.Second
		}, "max_delay must be >= base_delay"},
		{"zero breaker failures", func(c *Config) { c.Gateway.Reconnect.BreakerMaxFailures = 0 }, "breaker_max_failures"},
		{"zero voice base delay", func(c *Config) { c.Voice.BaseDelay = 0 }, "voice.base_delay"},
		{"voice max below base", func(c *Config) {
			c.Voice.BaseDelay = time.Minute
			c.Voice.MaxDelay = time.Second
		}, "voice.max_delay must be >= base_delay"},
		{"negative voice attempts", func(c *Config) { c.Voice.MaxAttempts = -1 }, "voice.max_attempts"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateAccumulates(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Token = ""
	cfg.Logger.Level = "loud"
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "carrier-pigeon"

	err := Validate(cfg)
	require.Error(t, err)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.GreaterOrEqual(t, len(ve.Errors), 3)
	assert.True(t, strings.Contains(err.Error(), "logger.level"))
	assert.True(t, strings.Contains(err.Error(), "tracer.exporter"))
}

func TestValidateSessionPath(t *testing.T) {
	cfg := validConfig()
	cfg.Session.Persist = true
	cfg.Session.Path = ""

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.path")

	cfg.Session.Persist = false
	assert.NoError(t, Validate(cfg))
}
