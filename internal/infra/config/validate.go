package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateVoice(cfg, ve)
	validateSession(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := &cfg.Gateway

	if g.URL == "" {
		ve.Add("gateway.url must not be empty")
	} else if u, err := url.Parse(g.URL); err != nil {
		ve.Add("gateway.url %q is not a valid URL: %v", g.URL, err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		ve.Add("gateway.url scheme %q is invalid (want: ws, wss)", u.Scheme)
	}

	if g.Token == "" {
		ve.Add("gateway.token is empty (set via TRILL_GATEWAY_TOKEN)")
	}
	if strings.HasPrefix(g.Token, "enc:") {
		ve.Add("gateway.token is still encrypted (set TRILL_CONFIG_KEY)")
	}

	if g.ShardCount < 0 {
		ve.Add("gateway.shard_count must be >= 0")
	}
	if g.ShardCount > 0 {
		if g.ShardID < 0 || g.ShardID >= g.ShardCount {
			ve.Add("gateway.shard_id %d out of range for shard_count %d", g.ShardID, g.ShardCount)
		}
	}

	if g.HandshakeTimeout <= 0 {
		ve.Add("gateway.handshake_timeout must be > 0")
	}
	if g.HeartbeatJitter < 0 || g.HeartbeatJitter > 1 {
		ve.Add("gateway.heartbeat_jitter must be within [0, 1]")
	}
	if g.SendRatePerMinute <= 0 {
		ve.Add("gateway.send_rate_per_minute must be > 0")
	}
	if g.SendBurst <= 0 {
		ve.Add("gateway.send_burst must be > 0")
	}

	r := &g.Reconnect
	if r.MaxAttempts < 0 {
		ve.Add("gateway.reconnect.max_attempts must be >= 0")
	}
	if r.BaseDelay <= 0 {
		ve.Add("gateway.reconnect.base_delay must be > 0")
	}
	if r.MaxDelay <= 0 {
		ve.Add("gateway.reconnect.max_delay must be > 0")
	}
	if r.BaseDelay > 0 && r.MaxDelay > 0 && r.MaxDelay < r.BaseDelay {
		ve.Add("gateway.reconnect.max_delay must be >= base_delay")
	}
	if r.BreakerMaxFailures == 0 {
		ve.Add("gateway.reconnect.breaker_max_failures must be > 0")
	}
	if r.BreakerTimeout <= 0 {
		ve.Add("gateway.reconnect.breaker_timeout must be > 0")
	}
}

func validateVoice(cfg *Config, ve *ValidationError) {
	v := &cfg.Voice

	if v.HandshakeTimeout <= 0 {
		ve.Add("voice.handshake_timeout must be > 0")
	}
	if v.MaxAttempts < 0 {
		ve.Add("voice.max_attempts must be >= 0 (0 retries forever)")
	}
	if v.BaseDelay <= 0 {
		ve.Add("voice.base_delay must be > 0")
	}
	if v.MaxDelay < v.BaseDelay {
		ve.Add("voice.max_delay must be >= base_delay")
	}
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.Persist && cfg.Session.Path == "" {
		ve.Add("session.path must not be empty when session.persist is true")
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[cfg.Logger.Level] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	switch cfg.Logger.Output {
	case "stdout", "stderr", "":
	default:
		// anything else is treated as a file path; nothing to validate here
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
}
