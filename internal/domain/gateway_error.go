package domain

// GatewayError is a protocol-level close condition reported by the server.
// It is produced only by classifying an error/close frame, never from a
// normal payload frame.
type GatewayError int

const (
	GatewayErrUnknown GatewayError = iota
	GatewayErrUnknownOpcode
	GatewayErrDecode
	GatewayErrNotAuthenticated
	GatewayErrAuthenticationFailed
	GatewayErrAlreadyAuthenticated
	GatewayErrInvalidSequenceNumber
	GatewayErrRateLimited
	GatewayErrSessionTimedOut
	GatewayErrInvalidShard
	GatewayErrShardingRequired
	GatewayErrInvalidAPIVersion
	GatewayErrInvalidIntents
	GatewayErrDisallowedIntents
)

var gatewayErrorNames = map[GatewayError]string{
	GatewayErrUnknown:               "unknown error",
	GatewayErrUnknownOpcode:         "unknown opcode",
	GatewayErrDecode:                "decode error",
	GatewayErrNotAuthenticated:      "not authenticated",
	GatewayErrAuthenticationFailed:  "authentication failed",
	GatewayErrAlreadyAuthenticated:  "already authenticated",
	GatewayErrInvalidSequenceNumber: "invalid seq",
	GatewayErrRateLimited:           "rate limited",
	GatewayErrSessionTimedOut:       "session timed out",
	GatewayErrInvalidShard:          "invalid shard",
	GatewayErrShardingRequired:      "sharding required",
	GatewayErrInvalidAPIVersion:     "invalid api version",
	GatewayErrInvalidIntents:        "invalid intents",
	GatewayErrDisallowedIntents:     "disallowed intents",
}

func (e GatewayError) String() string {
	if s, ok := gatewayErrorNames[e]; ok {
		return s
	}
	return "unknown error"
}

func (e GatewayError) Error() string { return "gateway: " + e.String() }

// Fatal reports whether the condition terminates the session permanently.
// Fatal conditions are never retried and clear the session state.
func (e GatewayError) Fatal() bool {
	switch e {
	case GatewayErrAuthenticationFailed,
		GatewayErrInvalidShard,
		GatewayErrShardingRequired,
		GatewayErrInvalidAPIVersion,
		GatewayErrInvalidIntents,
		GatewayErrDisallowedIntents:
		return true
	}
	return false
}

// RequiresFreshIdentify reports whether a reconnect after this condition
// must start a new session instead of resuming the old one.
func (e GatewayError) RequiresFreshIdentify() bool {
	switch e {
	case GatewayErrRateLimited, GatewayErrSessionTimedOut:
		return true
	}
	return false
}
