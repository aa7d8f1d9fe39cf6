package gateway

import (
	"encoding/json"
	"strings"

	"trill/internal/domain"
)

// FrameType identifies the kind of transport frame read off the socket.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
	FrameClose
	FramePing
	FramePong
)

// Frame is one raw transport frame. For close frames, Content carries the
// close reason or the numeric close code rendered as a string.
type Frame struct {
	Type    FrameType
	Content []byte
}

// FrameKind is the classification verdict for one frame.
type FrameKind int

const (
	// KindError means the frame's text matched the close-error table.
	KindError FrameKind = iota
	// KindHeartbeatAck is a decoded payload carrying the heartbeat-ack opcode.
	KindHeartbeatAck
	// KindPayload is any other successfully decoded payload.
	KindPayload
	// KindMalformed is a text frame whose body failed to decode.
	KindMalformed
	// KindIgnored covers binary/ping/pong frames and close frames with no
	// recognized error text.
	KindIgnored
)

// Classification is the result of classifying one frame. Exactly one of
// Err/Payload is meaningful, selected by Kind.
type Classification struct {
	Kind    FrameKind
	Err     domain.GatewayError
	Payload *domain.Payload
}

// errorTable maps both the human-readable close reason and the numeric close
// code (as a string) to a gateway error. Lookup keys are normalized first.
var errorTable = map[string]domain.GatewayError{
	"unknown error":                 domain.GatewayErrUnknown,
	"4000":                          domain.GatewayErrUnknown,
	"unknown opcode":                domain.GatewayErrUnknownOpcode,
	"4001":                          domain.GatewayErrUnknownOpcode,
	"decode error":                  domain.GatewayErrDecode,
	"error while decoding payload":  domain.GatewayErrDecode,
	"4002":                          domain.GatewayErrDecode,
	"not authenticated":             domain.GatewayErrNotAuthenticated,
	"4003":                          domain.GatewayErrNotAuthenticated,
	"authentication failed":         domain.GatewayErrAuthenticationFailed,
	"4004":                          domain.GatewayErrAuthenticationFailed,
	"already authenticated":         domain.GatewayErrAlreadyAuthenticated,
	"4005":                          domain.GatewayErrAlreadyAuthenticated,
	"invalid seq":                   domain.GatewayErrInvalidSequenceNumber,
	"4007":                          domain.GatewayErrInvalidSequenceNumber,
	"rate limited":                  domain.GatewayErrRateLimited,
	"4008":                          domain.GatewayErrRateLimited,
	"session timed out":             domain.GatewayErrSessionTimedOut,
	"4009":                          domain.GatewayErrSessionTimedOut,
	"invalid shard":                 domain.GatewayErrInvalidShard,
	"4010":                          domain.GatewayErrInvalidShard,
	"sharding required":             domain.GatewayErrShardingRequired,
	"4011":                          domain.GatewayErrShardingRequired,
	"invalid api version":           domain.GatewayErrInvalidAPIVersion,
	"4012":                          domain.GatewayErrInvalidAPIVersion,
	"invalid intent(s)":             domain.GatewayErrInvalidIntents,
	"invalid intent":                domain.GatewayErrInvalidIntents,
	"4013":                          domain.GatewayErrInvalidIntents,
	"disallowed intent(s)":          domain.GatewayErrDisallowedIntents,
	"disallowed intents":            domain.GatewayErrDisallowedIntents,
	"4014":                          domain.GatewayErrDisallowedIntents,
}

// normalizeErrorText lowercases and strips trailing periods so both
// "Rate limited." and "rate limited" hit the same table entry.
func normalizeErrorText(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	return strings.TrimRight(s, ".")
}

// MatchGatewayError looks up textual content in the close-error table.
// Matching is lexical: any case, optional trailing period.
func MatchGatewayError(content string) (domain.GatewayError, bool) {
	ge, ok := errorTable[normalizeErrorText(content)]
	return ge, ok
}

// payloadProbe checks structural validity without committing to full decode.
type payloadProbe struct {
	Op *int `json:"op"`
}

// Classify inspects one raw frame and reports exactly what it is. The error
// table is consulted first for any frame carrying text, so a close reason
// like "Authentication failed." classifies as an error even before payload
// decoding is considered. Classification is pure: no side effects, no
// ordering dependence between frames.
func Classify(f Frame) Classification {
	if len(f.Content) > 0 {
		if ge, ok := MatchGatewayError(string(f.Content)); ok {
			return Classification{Kind: KindError, Err: ge}
		}
	}

	// Only non-close text frames can carry payloads.
	if f.Type != FrameText {
		return Classification{Kind: KindIgnored}
	}

	var probe payloadProbe
	if err := json.Unmarshal(f.Content, &probe); err != nil || probe.Op == nil {
		return Classification{Kind: KindMalformed}
	}

	var p domain.Payload
	if err := json.Unmarshal(f.Content, &p); err != nil {
		return Classification{Kind: KindMalformed}
	}

	if p.Op == domain.OpHeartbeatAck {
		return Classification{Kind: KindHeartbeatAck, Payload: &p}
	}
	return Classification{Kind: KindPayload, Payload: &p}
}
