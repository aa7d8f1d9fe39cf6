package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrNotConnected        = fmt.Errorf("not connected")
	ErrConnectionClosed    = fmt.Errorf("connection closed")
	ErrHandshakeTimeout    = fmt.Errorf("handshake timed out")
	ErrZombieConnection    = fmt.Errorf("heartbeat not acknowledged")
	ErrReconnectExhausted  = fmt.Errorf("reconnect attempts exhausted")
	ErrSessionNotResumable = fmt.Errorf("session not resumable")
	ErrSequenceRegression  = fmt.Errorf("sequence number regressed")
	ErrMalformedFrame      = fmt.Errorf("malformed frame")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrDecryption          = fmt.Errorf("decryption failed")
	ErrSessionStore        = fmt.Errorf("session store failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Gateway.Connect")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeConnectionClosed   ErrorCode = "CONNECTION_CLOSED"
	CodeHandshakeTimeout   ErrorCode = "HANDSHAKE_TIMEOUT"
	CodeZombie             ErrorCode = "ZOMBIE_CONNECTION"
	CodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"
	CodeSessionInvalid     ErrorCode = "SESSION_NOT_RESUMABLE"
	CodeSequenceRegression ErrorCode = "SEQUENCE_REGRESSION"
	CodeMalformedFrame     ErrorCode = "MALFORMED_FRAME"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodeSessionStore       ErrorCode = "SESSION_STORE"
	CodeProtocolFatal      ErrorCode = "PROTOCOL_FATAL"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotConnected:        CodeNotConnected,
	ErrConnectionClosed:    CodeConnectionClosed,
	ErrHandshakeTimeout:    CodeHandshakeTimeout,
	ErrZombieConnection:    CodeZombie,
	ErrReconnectExhausted:  CodeReconnectExhausted,
	ErrSessionNotResumable: CodeSessionInvalid,
	ErrSequenceRegression:  CodeSequenceRegression,
	ErrMalformedFrame:      CodeMalformedFrame,
	ErrConfigLoad:          CodeConfigLoad,
	ErrDecryption:          CodeDecryption,
	ErrSessionStore:        CodeSessionStore,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors; a
// GatewayError anywhere in the chain maps to CodeProtocolFatal when fatal.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	var ge GatewayError
	if errors.As(err, &ge) && ge.Fatal() {
		return CodeProtocolFatal
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
