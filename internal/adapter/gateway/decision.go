package gateway

import "trill/internal/domain"

// DisconnectKind names how a connection came apart.
type DisconnectKind int

const (
	// DisconnectProtocol is a close frame whose content matched the
	// gateway error table.
	DisconnectProtocol DisconnectKind = iota
	// DisconnectTransport is a socket-level failure with no protocol
	// semantics attached (reset, TLS failure, read error).
	DisconnectTransport
	// DisconnectZombie is a missed heartbeat ack.
	DisconnectZombie
	// DisconnectRequested is a server-initiated "please reconnect".
	DisconnectRequested
	// DisconnectHandshakeTimeout means hello/ready never arrived in time.
	DisconnectHandshakeTimeout
	// DisconnectInvalidSession is the server invalidating the session,
	// with Resumable saying whether a resume may still be attempted.
	DisconnectInvalidSession
	// DisconnectUnmatchedClose is a close frame whose content matched
	// nothing in the error table.
	DisconnectUnmatchedClose
)

// Disconnect describes one connection teardown for retry-policy purposes.
type Disconnect struct {
	Kind      DisconnectKind
	Err       domain.GatewayError // valid only for DisconnectProtocol
	Cause     error               // underlying transport error, if any
	Resumable bool                // valid only for DisconnectInvalidSession
}

// Action is the retry verdict for a disconnect.
type Action int

const (
	// ActionTerminate surfaces the failure and stops; session cleared.
	ActionTerminate Action = iota
	// ActionRetryFresh reconnects with a fresh identify; session cleared.
	ActionRetryFresh
	// ActionRetryResume reconnects and resumes; session preserved.
	ActionRetryResume
)

// Decide maps a disconnect to the action the connection loop takes next.
//
// Fatal protocol errors terminate permanently. Rate limiting and session
// timeout retry from scratch. Everything else, including zombies, transport
// failures and unmatched closes, is presumed resumable.
func Decide(d Disconnect) Action {
	switch d.Kind {
	case DisconnectProtocol:
		switch {
		case d.Err.Fatal():
			return ActionTerminate
		case d.Err.RequiresFreshIdentify():
			return ActionRetryFresh
		default:
			return ActionRetryResume
		}
	case DisconnectInvalidSession:
		if d.Resumable {
			return ActionRetryResume
		}
		return ActionRetryFresh
	default:
		return ActionRetryResume
	}
}

// ClearsSession reports whether the action abandons the current session.
func (a Action) ClearsSession() bool {
	return a == ActionTerminate || a == ActionRetryFresh
}

func (a Action) String() string {
	switch a {
	case ActionTerminate:
		return "terminate"
	case ActionRetryFresh:
		return "retry-fresh"
	case ActionRetryResume:
		return "retry-resume"
	default:
		return "unknown"
	}
}
