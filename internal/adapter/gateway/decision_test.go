package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"trill/internal/domain"
)

func TestDecideFatalProtocolErrors(t *testing.T) {
	fatal := []domain.GatewayError{
		domain.GatewayErrAuthenticationFailed,
		domain.GatewayErrInvalidIntents,
		domain.GatewayErrDisallowedIntents,
		domain.GatewayErrInvalidAPIVersion,
		domain.GatewayErrInvalidShard,
		domain.GatewayErrShardingRequired,
	}
	for _, ge := range fatal {
		action := Decide(Disconnect{Kind: DisconnectProtocol, Err: ge})
		assert.Equal(t, ActionTerminate, action, "%v", ge)
		assert.True(t, action.ClearsSession())
	}
}

func TestDecideFreshIdentify(t *testing.T) {
	for _, ge := range []domain.GatewayError{domain.GatewayErrRateLimited, domain.GatewayErrSessionTimedOut} {
		action := Decide(Disconnect{Kind: DisconnectProtocol, Err: ge})
		assert.Equal(t, ActionRetryFresh, action, "%v", ge)
		assert.True(t, action.ClearsSession())
	}
}

func TestDecideResumableProtocolErrors(t *testing.T) {
	resumable := []domain.GatewayError{
		domain.GatewayErrUnknown,
		domain.GatewayErrUnknownOpcode,
		domain.GatewayErrDecode,
		domain.GatewayErrNotAuthenticated,
		domain.GatewayErrAlreadyAuthenticated,
		domain.GatewayErrInvalidSequenceNumber,
	}
	for _, ge := range resumable {
		action := Decide(Disconnect{Kind: DisconnectProtocol, Err: ge})
		assert.Equal(t, ActionRetryResume, action, "%v", ge)
		assert.False(t, action.ClearsSession())
	}
}

func TestDecideNonProtocolDisconnects(t *testing.T) {
	for _, kind := range []DisconnectKind{
		DisconnectTransport,
		DisconnectZombie,
		DisconnectRequested,
		DisconnectHandshakeTimeout,
		DisconnectUnmatchedClose,
	} {
		assert.Equal(t, ActionRetryResume, Decide(Disconnect{Kind: kind}), "kind %d", kind)
	}
}

func TestDecideInvalidSession(t *testing.T) {
	assert.Equal(t, ActionRetryResume, Decide(Disconnect{Kind: DisconnectInvalidSession, Resumable: true}))
	assert.Equal(t, ActionRetryFresh, Decide(Disconnect{Kind: DisconnectInvalidSession, Resumable: false}))
}
