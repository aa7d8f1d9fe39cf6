package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"trill/internal/domain"
	"trill/internal/infra/config"
	"trill/internal/usecase/dispatch"
)

// fakeGateway runs an in-process websocket endpoint whose behavior per
// accepted connection is given by script. The connection ordinal (starting
// at 1) tells the script which attempt it is serving.
type fakeGateway struct {
	srv    *httptest.Server
	accept atomic.Int32
}

func newFakeGateway(t *testing.T, script func(ctx context.Context, conn *websocket.Conn, n int)) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{}
	fg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := int(fg.accept.Add(1))
		script(r.Context(), conn, n)
		conn.CloseNow()
	}))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

func testClientConfig(url string) config.GatewayConfig {
	return config.GatewayConfig{
		URL:               url,
		Token:             "tok",
		Intents:           513,
		Properties:        config.PropertiesConfig{OS: "linux", Browser: "trill", Device: "trill"},
		HandshakeTimeout:  2 * time.Second,
		HeartbeatJitter:   0.01,
		SendRatePerMinute: 6000,
		SendBurst:         10,
		Reconnect: config.ReconnectConfig{
			MaxAttempts:        5,
			BaseDelay:          10 * time.Millisecond,
			MaxDelay:           50 * time.Millisecond,
			BreakerMaxFailures: 10,
			BreakerTimeout:     time.Second,
		},
	}
}

func newTestClient(cfg config.GatewayConfig) (*Client, *dispatch.Dispatcher) {
	log := slog.New(slog.DiscardHandler)
	d := dispatch.New(log)
	return New(cfg, d, nil, log), d
}

func sendHello(ctx context.Context, conn *websocket.Conn, intervalMS int64) error {
	return wsjson.Write(ctx, conn, map[string]any{
		"op": 10,
		"d":  map[string]any{"heartbeat_interval": intervalMS},
	})
}

func readPayload(ctx context.Context, conn *websocket.Conn) (domain.Payload, error) {
	var p domain.Payload
	err := wsjson.Read(ctx, conn, &p)
	return p, err
}

// drain reads and acks heartbeats until the socket goes away.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		p, err := readPayload(ctx, conn)
		if err != nil {
			return
		}
		if p.Op == domain.OpHeartbeat {
			if err := wsjson.Write(ctx, conn, map[string]any{"op": 11}); err != nil {
				return
			}
		}
	}
}

func TestClientIdentifyAndDispatch(t *testing.T) {
	identified := make(chan domain.Payload, 1)

	fg := newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int) {
		if err := sendHello(ctx, conn, 60_000); err != nil {
			return
		}
		auth, err := readPayload(ctx, conn)
		if err != nil {
			return
		}
		identified <- auth

		wsjson.Write(ctx, conn, map[string]any{
			"op": 0, "s": 1, "t": "READY",
			"d": map[string]any{"session_id": "sess-1", "resume_gateway_url": ""},
		})
		wsjson.Write(ctx, conn, map[string]any{
			"op": 0, "s": 2, "t": "MESSAGE_CREATE",
			"d": map[string]any{"content": "hi"},
		})
		drain(ctx, conn)
	})

	client, d := newTestClient(testClientConfig(fg.wsURL()))

	events := make(chan domain.Event, 4)
	d.Subscribe("MESSAGE_CREATE", func(ctx context.Context, ev domain.Event) {
		events <- ev
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	// Identify carries token, intents, and properties.
	select {
	case auth := <-identified:
		assert.Equal(t, domain.OpIdentify, auth.Op)
		var ident domain.Identify
		require.NoError(t, json.Unmarshal(auth.Data, &ident))
		assert.Equal(t, "tok", ident.Token)
		assert.Equal(t, uint64(513), ident.Intents)
		assert.Equal(t, "trill", ident.Properties.Browser)
	case <-time.After(2 * time.Second):
		t.Fatal("identify never arrived")
	}

	select {
	case ev := <-events:
		assert.Equal(t, uint64(2), ev.Sequence)
		assert.True(t, ev.HasSequence)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never delivered")
	}

	snap := client.SessionSnapshot()
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, uint64(2), snap.Sequence)
	assert.Equal(t, StateActive, client.State())

	client.Close()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Close")
	}
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientResumeAfterReconnectRequest(t *testing.T) {
	resumes := make(chan domain.Payload, 1)

	var fg *fakeGateway
	fg = newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int) {
		if err := sendHello(ctx, conn, 60_000); err != nil {
			return
		}
		auth, err := readPayload(ctx, conn)
		if err != nil {
			return
		}

		switch n {
		case 1:
			wsjson.Write(ctx, conn, map[string]any{
				"op": 0, "s": 1, "t": "READY",
				"d": map[string]any{"session_id": "sess-r", "resume_gateway_url": fg.wsURL()},
			})
			// Ask the client to drop and come back.
			wsjson.Write(ctx, conn, map[string]any{"op": 7})
			drain(ctx, conn)
		default:
			resumes <- auth
			wsjson.Write(ctx, conn, map[string]any{
				"op": 0, "s": 2, "t": "RESUMED", "d": map[string]any{},
			})
			drain(ctx, conn)
		}
	})

	client, d := newTestClient(testClientConfig(fg.wsURL()))

	resumed := make(chan struct{}, 1)
	d.Subscribe(domain.EventResumed, func(ctx context.Context, ev domain.Event) {
		resumed <- struct{}{}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	select {
	case auth := <-resumes:
		require.Equal(t, domain.OpResume, auth.Op)
		var res domain.Resume
		require.NoError(t, json.Unmarshal(auth.Data, &res))
		assert.Equal(t, "sess-r", res.SessionID)
		assert.Equal(t, uint64(1), res.Seq)
		assert.Equal(t, "tok", res.Token)
	case <-time.After(3 * time.Second):
		t.Fatal("resume never arrived on second connection")
	}

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("RESUMED event never dispatched")
	}

	// The session survived the reconnect.
	assert.Equal(t, "sess-r", client.SessionSnapshot().SessionID)

	client.Close()
	require.NoError(t, <-runErr)
}

func TestClientFatalCloseTerminates(t *testing.T) {
	fg := newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int) {
		if err := sendHello(ctx, conn, 60_000); err != nil {
			return
		}
		if _, err := readPayload(ctx, conn); err != nil {
			return
		}
		conn.Close(websocket.StatusCode(4004), "Authentication failed.")
	})

	client, _ := newTestClient(testClientConfig(fg.wsURL()))

	err := client.Run(context.Background())
	require.Error(t, err)

	var ge domain.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, domain.GatewayErrAuthenticationFailed, ge)

	// Fatal close wipes the session; nothing to resume.
	assert.Empty(t, client.SessionSnapshot().SessionID)
	assert.Equal(t, int32(1), fg.accept.Load(), "no reconnect after a fatal close")
}

func TestClientZombieReconnectsWithResume(t *testing.T) {
	fg := newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int) {
		switch n {
		case 1:
			// Short heartbeat interval, and never ack: force a zombie.
			if err := sendHello(ctx, conn, 40); err != nil {
				return
			}
			if _, err := readPayload(ctx, conn); err != nil {
				return
			}
			wsjson.Write(ctx, conn, map[string]any{
				"op": 0, "s": 1, "t": "READY",
				"d": map[string]any{"session_id": "sess-z", "resume_gateway_url": ""},
			})
			for {
				if _, err := readPayload(ctx, conn); err != nil {
					return
				}
			}
		default:
			if err := sendHello(ctx, conn, 60_000); err != nil {
				return
			}
			auth, err := readPayload(ctx, conn)
			if err != nil || auth.Op != domain.OpResume {
				return
			}
			wsjson.Write(ctx, conn, map[string]any{
				"op": 0, "s": 2, "t": "RESUMED", "d": map[string]any{},
			})
			drain(ctx, conn)
		}
	})

	client, d := newTestClient(testClientConfig(fg.wsURL()))

	resumed := make(chan struct{}, 1)
	d.Subscribe(domain.EventResumed, func(ctx context.Context, ev domain.Event) {
		resumed <- struct{}{}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	select {
	case <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("client never resumed after zombie detection")
	}
	assert.GreaterOrEqual(t, fg.accept.Load(), int32(2))

	client.Close()
	require.NoError(t, <-runErr)
}

func TestClientHandshakeTimeoutExhaustsRetries(t *testing.T) {
	fg := newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int) {
		// Say nothing: the hello never comes, the client gives up.
		conn.Read(context.Background())
	})

	cfg := testClientConfig(fg.wsURL())
	cfg.HandshakeTimeout = 50 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 2

	client, _ := newTestClient(cfg)

	err := client.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrReconnectExhausted), "got %v", err)
}

func TestClientReadyNeverArrives(t *testing.T) {
	fg := newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int) {
		// Hello flows and heartbeats are acked, but READY never comes. The
		// acks keep zombie detection quiet; only the handshake window can
		// end this connection.
		if err := sendHello(ctx, conn, 50); err != nil {
			return
		}
		if _, err := readPayload(ctx, conn); err != nil {
			return
		}
		drain(ctx, conn)
	})

	cfg := testClientConfig(fg.wsURL())
	cfg.HandshakeTimeout = 150 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 2

	client, _ := newTestClient(cfg)

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrReconnectExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("Run never gave up on a server that withholds READY")
	}
	assert.Equal(t, int32(3), fg.accept.Load())
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClientSendRateLimited(t *testing.T) {
	fg := newFakeGateway(t, func(ctx context.Context, conn *websocket.Conn, n int) {
		if err := sendHello(ctx, conn, 60_000); err != nil {
			return
		}
		if _, err := readPayload(ctx, conn); err != nil {
			return
		}
		wsjson.Write(ctx, conn, map[string]any{
			"op": 0, "s": 1, "t": "READY",
			"d": map[string]any{"session_id": "sess-l", "resume_gateway_url": ""},
		})
		drain(ctx, conn)
	})

	cfg := testClientConfig(fg.wsURL())
	cfg.SendRatePerMinute = 60 // one payload per second
	cfg.SendBurst = 1

	client, d := newTestClient(cfg)

	active := make(chan struct{}, 1)
	d.Subscribe(domain.EventReady, func(ctx context.Context, ev domain.Event) {
		active <- struct{}{}
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(context.Background()) }()

	select {
	case <-active:
	case <-time.After(2 * time.Second):
		t.Fatal("client never became active")
	}

	// The burst token covers the first send.
	require.NoError(t, client.Send(context.Background(), domain.Payload{Op: domain.OpPresenceUpdate}))

	// The second would have to wait a full second; a short deadline is not
	// enough and the limiter refuses up front.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := client.Send(ctx, domain.Payload{Op: domain.OpPresenceUpdate})
	require.Error(t, err)

	client.Close()
	require.NoError(t, <-runErr)
}

func TestClientDialBreakerOpens(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	d := dispatch.New(log)

	// Nothing listens on this port; every dial fails fast.
	cfg := testClientConfig("ws://127.0.0.1:1")
	cfg.HandshakeTimeout = 50 * time.Millisecond
	cfg.Reconnect.MaxAttempts = 4
	cfg.Reconnect.BreakerMaxFailures = 2

	client := New(cfg, d, nil, log)

	err := client.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrReconnectExhausted), "got %v", err)
	assert.Contains(t, buf.String(), "circuit breaker state change")
}

func TestClientSendRequiresActive(t *testing.T) {
	client, _ := newTestClient(testClientConfig("ws://127.0.0.1:1"))

	err := client.Send(context.Background(), domain.Payload{Op: domain.OpPresenceUpdate})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotConnected))
}
