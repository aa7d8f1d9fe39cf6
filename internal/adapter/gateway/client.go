package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"trill/internal/domain"
	"trill/internal/infra/config"
	"trill/internal/infra/logger"
	"trill/internal/infra/tracer"
	"trill/internal/usecase/dispatch"
)

// State is the connection machine's current phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateAuthenticating
	StateReady
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// errClientClosed signals a caller-requested shutdown out of the loop.
var errClientClosed = errors.New("client closed")

// Client drives one gateway connection: dial, hello, identify or resume,
// then the steady state where dispatches flow to the dispatcher and
// heartbeats keep the link alive. Dropped connections reconnect with
// bounded exponential backoff; a circuit breaker around the dial keeps a
// flapping endpoint from being hammered.
//
// One Client owns one logical session. Session state is mutated only by the
// goroutine running Run; other goroutines read snapshots.
type Client struct {
	cfg        config.GatewayConfig
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	store      SessionStore

	breaker *gobreaker.CircuitBreaker[*websocket.Conn]
	limiter *rate.Limiter

	sessionMu sync.Mutex
	session   *domain.SessionState

	connMu sync.Mutex
	conn   *websocket.Conn

	state     atomic.Int32
	closeOnce sync.Once
	closeCh   chan struct{}
}

// New creates a gateway client. store may be nil to disable persistence.
func New(cfg config.GatewayConfig, dispatcher *dispatch.Dispatcher, store SessionStore, base *slog.Logger) *Client {
	log := logger.Component(base, "gateway").With("shard", cfg.ShardID)

	breaker := gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "gateway-dial",
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     cfg.Reconnect.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Reconnect.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Client{
		cfg:        cfg,
		logger:     log,
		dispatcher: dispatcher,
		store:      store,
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.SendRatePerMinute)/60.0), cfg.SendBurst),
		session:    domain.NewSessionState(),
		closeCh:    make(chan struct{}),
	}
}

// State returns the connection machine's current phase.
func (c *Client) State() State {
	return State(c.state.Load())
}

// SessionSnapshot returns a copy of the current session identity.
func (c *Client) SessionSnapshot() domain.SessionSnapshot {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session.Snapshot()
}

// Subscribe registers a handler for a dispatch event kind.
func (c *Client) Subscribe(kind domain.EventKind, handler domain.EventHandler) func() {
	return c.dispatcher.Subscribe(kind, handler)
}

// Send transmits a payload on the live connection. Sends are rate limited
// to stay under the server's outbound budget; heartbeats bypass this path
// entirely and are never delayed by it.
func (c *Client) Send(ctx context.Context, p domain.Payload) error {
	if c.State() != StateActive {
		return domain.NewDomainError("gateway.send", domain.ErrNotConnected, c.State().String())
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.WrapOp("gateway.send", err)
	}
	conn := c.currentConn()
	if conn == nil {
		return domain.NewDomainError("gateway.send", domain.ErrNotConnected, "socket gone")
	}
	return domain.WrapOp("gateway.send", wsjson.Write(ctx, conn, p))
}

// Close requests a clean shutdown: stop heartbeats, send a close frame,
// settle in Disconnected without reconnecting. Safe to call more than once
// and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// Run drives the connect/reconnect loop until the context is canceled, the
// caller invokes Close, a fatal protocol error occurs, or the reconnect
// ceiling is hit. It always returns with the socket released and the state
// machine in Disconnected.
func (c *Client) Run(ctx context.Context) error {
	defer c.state.Store(int32(StateDisconnected))

	c.restoreSession(ctx)

	attempt := 0
	for {
		disc, reachedReady, err := c.runOnce(ctx)
		c.persistSession(ctx)

		switch {
		case errors.Is(err, errClientClosed):
			c.logger.Info("connection closed by caller")
			return nil
		case err != nil:
			return err
		}

		if reachedReady {
			attempt = 0
		}

		action := Decide(disc)
		c.logger.Warn("connection lost",
			"kind", disc.Kind,
			"gateway_error", disc.Err.String(),
			"cause", disc.Cause,
			"action", action.String(),
		)

		if action.ClearsSession() {
			c.clearSession(ctx)
		}
		if action == ActionTerminate {
			return domain.NewDomainError("gateway.run", disc.Err, "fatal close")
		}

		attempt++
		if max := c.cfg.Reconnect.MaxAttempts; max > 0 && attempt > max {
			return domain.NewDomainError("gateway.run", domain.ErrReconnectExhausted,
				strconv.Itoa(attempt-1)+" attempts")
		}

		delay := retryBackoff(attempt-1, c.cfg.Reconnect.BaseDelay, c.cfg.Reconnect.MaxDelay)
		c.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce runs a single connection from dial to teardown. It returns the
// disconnect description, whether the connection reached Ready, and a
// non-nil error only for context cancellation or caller-requested close.
func (c *Client) runOnce(ctx context.Context) (Disconnect, bool, error) {
	connID := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
	log := c.logger.With("conn_id", connID)

	c.state.Store(int32(StateConnecting))

	dialURL := c.cfg.URL
	resuming := c.resumable()
	if resuming {
		if u := c.resumeURL(); u != "" {
			dialURL = u
		}
	}

	span := tracer.Connect(ctx, connID, c.cfg.ShardID, resuming)
	defer span.End()

	conn, err := c.breaker.Execute(func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, dialURL, nil)
		return conn, err
	})
	if err != nil {
		tracer.Fail(span, err)
		if ctx.Err() != nil {
			return Disconnect{}, false, ctx.Err()
		}
		return Disconnect{Kind: DisconnectTransport, Cause: err}, false, nil
	}
	defer conn.CloseNow()
	c.setConn(conn)
	defer c.setConn(nil)

	log.Info("socket opened", "url", dialURL, "resuming", resuming)
	c.state.Store(int32(StateAwaitingHello))

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readPump(ctx, conn, frames, readErr, done)

	hello, disc, err := c.awaitHello(ctx, frames, readErr)
	if err != nil {
		tracer.Fail(span, err)
		return Disconnect{}, false, err
	}
	if disc != nil {
		if disc.Cause != nil {
			tracer.Fail(span, disc.Cause)
		} else {
			tracer.Fail(span, disc.Err)
		}
		return *disc, false, nil
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	jitter := c.cfg.HeartbeatJitter
	if jitter == 0 {
		jitter = rand.Float64()
	}
	hb := NewHeartbeat(interval, jitter)
	defer hb.Stop()
	log.Debug("hello received", "heartbeat_interval", interval)

	c.state.Store(int32(StateAuthenticating))
	if err := c.authenticate(ctx, conn, resuming); err != nil {
		tracer.Fail(span, err)
		if ctx.Err() != nil {
			return Disconnect{}, false, ctx.Err()
		}
		return Disconnect{Kind: DisconnectTransport, Cause: err}, false, nil
	}
	tracer.OK(span)

	// The handshake window also bounds the READY/RESUMED wait. A server
	// that heartbeats but never delivers either would otherwise park us in
	// Authenticating with zombie detection satisfied by its acks.
	readyDeadline := time.NewTimer(c.cfg.HandshakeTimeout)
	defer readyDeadline.Stop()

	reachedReady := false
	for {
		select {
		case <-ctx.Done():
			c.state.Store(int32(StateClosing))
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return Disconnect{}, reachedReady, ctx.Err()

		case <-c.closeCh:
			c.state.Store(int32(StateClosing))
			conn.Close(websocket.StatusNormalClosure, "")
			return Disconnect{}, reachedReady, errClientClosed

		case <-readyDeadline.C:
			if !reachedReady {
				conn.Close(websocket.StatusGoingAway, "handshake timeout")
				return Disconnect{Kind: DisconnectHandshakeTimeout, Cause: domain.ErrHandshakeTimeout}, false, nil
			}

		case <-hb.C():
			if !hb.Fire() {
				log.Error("heartbeat ack missed, abandoning zombie connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return Disconnect{Kind: DisconnectZombie, Cause: domain.ErrZombieConnection}, reachedReady, nil
			}
			if err := c.writeHeartbeat(ctx, conn); err != nil {
				if ctx.Err() != nil {
					return Disconnect{}, reachedReady, ctx.Err()
				}
				return Disconnect{Kind: DisconnectTransport, Cause: err}, reachedReady, nil
			}

		case err := <-readErr:
			if ctx.Err() != nil {
				return Disconnect{}, reachedReady, ctx.Err()
			}
			return classifyReadError(err), reachedReady, nil

		case f := <-frames:
			disc, terminal := c.handleFrame(ctx, log, conn, hb, f, &reachedReady)
			if terminal {
				return disc, reachedReady, nil
			}
		}
	}
}

// readPump feeds inbound frames to the driving loop. It exits when the
// socket errors out or the connection attempt is torn down.
func readPump(ctx context.Context, conn *websocket.Conn, frames chan<- Frame, readErr chan<- error, done <-chan struct{}) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case readErr <- err:
			case <-done:
			}
			return
		}

		ft := FrameText
		if typ == websocket.MessageBinary {
			ft = FrameBinary
		}
		select {
		case frames <- Frame{Type: ft, Content: data}:
		case <-done:
			return
		}
	}
}

// awaitHello waits for the server's first payload within the handshake
// window. Anything other than a hello is a failed connect.
func (c *Client) awaitHello(ctx context.Context, frames <-chan Frame, readErr <-chan error) (*domain.Hello, *Disconnect, error) {
	deadline := time.NewTimer(c.cfg.HandshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-c.closeCh:
			return nil, nil, errClientClosed
		case <-deadline.C:
			return nil, &Disconnect{Kind: DisconnectHandshakeTimeout, Cause: domain.ErrHandshakeTimeout}, nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			d := classifyReadError(err)
			return nil, &d, nil
		case f := <-frames:
			cl := Classify(f)
			switch cl.Kind {
			case KindError:
				return nil, &Disconnect{Kind: DisconnectProtocol, Err: cl.Err}, nil
			case KindPayload:
				if cl.Payload.Op != domain.OpHello {
					c.logger.Warn("unexpected payload before hello", "op", int(cl.Payload.Op))
					continue
				}
				var hello domain.Hello
				if err := json.Unmarshal(cl.Payload.Data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
					return nil, &Disconnect{Kind: DisconnectTransport, Cause: domain.ErrMalformedFrame}, nil
				}
				return &hello, nil, nil
			default:
				// malformed or ignorable pre-hello noise
				continue
			}
		}
	}
}

// authenticate sends identify for a fresh session or resume when the prior
// session is still resumable.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn, resuming bool) error {
	var (
		p   domain.Payload
		err error
	)
	if resuming {
		p, err = buildResume(c.cfg.Token, c.SessionSnapshot())
	} else {
		p, err = buildIdentify(c.cfg)
	}
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, p)
}

func (c *Client) writeHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	c.sessionMu.Lock()
	seq := c.session.Sequence
	c.sessionMu.Unlock()
	return wsjson.Write(ctx, conn, buildHeartbeat(seq))
}

// handleFrame processes one inbound frame in Active (or pre-Ready) state.
// terminal=true means the connection is over and disc describes why.
func (c *Client) handleFrame(ctx context.Context, log *slog.Logger, conn *websocket.Conn, hb *Heartbeat, f Frame, reachedReady *bool) (disc Disconnect, terminal bool) {
	cl := Classify(f)
	switch cl.Kind {
	case KindError:
		conn.Close(websocket.StatusNormalClosure, "")
		return Disconnect{Kind: DisconnectProtocol, Err: cl.Err}, true

	case KindHeartbeatAck:
		hb.Ack()
		return Disconnect{}, false

	case KindMalformed:
		// Bad dispatch frames are dropped; the connection stays up.
		log.Warn("dropping malformed frame", "size", len(f.Content))
		return Disconnect{}, false

	case KindIgnored:
		return Disconnect{}, false
	}

	p := cl.Payload
	switch p.Op {
	case domain.OpDispatch:
		c.handleDispatch(ctx, log, p, reachedReady)

	case domain.OpHeartbeat:
		// Server asked for an immediate beat.
		if err := c.writeHeartbeat(ctx, conn); err != nil {
			return Disconnect{Kind: DisconnectTransport, Cause: err}, true
		}
		hb.Sent()

	case domain.OpReconnect:
		conn.Close(websocket.StatusNormalClosure, "")
		return Disconnect{Kind: DisconnectRequested}, true

	case domain.OpInvalidSession:
		var resumable bool
		if err := json.Unmarshal(p.Data, &resumable); err != nil {
			resumable = false
		}
		conn.Close(websocket.StatusNormalClosure, "")
		return Disconnect{Kind: DisconnectInvalidSession, Resumable: resumable}, true

	case domain.OpHello:
		log.Warn("hello received mid-session, ignoring")

	default:
		log.Warn("unknown opcode", "op", int(p.Op))
	}
	return Disconnect{}, false
}

// handleDispatch advances the sequence, tracks READY/RESUMED, and forwards
// the event to subscribers.
func (c *Client) handleDispatch(ctx context.Context, log *slog.Logger, p *domain.Payload, reachedReady *bool) {
	ev := domain.Event{Kind: domain.EventKind(p.Event), Data: p.Data}

	if p.Seq != nil {
		ev.Sequence = *p.Seq
		ev.HasSequence = true
		c.sessionMu.Lock()
		err := c.session.RecordDispatch(*p.Seq)
		c.sessionMu.Unlock()
		if err != nil {
			// The server is authoritative on sequencing; surface, don't fix.
			log.Warn("sequence regression observed", "seq", *p.Seq, "error", err)
		}
	}

	switch ev.Kind {
	case domain.EventReady:
		var ready domain.Ready
		if err := json.Unmarshal(p.Data, &ready); err != nil {
			log.Error("undecodable READY payload", "error", err)
			return
		}
		c.sessionMu.Lock()
		c.session.SessionID = ready.SessionID
		c.session.ResumeGatewayURL = ready.ResumeGatewayURL
		c.sessionMu.Unlock()
		c.state.Store(int32(StateReady))
		c.state.Store(int32(StateActive))
		*reachedReady = true
		c.persistSession(ctx)
		log.Info("session established", "session_id", ready.SessionID)

	case domain.EventResumed:
		c.state.Store(int32(StateActive))
		*reachedReady = true
		log.Info("session resumed")
	}

	c.dispatcher.Dispatch(ctx, ev)
}

// classifyReadError turns a socket read failure into a Disconnect. Close
// frames run through the lexical error table on their reason, falling back
// to the numeric close code.
func classifyReadError(err error) Disconnect {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ge, ok := MatchGatewayError(ce.Reason); ok {
			return Disconnect{Kind: DisconnectProtocol, Err: ge, Cause: err}
		}
		if ge, ok := MatchGatewayError(strconv.Itoa(int(ce.Code))); ok {
			return Disconnect{Kind: DisconnectProtocol, Err: ge, Cause: err}
		}
		return Disconnect{Kind: DisconnectUnmatchedClose, Cause: err}
	}
	return Disconnect{Kind: DisconnectTransport, Cause: err}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) resumable() bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session.Resumable()
}

func (c *Client) resumeURL() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.session.ResumeGatewayURL
}

func (c *Client) clearSession(ctx context.Context) {
	c.sessionMu.Lock()
	c.session.Clear()
	c.sessionMu.Unlock()
	if c.store != nil {
		if err := c.store.Clear(ctx, c.cfg.ShardID); err != nil {
			c.logger.Warn("clearing persisted session failed", "error", err)
		}
	}
}

func (c *Client) persistSession(ctx context.Context) {
	if c.store == nil {
		return
	}
	snap := c.SessionSnapshot()
	if snap.SessionID == "" {
		return
	}
	if err := c.store.Save(ctx, c.cfg.ShardID, snap); err != nil {
		c.logger.Warn("persisting session failed", "error", err)
	}
}

func (c *Client) restoreSession(ctx context.Context) {
	if c.store == nil {
		return
	}
	snap, ok, err := c.store.Load(ctx, c.cfg.ShardID)
	if err != nil {
		c.logger.Warn("loading persisted session failed", "error", err)
		return
	}
	if !ok {
		return
	}
	c.sessionMu.Lock()
	c.session.Restore(snap)
	c.sessionMu.Unlock()
	c.logger.Info("restored persisted session", "session_id", snap.SessionID)
}
