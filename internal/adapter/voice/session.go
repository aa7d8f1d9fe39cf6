package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"trill/internal/adapter/gateway"
	"trill/internal/domain"
	"trill/internal/infra/config"
	"trill/internal/infra/logger"
	"trill/internal/infra/tracer"
	"trill/internal/usecase/dispatch"
)

// State is the voice machine's current phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateSessionDescriptionPending
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateSessionDescriptionPending:
		return "session_description_pending"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Params binds one voice connection to a server, user and voice session.
// They come from the main gateway's voice-state and voice-server updates.
type Params struct {
	Endpoint  string
	ServerID  string
	UserID    string
	SessionID string
	Token     string
}

// errSessionClosed signals a caller-requested shutdown out of the loop.
var errSessionClosed = errors.New("voice session closed")

// Session drives one voice-signaling connection: hello, identify, ready,
// protocol selection, session description, then the steady state where
// speaking/membership/media events update the tracked state and flow to
// subscribers. A dropped socket resumes in place with backoff; media
// negotiation is not repeated on resume.
//
// The negotiated state is owned by the goroutine running Run; other
// goroutines read copies via Snapshot.
type Session struct {
	cfg        config.VoiceConfig
	params     Params
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher

	stateMu sync.Mutex
	tracked *domain.VoiceSessionState

	phase     atomic.Int32
	closeOnce sync.Once
	closeCh   chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New creates a voice session for the given negotiation parameters.
func New(cfg config.VoiceConfig, params Params, dispatcher *dispatch.Dispatcher, base *slog.Logger) *Session {
	return &Session{
		cfg:        cfg,
		params:     params,
		logger:     logger.Component(base, "voice").With("server_id", params.ServerID),
		dispatcher: dispatcher,
		tracked:    domain.NewVoiceSessionState(),
		closeCh:    make(chan struct{}),
	}
}

// State returns the machine's current phase.
func (s *Session) State() State {
	return State(s.phase.Load())
}

// Snapshot returns a copy of the tracked voice session state. Maps are
// deep-copied so callers can hold the result.
func (s *Session) Snapshot() domain.VoiceSessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	snap := *s.tracked
	snap.Speakers = make(map[uint32]domain.SpeakerState, len(s.tracked.Speakers))
	for k, v := range s.tracked.Speakers {
		snap.Speakers[k] = v
	}
	snap.Members = make(map[string]struct{}, len(s.tracked.Members))
	for k := range s.tracked.Members {
		snap.Members[k] = struct{}{}
	}
	return snap
}

// Close requests a clean shutdown without reconnecting.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
}

// SetSpeaking announces this client's speaking state on the live connection.
func (s *Session) SetSpeaking(ctx context.Context, flags domain.SpeakingFlags) error {
	if s.State() != StateActive {
		return domain.NewDomainError("voice.speaking", domain.ErrNotConnected, s.State().String())
	}
	conn := s.currentConn()
	if conn == nil {
		return domain.NewDomainError("voice.speaking", domain.ErrNotConnected, "socket gone")
	}
	s.stateMu.Lock()
	ssrc := s.tracked.SSRC
	s.stateMu.Unlock()

	data, err := json.Marshal(domain.Speaking{Speaking: flags, SSRC: ssrc})
	if err != nil {
		return fmt.Errorf("marshal speaking: %w", err)
	}
	return domain.WrapOp("voice.speaking", wsjson.Write(ctx, conn, payload{Op: OpSpeaking, Data: data}))
}

// Run drives the voice connection until the context is canceled, Close is
// called, or the retry budget is spent. Reconnects resume the existing
// voice session rather than renegotiating media.
func (s *Session) Run(ctx context.Context) error {
	defer s.phase.Store(int32(StateDisconnected))

	attempt := 0
	resume := false
	for {
		reachedActive, err := s.runOnce(ctx, resume)
		switch {
		case errors.Is(err, errSessionClosed):
			s.logger.Info("voice session closed by caller")
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		}

		// A session that made it back to Active earns a fresh retry budget.
		if reachedActive {
			attempt = 0
		}
		s.logger.Warn("voice connection lost", "error", err)

		attempt++
		if max := s.cfg.MaxAttempts; max > 0 && attempt > max {
			return domain.NewDomainError("voice.run", domain.ErrReconnectExhausted,
				fmt.Sprintf("%d attempts", attempt-1))
		}

		// Media was negotiated at least once; reattach instead of
		// renegotiating.
		resume = s.negotiated()

		delay := s.cfg.BaseDelay
		for i := 1; i < attempt && delay < s.cfg.MaxDelay; i++ {
			delay *= 2
		}
		if delay > s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
		}
		s.logger.Info("voice reconnecting", "attempt", attempt, "delay", delay, "resume", resume)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce runs a single voice connection from dial to teardown and reports
// whether it reached Active before dropping.
func (s *Session) runOnce(ctx context.Context, resume bool) (bool, error) {
	connID := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
	log := s.logger.With("conn_id", connID)

	s.phase.Store(int32(StateConnecting))

	span := tracer.VoiceConnect(ctx, connID, s.params.ServerID, resume)
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.params.Endpoint, nil)
	cancel()
	if err != nil {
		tracer.Fail(span, err)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("dial voice endpoint: %w", err)
	}
	defer conn.CloseNow()
	s.setConn(conn)
	defer s.setConn(nil)

	log.Info("voice socket opened", "endpoint", s.params.Endpoint, "resume", resume)
	s.phase.Store(int32(StateAwaitingHello))

	frames := make(chan payload)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readPump(ctx, conn, frames, readErr, done)

	hello, err := s.awaitHello(ctx, frames, readErr)
	if err != nil {
		tracer.Fail(span, err)
		return false, err
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	hb := gateway.NewHeartbeat(interval, -1)
	defer hb.Stop()

	s.phase.Store(int32(StateIdentifying))
	if err := s.authenticate(ctx, conn, resume); err != nil {
		tracer.Fail(span, err)
		return false, err
	}
	tracer.OK(span)

	// The handshake window also bounds the ready/session-description (or
	// resumed) wait; a server that acks heartbeats but never finishes
	// negotiation would otherwise hold the session short of Active forever.
	readyDeadline := time.NewTimer(s.cfg.HandshakeTimeout)
	defer readyDeadline.Stop()

	reachedActive := false
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return reachedActive, ctx.Err()

		case <-s.closeCh:
			conn.Close(websocket.StatusNormalClosure, "")
			return reachedActive, errSessionClosed

		case <-readyDeadline.C:
			if !reachedActive {
				conn.Close(websocket.StatusGoingAway, "handshake timeout")
				return false, domain.WrapOp("voice.connect", domain.ErrHandshakeTimeout)
			}

		case <-hb.C():
			if !hb.Fire() {
				log.Error("voice heartbeat ack missed, abandoning zombie connection")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return reachedActive, domain.WrapOp("voice.run", domain.ErrZombieConnection)
			}
			if err := writeHeartbeat(ctx, conn); err != nil {
				return reachedActive, fmt.Errorf("write heartbeat: %w", err)
			}

		case err := <-readErr:
			if ctx.Err() != nil {
				return reachedActive, ctx.Err()
			}
			return reachedActive, fmt.Errorf("voice socket: %w", err)

		case p := <-frames:
			if err := s.handlePayload(ctx, log, conn, hb, p, &reachedActive); err != nil {
				return reachedActive, err
			}
		}
	}
}

func readPump(ctx context.Context, conn *websocket.Conn, frames chan<- payload, readErr chan<- error, done <-chan struct{}) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case readErr <- err:
			case <-done:
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			// Malformed voice frames are dropped silently; routing needs
			// the opcode and there is none.
			continue
		}
		select {
		case frames <- p:
		case <-done:
			return
		}
	}
}

func (s *Session) awaitHello(ctx context.Context, frames <-chan payload, readErr <-chan error) (*helloBody, error) {
	deadline := time.NewTimer(s.cfg.HandshakeTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.closeCh:
			return nil, errSessionClosed
		case <-deadline.C:
			return nil, domain.WrapOp("voice.connect", domain.ErrHandshakeTimeout)
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("voice socket: %w", err)
		case p := <-frames:
			if p.Op != OpHello {
				s.logger.Warn("unexpected voice payload before hello", "op", int(p.Op))
				continue
			}
			var hello helloBody
			if err := json.Unmarshal(p.Data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
				return nil, domain.WrapOp("voice.connect", domain.ErrMalformedFrame)
			}
			return &hello, nil
		}
	}
}

func (s *Session) authenticate(ctx context.Context, conn *websocket.Conn, resume bool) error {
	if resume {
		data, err := json.Marshal(resumeBody{
			ServerID:  s.params.ServerID,
			SessionID: s.params.SessionID,
			Token:     s.params.Token,
		})
		if err != nil {
			return fmt.Errorf("marshal resume: %w", err)
		}
		return wsjson.Write(ctx, conn, payload{Op: OpResume, Data: data})
	}

	data, err := json.Marshal(identifyBody{
		ServerID:  s.params.ServerID,
		UserID:    s.params.UserID,
		SessionID: s.params.SessionID,
		Token:     s.params.Token,
	})
	if err != nil {
		return fmt.Errorf("marshal identify: %w", err)
	}
	return wsjson.Write(ctx, conn, payload{Op: OpIdentify, Data: data})
}

func writeHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	nonce := json.RawMessage(fmt.Sprintf("%d", time.Now().UnixMilli()))
	return wsjson.Write(ctx, conn, payload{Op: OpHeartbeat, Data: nonce})
}

// handlePayload routes one inbound voice payload. A non-nil error tears the
// connection down.
func (s *Session) handlePayload(ctx context.Context, log *slog.Logger, conn *websocket.Conn, hb *gateway.Heartbeat, p payload, reachedActive *bool) error {
	switch p.Op {
	case OpHeartbeatAck:
		hb.Ack()

	case OpHeartbeat:
		if err := writeHeartbeat(ctx, conn); err != nil {
			return fmt.Errorf("write requested heartbeat: %w", err)
		}
		hb.Sent()

	case OpReady:
		var ready domain.VoiceReady
		if err := json.Unmarshal(p.Data, &ready); err != nil {
			return domain.WrapOp("voice.ready", domain.ErrMalformedFrame)
		}
		s.stateMu.Lock()
		s.tracked.ApplyReady(ready)
		s.stateMu.Unlock()
		s.phase.Store(int32(StateSessionDescriptionPending))
		s.emit(ctx, domain.EventVoiceReady, p.Data)

		if err := s.selectProtocol(ctx, conn, ready); err != nil {
			return err
		}

	case OpSessionDescription:
		var desc domain.VoiceSessionDescription
		if err := json.Unmarshal(p.Data, &desc); err != nil {
			return domain.WrapOp("voice.session_description", domain.ErrMalformedFrame)
		}
		s.stateMu.Lock()
		s.tracked.ApplySessionDescription(desc)
		s.stateMu.Unlock()
		s.phase.Store(int32(StateActive))
		*reachedActive = true
		log.Info("voice session negotiated", "mode", desc.Mode)
		s.emit(ctx, domain.EventSessionDescription, p.Data)

	case OpResumed:
		s.phase.Store(int32(StateActive))
		*reachedActive = true
		log.Info("voice session resumed")

	case OpSpeaking:
		var sp domain.Speaking
		if err := json.Unmarshal(p.Data, &sp); err != nil {
			log.Warn("dropping undecodable speaking update", "error", err)
			return nil
		}
		s.stateMu.Lock()
		s.tracked.ApplySpeaking(sp)
		s.stateMu.Unlock()
		s.emit(ctx, domain.EventSpeaking, p.Data)

	case OpSSRCDefinition:
		var def domain.SSRCDefinition
		if err := json.Unmarshal(p.Data, &def); err != nil {
			log.Warn("dropping undecodable ssrc definition", "error", err)
			return nil
		}
		s.stateMu.Lock()
		s.tracked.ApplySSRCDefinition(def)
		s.stateMu.Unlock()
		s.emit(ctx, domain.EventSSRCDefinition, p.Data)

	case OpClientConnect:
		var cc domain.VoiceClientConnect
		if err := json.Unmarshal(p.Data, &cc); err != nil {
			log.Warn("dropping undecodable client connect", "error", err)
			return nil
		}
		s.stateMu.Lock()
		s.tracked.ApplyClientConnect(cc)
		s.stateMu.Unlock()
		s.emit(ctx, domain.EventClientConnect, p.Data)

	case OpClientDisconnect:
		var cd domain.VoiceClientDisconnect
		if err := json.Unmarshal(p.Data, &cd); err != nil {
			log.Warn("dropping undecodable client disconnect", "error", err)
			return nil
		}
		s.stateMu.Lock()
		s.tracked.ApplyClientDisconnect(cd)
		s.stateMu.Unlock()
		s.emit(ctx, domain.EventClientDisconnect, p.Data)

	case OpMediaSinkWants:
		var wants domain.MediaSinkWants
		if err := json.Unmarshal(p.Data, &wants); err != nil {
			log.Warn("dropping undecodable media sink wants", "error", err)
			return nil
		}
		s.stateMu.Lock()
		s.tracked.SinkWants = wants
		s.stateMu.Unlock()
		s.emit(ctx, domain.EventMediaSinkWants, p.Data)

	case OpBackendVersion:
		var v domain.VoiceBackendVersion
		if err := json.Unmarshal(p.Data, &v); err != nil {
			log.Warn("dropping undecodable backend version", "error", err)
			return nil
		}
		s.stateMu.Lock()
		s.tracked.Backend = v
		s.stateMu.Unlock()
		s.emit(ctx, domain.EventVoiceBackendVersion, p.Data)

	default:
		log.Warn("unknown voice opcode", "op", int(p.Op))
	}
	return nil
}

// selectProtocol answers a ready payload by choosing an encryption mode:
// the first preferred mode the server offers, or the server's first offer.
func (s *Session) selectProtocol(ctx context.Context, conn *websocket.Conn, ready domain.VoiceReady) error {
	if len(ready.Modes) == 0 {
		return domain.NewDomainError("voice.select_protocol", domain.ErrMalformedFrame, "no encryption modes offered")
	}

	mode := ready.Modes[0]
pick:
	for _, preferred := range s.cfg.PreferredModes {
		for _, offered := range ready.Modes {
			if preferred == offered {
				mode = preferred
				break pick
			}
		}
	}

	data, err := json.Marshal(selectProtocolBody{
		Protocol: "udp",
		Data: selectProtocolData{
			Address: ready.IP,
			Port:    ready.Port,
			Mode:    mode,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal select protocol: %w", err)
	}
	return wsjson.Write(ctx, conn, payload{Op: OpSelectProtocol, Data: data})
}

func (s *Session) emit(ctx context.Context, kind domain.EventKind, data json.RawMessage) {
	s.dispatcher.Dispatch(ctx, domain.Event{Kind: kind, Data: data})
}

func (s *Session) negotiated() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.tracked.Negotiated
}

func (s *Session) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}
