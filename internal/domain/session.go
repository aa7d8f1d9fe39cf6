package domain

// SessionState holds the resumable identity of one gateway session: the
// session id, the last sequence number observed on a dispatch payload, and
// the URL the server wants resumes directed at.
//
// The state is exclusively owned by the connection's driving goroutine.
// Other goroutines only ever see copies taken via Snapshot.
type SessionState struct {
	SessionID        string
	Sequence         *uint64
	ResumeGatewayURL string
}

// SessionSnapshot is a read-only copy of SessionState, used to build a
// resume request and to persist the session across restarts.
type SessionSnapshot struct {
	SessionID        string `json:"session_id"`
	Sequence         uint64 `json:"sequence"`
	HasSequence      bool   `json:"has_sequence"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// NewSessionState returns an empty, non-resumable session.
func NewSessionState() *SessionState {
	return &SessionState{}
}

// RecordDispatch advances the sequence number from a dispatch payload.
// Sequence numbers are monotonically non-decreasing within one session; a
// regression is the server's problem to adjudicate, so the state refuses to
// move backward and reports ErrSequenceRegression instead of silently
// overwriting the higher value.
func (s *SessionState) RecordDispatch(seq uint64) error {
	if s.Sequence != nil && seq < *s.Sequence {
		return ErrSequenceRegression
	}
	v := seq
	s.Sequence = &v
	return nil
}

// Resumable reports whether the state carries enough to attempt a resume.
func (s *SessionState) Resumable() bool {
	return s.SessionID != "" && s.Sequence != nil
}

// Clear wipes the session identity after a non-resumable termination.
func (s *SessionState) Clear() {
	s.SessionID = ""
	s.Sequence = nil
	s.ResumeGatewayURL = ""
}

// Snapshot returns a read-only copy of the current state.
func (s *SessionState) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		SessionID:        s.SessionID,
		ResumeGatewayURL: s.ResumeGatewayURL,
	}
	if s.Sequence != nil {
		snap.Sequence = *s.Sequence
		snap.HasSequence = true
	}
	return snap
}

// Restore loads a previously persisted snapshot into the state.
func (s *SessionState) Restore(snap SessionSnapshot) {
	s.SessionID = snap.SessionID
	s.ResumeGatewayURL = snap.ResumeGatewayURL
	s.Sequence = nil
	if snap.HasSequence {
		v := snap.Sequence
		s.Sequence = &v
	}
}
