package domain

// Voice gateway wire types. The voice-signaling channel mirrors the main
// gateway's opcode/envelope shape but negotiates a media session instead of
// a resumable event stream.

// SpeakingFlags is the bitfield carried on speaking updates.
type SpeakingFlags uint32

const (
	SpeakingMicrophone SpeakingFlags = 1 << 0
	SpeakingSoundshare SpeakingFlags = 1 << 1
	SpeakingPriority   SpeakingFlags = 1 << 2
)

// VoiceReady is the data body of the voice Ready payload: the SSRC assigned
// to this client plus the UDP endpoint and the encryption modes on offer.
type VoiceReady struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

// VoiceSessionDescription finishes media negotiation: the selected
// encryption mode plus the secret key for the media stream.
type VoiceSessionDescription struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// VoiceBackendVersion reports the server's voice backend build.
type VoiceBackendVersion struct {
	Voice     string `json:"voice"`
	RTCWorker string `json:"rtc_worker"`
}

// Speaking maps an SSRC to a user and their current speaking flags.
type Speaking struct {
	Speaking SpeakingFlags `json:"speaking"`
	SSRC     uint32        `json:"ssrc"`
	UserID   string        `json:"user_id,omitempty"`
	Delay    int           `json:"delay,omitempty"`
}

// SSRCDefinition announces the audio/video SSRC assignment for a user.
type SSRCDefinition struct {
	AudioSSRC uint32 `json:"audio_ssrc"`
	VideoSSRC uint32 `json:"video_ssrc,omitempty"`
	UserID    string `json:"user_id"`
}

// VoiceClientConnect announces users joining the voice channel.
type VoiceClientConnect struct {
	UserIDs []string `json:"user_ids"`
}

// VoiceClientDisconnect announces a user leaving the voice channel.
type VoiceClientDisconnect struct {
	UserID string `json:"user_id"`
}

// MediaSinkWants advertises the bitrate/resolution the server wants for
// each media sink ("any" applies to all of them).
type MediaSinkWants struct {
	Any uint32 `json:"any"`
}

// SpeakerState is the tracked per-SSRC state inside a voice session.
type SpeakerState struct {
	UserID   string
	Flags    SpeakingFlags
	Speaking bool
}

// VoiceSessionState is the negotiated and observed state of one voice
// connection. Created on connect, discarded on teardown; owned by the voice
// session's driving goroutine.
type VoiceSessionState struct {
	SSRC       uint32
	IP         string
	Port       uint16
	Mode       string
	SecretKey  [32]byte
	Negotiated bool
	Backend    VoiceBackendVersion
	Speakers   map[uint32]SpeakerState
	Members    map[string]struct{}
	SinkWants  MediaSinkWants
}

// NewVoiceSessionState returns an empty state ready to apply events.
func NewVoiceSessionState() *VoiceSessionState {
	return &VoiceSessionState{
		Speakers: make(map[uint32]SpeakerState),
		Members:  make(map[string]struct{}),
	}
}

// ApplyReady records the SSRC/UDP assignment from the voice Ready payload.
func (v *VoiceSessionState) ApplyReady(r VoiceReady) {
	v.SSRC = r.SSRC
	v.IP = r.IP
	v.Port = r.Port
}

// ApplySessionDescription records the negotiated encryption parameters.
func (v *VoiceSessionState) ApplySessionDescription(d VoiceSessionDescription) {
	v.Mode = d.Mode
	v.SecretKey = d.SecretKey
	v.Negotiated = true
}

// ApplySpeaking updates the speaking flag for an SSRC, creating the entry
// if the speaker is new.
func (v *VoiceSessionState) ApplySpeaking(s Speaking) {
	st := v.Speakers[s.SSRC]
	if s.UserID != "" {
		st.UserID = s.UserID
	}
	st.Flags = s.Speaking
	st.Speaking = s.Speaking != 0
	v.Speakers[s.SSRC] = st
	if s.UserID != "" {
		v.Members[s.UserID] = struct{}{}
	}
}

// ApplySSRCDefinition binds an SSRC to a user.
func (v *VoiceSessionState) ApplySSRCDefinition(d SSRCDefinition) {
	st := v.Speakers[d.AudioSSRC]
	st.UserID = d.UserID
	v.Speakers[d.AudioSSRC] = st
	v.Members[d.UserID] = struct{}{}
}

// ApplyClientConnect adds users to the membership set.
func (v *VoiceSessionState) ApplyClientConnect(c VoiceClientConnect) {
	for _, id := range c.UserIDs {
		v.Members[id] = struct{}{}
	}
}

// ApplyClientDisconnect removes a user and any SSRC bound to them.
func (v *VoiceSessionState) ApplyClientDisconnect(c VoiceClientDisconnect) {
	delete(v.Members, c.UserID)
	for ssrc, st := range v.Speakers {
		if st.UserID == c.UserID {
			delete(v.Speakers, ssrc)
		}
	}
}
