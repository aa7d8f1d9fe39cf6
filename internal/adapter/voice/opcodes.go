package voice

import "encoding/json"

// Opcode identifies the kind of payload on the voice-signaling socket.
// The voice channel has its own opcode space, unrelated to the main
// gateway's.
type Opcode int

const (
	OpIdentify           Opcode = 0  // client: bind this connection to a server/user/session
	OpSelectProtocol     Opcode = 1  // client: choose transport and encryption mode
	OpReady              Opcode = 2  // server: SSRC and UDP endpoint assignment
	OpHeartbeat          Opcode = 3  // client: liveness ping with a nonce
	OpSessionDescription Opcode = 4  // server: negotiated mode and secret key
	OpSpeaking           Opcode = 5  // both: speaking state for an SSRC
	OpHeartbeatAck       Opcode = 6  // server: echoes the heartbeat nonce
	OpResume             Opcode = 7  // client: reattach after a dropped socket
	OpHello              Opcode = 8  // server: first payload, heartbeat interval
	OpResumed            Opcode = 9  // server: resume accepted
	OpClientConnect      Opcode = 11 // server: users joined the channel
	OpSSRCDefinition     Opcode = 12 // server: SSRC to user binding
	OpClientDisconnect   Opcode = 13 // server: a user left the channel
	OpMediaSinkWants     Opcode = 15 // server: requested media quality per sink
	OpBackendVersion     Opcode = 16 // server: voice backend build info
)

// payload is the envelope on the voice socket. Unlike the main gateway
// there is no sequence number or event name; the opcode alone routes it.
type payload struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
}

type helloBody struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"` // milliseconds
}

type identifyBody struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type resumeBody struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

type selectProtocolBody struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolData `json:"data"`
}

type selectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}
