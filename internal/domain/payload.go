package domain

import "encoding/json"

// Opcode identifies the kind of payload carried on the main gateway socket.
type Opcode int

const (
	OpDispatch            Opcode = 0  // server: an event, carries a sequence number
	OpHeartbeat           Opcode = 1  // client/server: liveness ping (server may request one)
	OpIdentify            Opcode = 2  // client: start a fresh session
	OpPresenceUpdate      Opcode = 3  // client
	OpVoiceStateUpdate    Opcode = 4  // client: join/leave/move voice channels
	OpResume              Opcode = 6  // client: resume an existing session
	OpReconnect           Opcode = 7  // server: please reconnect (resumable)
	OpRequestGuildMembers Opcode = 8  // client
	OpInvalidSession      Opcode = 9  // server: session invalidated, body says if resumable
	OpHello               Opcode = 10 // server: first payload, carries heartbeat interval
	OpHeartbeatAck        Opcode = 11 // server: acknowledges a heartbeat
)

// Payload is the decoded envelope of a text frame received from the gateway.
// Seq is only present on dispatch payloads; Event names the dispatched event.
type Payload struct {
	Op    Opcode          `json:"op"`
	Seq   *uint64         `json:"s,omitempty"`
	Event string          `json:"t,omitempty"`
	Data  json.RawMessage `json:"d,omitempty"`
}

// Hello is the data body of an OpHello payload.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"` // milliseconds
}

// Ready is the data body of the READY dispatch event. The engine only
// consumes the session fields; the rest of the body stays opaque to it.
type Ready struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

// IdentifyProperties describes the connecting client to the server.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify is the data body of an OpIdentify payload.
type Identify struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Intents    uint64             `json:"intents"`
	Shard      *[2]int            `json:"shard,omitempty"`
}

// Resume is the data body of an OpResume payload.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}
