package domain

import (
	"context"
	"encoding/json"
)

// EventKind identifies the kind of event delivered by a dispatcher. For the
// main gateway this is the dispatch event name from the wire (READY,
// MESSAGE_CREATE, ...); the voice gateway uses the voice.* kinds below.
type EventKind string

// Main gateway events the engine itself consumes. Every other dispatch
// event passes through to subscribers with its body opaque.
const (
	EventReady   EventKind = "READY"
	EventResumed EventKind = "RESUMED"
)

// Voice gateway events.
const (
	EventVoiceReady          EventKind = "voice.ready"
	EventVoiceBackendVersion EventKind = "voice.backend_version"
	EventSessionDescription  EventKind = "voice.session_description"
	EventSpeaking            EventKind = "voice.speaking"
	EventSSRCDefinition      EventKind = "voice.ssrc_definition"
	EventClientConnect       EventKind = "voice.client_connect"
	EventClientDisconnect    EventKind = "voice.client_disconnect"
	EventMediaSinkWants      EventKind = "voice.media_sink_wants"
)

// Event is the envelope handed to subscribers.
type Event struct {
	Kind        EventKind       `json:"kind"`
	Sequence    uint64          `json:"sequence,omitempty"`
	HasSequence bool            `json:"-"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// EventHandler is a subscriber callback. Handlers receive the payload by
// shared read-only access and must not retain or mutate Data.
type EventHandler func(ctx context.Context, event Event)
