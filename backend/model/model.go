package model

import (
	"encoding/json"
	"time"
)

// Protocol events exchanged inside a namespace.
const (
	EventRegister        = "register"
	EventSubscribe       = "subscribe"
	EventUnsubscribe     = "unsubscribe"
	EventMasterCandidacy = "master-candidacy"

	EventListThreadsRequest  = "list-threads-request"
	EventListThreadsResponse = "list-threads-response"
	EventServerStateRequest  = "server-state-request"
	EventServerStatePush     = "server-state-push"
	EventDomainDataSet       = "domain-data-set"
	EventModelRPCData        = "model-rpc-data"
	EventEngineRequest       = "engine-request"
)

// Room announcement events that sent by server.
const (
	AnnouncementTypeJoined = "joined"
	AnnouncementTypeLeft   = "left"
)

// RoomSuffix is appended to a participant name to get its default room.
const RoomSuffix = "_ROOM"

// DefaultRoom returns canonical room of the named participant.
func DefaultRoom(name string) string {
	return name + RoomSuffix
}

// Envelope is a single frame on the wire.
type Envelope struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	SRC     string          `json:"src,omitempty"` // for inbound frames server re-assigns this based on websocket session
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a frame. A nil payload produces a frame without payload.
func NewEnvelope(event, room string, payload any) (Envelope, error) {
	env := Envelope{Event: event, Room: room}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = b
	return env, nil
}

// Handler reacts to an inbound frame.
type Handler func(env Envelope)

type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}

type Participant struct {
	SocketID     string    `json:"socket_id"`
	Name         string    `json:"name,omitempty"`
	SessionToken string    `json:"session_token,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

type Candidacy struct {
	SocketID string    `json:"socket_id"`
	Name     string    `json:"name,omitempty"`
	Features []string  `json:"features"`
	At       time.Time `json:"at"`
}

type Room struct {
	ID           string                 `json:"room_id"`
	Participants map[string]Participant `json:"participants"`
	Masters      []Candidacy            `json:"masters"`
}
