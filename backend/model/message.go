package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Message is a decoded frame payload. The concrete type tells which event it came from.
type Message interface {
	EventName() string
}

type Register struct {
	ParticipantName string `json:"participantName"`
	SessionToken    string `json:"sessionToken"`
}

func (Register) EventName() string { return EventRegister }

type Subscribe struct {
	Room string `json:"room"`
}

func (Subscribe) EventName() string { return EventSubscribe }

type Unsubscribe struct {
	Room string `json:"room"`
}

func (Unsubscribe) EventName() string { return EventUnsubscribe }

type MasterCandidacy struct {
	Room     string   `json:"room"`
	Features []string `json:"declaredFeatures"`
}

// NewMasterCandidacy builds an announcement with features deduplicated and sorted.
func NewMasterCandidacy(room string, features ...string) MasterCandidacy {
	return MasterCandidacy{Room: room, Features: FeatureSet(features)}
}

func (MasterCandidacy) EventName() string { return EventMasterCandidacy }

// DomainDataSet notifies peers about a state mutation. Blob is never interpreted here.
type DomainDataSet struct {
	Action string          `json:"action"`
	Blob   json.RawMessage `json:"blob,omitempty"`
}

func (DomainDataSet) EventName() string { return EventDomainDataSet }

// Opaque carries payloads that are dispatched by event name only.
// Known is false for events outside of the protocol vocabulary.
type Opaque struct {
	Event string
	Known bool
	Body  json.RawMessage
}

func (o Opaque) EventName() string { return o.Event }

// Decode turns an envelope into a typed message.
func Decode(env Envelope) (Message, error) {
	var (
		msg Message
		err error
	)
	switch env.Event {
	case EventRegister:
		var m Register
		err = unmarshal(env.Payload, &m)
		msg = m
	case EventSubscribe:
		var m Subscribe
		err = unmarshal(env.Payload, &m)
		msg = m
	case EventUnsubscribe:
		var m Unsubscribe
		err = unmarshal(env.Payload, &m)
		msg = m
	case EventMasterCandidacy:
		var m MasterCandidacy
		err = unmarshal(env.Payload, &m)
		if m.Room == "" {
			m.Room = env.Room
		}
		m.Features = FeatureSet(m.Features)
		msg = m
	case EventDomainDataSet:
		var m DomainDataSet
		err = unmarshal(env.Payload, &m)
		msg = m
	case EventListThreadsRequest, EventListThreadsResponse,
		EventServerStateRequest, EventServerStatePush,
		EventModelRPCData, EventEngineRequest:
		msg = Opaque{Event: env.Event, Known: true, Body: env.Payload}
	default:
		msg = Opaque{Event: env.Event, Body: env.Payload}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, env.Event, err)
	}
	return msg, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// FeatureSet deduplicates and sorts declared features. Empty names are dropped.
func FeatureSet(features []string) []string {
	set := make(map[string]struct{}, len(features))
	out := make([]string, 0, len(features))
	for _, f := range features {
		if f == "" {
			continue
		}
		if _, ok := set[f]; ok {
			continue
		}
		set[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
