package _switch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/roommesh/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var ErrUnknownEndpoint = errors.New("endpoint is not connected")

// Switch forwards frames between sockets of a single namespace.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	wires   map[string]model.Wire
	rooms   map[string]map[string]struct{}
	dropped func()
}

func NewSwitch(logger *zerolog.Logger, namespace string) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Str("namespace", namespace).Logger(),
		mx:     &sync.RWMutex{},
		wires:  make(map[string]model.Wire),
		rooms:  make(map[string]map[string]struct{}),
	}
}

// OnDrop registers a callback invoked every time a frame could not be delivered to an endpoint.
func (sw *Switch) OnDrop(fn func()) {
	sw.dropped = fn
}

func (sw *Switch) Connect(endpoint string, wire model.Wire) {
	sw.mx.Lock()
	sw.wires[endpoint] = wire
	sw.mx.Unlock()
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint connected")
}

// Disconnect removes endpoint from every room and returns rooms it was in.
func (sw *Switch) Disconnect(endpoint string) []string {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint disconnected")
	}()

	delete(sw.wires, endpoint)
	var left []string
	for room, members := range sw.rooms {
		if _, ok := members[endpoint]; ok {
			left = append(left, room)
			delete(members, endpoint)
			if len(members) == 0 {
				delete(sw.rooms, room)
			}
		}
	}
	sort.Strings(left)
	return left
}

// Join creates room on first use. It reports false if endpoint was already a member.
func (sw *Switch) Join(room, endpoint string) (bool, error) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.wires[endpoint]; !ok {
		return false, ErrUnknownEndpoint
	}
	members, ok := sw.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		sw.rooms[room] = members
	}
	if _, ok = members[endpoint]; ok {
		return false, nil
	}
	members[endpoint] = struct{}{}
	return true, nil
}

// Leave destroys room once it is empty. It reports whether endpoint was a member.
func (sw *Switch) Leave(room, endpoint string) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	members, ok := sw.rooms[room]
	if !ok {
		return false
	}
	if _, ok = members[endpoint]; !ok {
		return false
	}
	delete(members, endpoint)
	if len(members) == 0 {
		delete(sw.rooms, room)
	}
	return true
}

func (sw *Switch) Members(room string) []string {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	out := make([]string, 0, len(sw.rooms[room]))
	for id := range sw.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (sw *Switch) Rooms() []string {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	out := make([]string, 0, len(sw.rooms))
	for room := range sw.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Broadcast delivers env to every member of room except its source.
// Empty room means every endpoint of the namespace. Returns number of endpoints reached.
func (sw *Switch) Broadcast(ctx context.Context, env model.Envelope, room string) int {
	logger := sw.logger.With().
		Str("room", room).
		Str("event", env.Event).
		Str("src", env.SRC).Logger()

	sw.mx.RLock()
	var targets []model.Wire
	if room == "" {
		for dst, wire := range sw.wires {
			if dst != env.SRC {
				targets = append(targets, wire)
			}
		}
	} else {
		for dst := range sw.rooms[room] {
			if dst == env.SRC {
				continue
			}
			if wire, ok := sw.wires[dst]; ok {
				targets = append(targets, wire)
			}
		}
	}
	sw.mx.RUnlock()

	var reached int
	for _, wire := range targets {
		sent, canceled := sw.send(ctx, env, wire.TX, &logger)
		if canceled {
			break
		}
		if sent {
			reached++
		}
	}
	if reached == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	}
	return reached
}

// Send delivers env to a particular endpoint.
func (sw *Switch) Send(ctx context.Context, env model.Envelope, endpoint string) error {
	sw.mx.RLock()
	wire, ok := sw.wires[endpoint]
	sw.mx.RUnlock()
	if !ok {
		return ErrUnknownEndpoint
	}
	logger := sw.logger.With().Str("event", env.Event).Str("dst", endpoint).Logger()
	sw.send(ctx, env, wire.TX, &logger)
	return nil
}

func (sw *Switch) send(ctx context.Context, env model.Envelope, tx chan<- model.Envelope, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
		if sw.dropped != nil {
			sw.dropped()
		}
	case tx <- env:
		logger.Trace().Msg("frame is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
