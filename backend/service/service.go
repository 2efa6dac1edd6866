package service

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/roommesh/backend/metrics"
	"github.com/adwski/roommesh/backend/model"
	"github.com/adwski/roommesh/backend/relay"
	"github.com/rs/zerolog"
)

const (
	relayOut = "out"
	relayIn  = "in"
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrCandidacy  = errors.New("unable to record master candidacy")
	ErrRegister   = errors.New("unable to register participant")
	ErrEmptyEvent = errors.New("event name is empty")
)

type (
	RoomStore interface {
		Connect(socketID string)
		Register(socketID, name, sessionToken string) error
		Participant(socketID string) (model.Participant, bool)
		JoinRoom(roomID, socketID string) error
		LeaveRoom(roomID, socketID string) error
		Disconnect(socketID string) []string
		AddCandidate(roomID, socketID string, features []string) error
		Masters(roomID string) []model.Candidacy
		GetRoom(roomID string) (*model.Room, error)
		Rooms() []*model.Room
	}

	Switch interface {
		Connect(endpoint string, wire model.Wire)
		Disconnect(endpoint string) []string
		Join(room, endpoint string) (bool, error)
		Leave(room, endpoint string) bool
		Broadcast(ctx context.Context, env model.Envelope, room string) int
		Send(ctx context.Context, env model.Envelope, endpoint string) error
	}

	Publisher interface {
		Publish(ctx context.Context, frame relay.Frame) error
	}

	// HandlerFunc observes inbound frames of a namespace. Handlers of different
	// sockets may run concurrently; frames of one socket arrive in order.
	HandlerFunc func(ctx context.Context, env model.Envelope)

	Config struct {
		Logger    *zerolog.Logger
		RoomStore RoomStore
		Switch    Switch
		Metrics   *metrics.Metrics
		// Relay is optional.
		Relay Publisher
		Name  string
	}

	// Namespace runs the room protocol for every socket connected to one namespace.
	Namespace struct {
		store   RoomStore
		sw      Switch
		metrics *metrics.Metrics
		relay   Publisher
		name    string
		logger  zerolog.Logger

		mx       *sync.RWMutex
		handlers map[string][]HandlerFunc
		sockets  int
	}
)

func NewNamespace(cfg Config) *Namespace {
	return &Namespace{
		store:    cfg.RoomStore,
		sw:       cfg.Switch,
		metrics:  cfg.Metrics,
		relay:    cfg.Relay,
		name:     cfg.Name,
		logger:   cfg.Logger.With().Str("component", "namespace").Str("namespace", cfg.Name).Logger(),
		mx:       &sync.RWMutex{},
		handlers: make(map[string][]HandlerFunc),
	}
}

func (n *Namespace) Name() string { return n.name }

// On attaches h to every inbound frame named event, protocol frames included.
func (n *Namespace) On(event string, h HandlerFunc) {
	n.mx.Lock()
	n.handlers[event] = append(n.handlers[event], h)
	n.mx.Unlock()
}

// Off drops every handler of event.
func (n *Namespace) Off(event string) {
	n.mx.Lock()
	delete(n.handlers, event)
	n.mx.Unlock()
}

// Emit broadcasts a server originated frame to every member of room.
func (n *Namespace) Emit(ctx context.Context, room, event string, payload any) error {
	if event == "" {
		return ErrEmptyEvent
	}
	env, err := model.NewEnvelope(event, room, payload)
	if err != nil {
		return err
	}
	n.broadcast(ctx, env)
	return nil
}

// SendTo delivers a server originated frame to a single socket.
func (n *Namespace) SendTo(ctx context.Context, socketID, event string, payload any) error {
	env, err := model.NewEnvelope(event, "", payload)
	if err != nil {
		return err
	}
	return n.sw.Send(ctx, env, socketID)
}

func (n *Namespace) Rooms() []*model.Room {
	return n.store.Rooms()
}

func (n *Namespace) Room(roomID string) (*model.Room, error) {
	return n.store.GetRoom(roomID)
}

func (n *Namespace) Masters(roomID string) []model.Candidacy {
	return n.store.Masters(roomID)
}

func (n *Namespace) Sockets() int {
	n.mx.RLock()
	defer n.mx.RUnlock()
	return n.sockets
}

// Attach plugs a socket into the namespace and serves its inbound frames until ctx is done.
func (n *Namespace) Attach(ctx context.Context, socketID string, wire model.Wire) {
	n.store.Connect(socketID)
	n.sw.Connect(socketID, wire)

	n.mx.Lock()
	n.sockets++
	n.mx.Unlock()
	n.metrics.SocketConnected(n.name)

	n.logger.Debug().Str("socketID", socketID).Msg("socket attached")

	go n.serve(ctx, socketID, wire.RX)
}

// Detach removes a socket from all of its rooms and tells remaining members it left.
func (n *Namespace) Detach(ctx context.Context, socketID string) {
	p, _ := n.store.Participant(socketID)
	rooms := n.sw.Disconnect(socketID)
	n.store.Disconnect(socketID)

	n.mx.Lock()
	n.sockets--
	n.mx.Unlock()
	n.metrics.SocketDisconnected(n.name)

	for _, room := range rooms {
		n.announce(ctx, model.AnnouncementTypeLeft, room, socketID, p)
	}
	n.logger.Debug().
		Str("socketID", socketID).
		Str("participant", p.Name).
		Strs("rooms", rooms).
		Msg("socket detached")
}

// Deliver forwards a frame relayed from another process to local room members.
func (n *Namespace) Deliver(ctx context.Context, frame relay.Frame) {
	n.metrics.Relayed(n.name, relayIn)
	n.sw.Broadcast(ctx, frame.Envelope, frame.Envelope.Room)
}

func (n *Namespace) serve(ctx context.Context, socketID string, rx <-chan model.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-rx:
			if !ok {
				return
			}
			n.handle(ctx, socketID, env)
		}
	}
}

func (n *Namespace) handle(ctx context.Context, socketID string, env model.Envelope) {
	env.SRC = socketID
	n.metrics.Frame(n.name, env.Event)

	logger := n.logger.With().
		Str("socketID", socketID).
		Str("event", env.Event).
		Str("room", env.Room).
		Logger()

	msg, err := model.Decode(env)
	if err != nil {
		logger.Warn().Err(err).Msg("dropping frame")
		return
	}

	switch m := msg.(type) {
	case model.Register:
		if err = n.store.Register(socketID, m.ParticipantName, m.SessionToken); err != nil {
			logger.Warn().Err(errors.Join(ErrRegister, err)).Msg("register failed")
			break
		}
		logger.Info().
			Str("participant", m.ParticipantName).
			Str("token", m.SessionToken).
			Msg("participant registered")

	case model.Subscribe:
		if err = n.join(ctx, socketID, m.Room); err != nil {
			logger.Warn().Err(err).Msg("subscribe failed")
		}

	case model.Unsubscribe:
		n.leave(ctx, socketID, m.Room)

	case model.MasterCandidacy:
		if err = n.candidacy(ctx, socketID, m); err != nil {
			logger.Warn().Err(err).Msg("candidacy failed")
			break
		}
		env.Room = m.Room
		n.broadcast(ctx, env)

	case model.DomainDataSet:
		logger.Debug().Str("action", m.Action).Msg("domain data set")
		n.forward(ctx, env, &logger)

	default:
		n.forward(ctx, env, &logger)
	}

	n.notify(ctx, env)
}

func (n *Namespace) forward(ctx context.Context, env model.Envelope, logger *zerolog.Logger) {
	if env.Room == "" {
		logger.Trace().Msg("frame has no room, not forwarded")
		return
	}
	n.broadcast(ctx, env)
}

func (n *Namespace) join(ctx context.Context, socketID, room string) error {
	if room == "" {
		return ErrJoin
	}
	joined, err := n.sw.Join(room, socketID)
	if err != nil {
		return errors.Join(ErrJoin, err)
	}
	if err = n.store.JoinRoom(room, socketID); err != nil {
		if joined {
			n.sw.Leave(room, socketID)
		}
		return errors.Join(ErrJoin, err)
	}
	if joined {
		p, _ := n.store.Participant(socketID)
		n.logger.Debug().Str("socketID", socketID).Str("participant", p.Name).Str("room", room).Msg("joined room")
		n.announce(ctx, model.AnnouncementTypeJoined, room, socketID, p)
	}
	return nil
}

func (n *Namespace) leave(ctx context.Context, socketID, room string) {
	if !n.sw.Leave(room, socketID) {
		return
	}
	_ = n.store.LeaveRoom(room, socketID)
	p, _ := n.store.Participant(socketID)
	n.announce(ctx, model.AnnouncementTypeLeft, room, socketID, p)
}

// candidacy joins the announcer to the room so it hears the traffic it controls.
func (n *Namespace) candidacy(ctx context.Context, socketID string, m model.MasterCandidacy) error {
	if err := n.join(ctx, socketID, m.Room); err != nil {
		return err
	}
	if err := n.store.AddCandidate(m.Room, socketID, m.Features); err != nil {
		return errors.Join(ErrCandidacy, err)
	}
	n.logger.Info().
		Str("socketID", socketID).
		Str("room", m.Room).
		Strs("features", m.Features).
		Int("masters", len(n.store.Masters(m.Room))).
		Msg("master candidacy recorded")
	return nil
}

func (n *Namespace) announce(ctx context.Context, kind, room, socketID string, p model.Participant) {
	env, err := model.NewEnvelope(kind, room, p)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to build announcement")
		return
	}
	env.SRC = socketID
	n.broadcast(ctx, env)
}

func (n *Namespace) broadcast(ctx context.Context, env model.Envelope) {
	n.sw.Broadcast(ctx, env, env.Room)
	if n.relay == nil {
		return
	}
	if err := n.relay.Publish(ctx, relay.Frame{Namespace: n.name, Envelope: env}); err != nil {
		n.logger.Error().Err(err).Str("event", env.Event).Msg("relay publish failed")
		return
	}
	n.metrics.Relayed(n.name, relayOut)
}

func (n *Namespace) notify(ctx context.Context, env model.Envelope) {
	n.mx.RLock()
	hs := append([]HandlerFunc{}, n.handlers[env.Event]...)
	n.mx.RUnlock()
	for _, h := range hs {
		h(ctx, env)
	}
}
