package client

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/roommesh/backend/model"
	"github.com/adwski/roommesh/backend/token"
	"github.com/adwski/roommesh/backend/trigger"
	"github.com/rs/zerolog"
)

const (
	DefaultName      = "AlephClient"
	DefaultURL       = "http://localhost:3000"
	DefaultNamespace = "/"

	tokenPrefix = "xS"
)

var (
	ErrNotConnected = errors.New("session is not connected")
	ErrOpen         = errors.New("unable to open transport")
	ErrCanceled     = errors.New("disconnected while connecting")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistered
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateRegistered:
		return "REGISTERED"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "DISCONNECTED"
	}
}

type (
	// Transport is a connection to one namespace.
	Transport interface {
		Open(ctx context.Context) error
		Close() error
		Emit(event string, payload any, room string) error
		On(event string, h model.Handler)
		Off(event string)
		OnConnect(func())
		OnDisconnect(func(error))
	}

	TokenSource interface {
		Generate(prefix string) string
	}

	Config struct {
		Logger *zerolog.Logger
		// Transport is built from URL and Namespace when nil.
		Transport Transport
		Tokens    TokenSource

		Name      string
		URL       string
		Namespace string
		// Features are declared in the candidacy sent for the own room on connect.
		Features []string
		// ManualConnect stops Start from connecting right away.
		ManualConnect bool
	}

	// Session is a participant connected to one namespace.
	Session struct {
		tr     Transport
		tokens TokenSource
		queue  *trigger.Queue
		logger zerolog.Logger

		name      string
		url       string
		namespace string
		features  []string

		mx    *sync.Mutex
		state State
		open  bool
		// linked is set once the transport reported connected for the current Connect.
		linked bool
		// epoch changes on every Disconnect.
		epoch            uint64
		bootstrapPending bool
		handlers         map[string]struct{}
	}
)

// DefaultConfig returns config with the conventional participant defaults.
func DefaultConfig() Config {
	return Config{
		Name:      DefaultName,
		URL:       DefaultURL,
		Namespace: DefaultNamespace,
	}
}

// SetDefaults fills empty string fields.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
}

func New(cfg Config) *Session {
	cfg.SetDefaults()

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().
		Str("component", "session").
		Str("participant", cfg.Name).
		Str("namespace", cfg.Namespace).
		Logger()

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = token.New()
	}

	s := &Session{
		tr:        cfg.Transport,
		tokens:    tokens,
		queue:     trigger.NewQueue(),
		logger:    logger,
		name:      cfg.Name,
		url:       cfg.URL,
		namespace: cfg.Namespace,
		features:  model.FeatureSet(cfg.Features),
		mx:        &sync.Mutex{},
		handlers:  make(map[string]struct{}),
	}
	if s.tr == nil {
		s.tr = newWebsocketTransport(cfg.URL, cfg.Namespace, &logger)
	}
	s.tr.OnConnect(s.connected)
	s.tr.OnDisconnect(s.disconnected)
	return s
}

// Start creates a session and connects it right away unless cfg.ManualConnect is set.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	s := New(cfg)
	if cfg.ManualConnect {
		return s, nil
	}
	return s, s.Connect(ctx)
}

func (s *Session) Name() string { return s.name }

func (s *Session) URL() string { return s.url }

func (s *Session) Namespace() string { return s.namespace }

// DefaultRoom is the room the session subscribes to on connect.
func (s *Session) DefaultRoom() string { return model.DefaultRoom(s.name) }

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Enqueue adds an initialisation trigger. Triggers run in order once the
// transport is connected; on a connected session they run immediately.
func (s *Session) Enqueue(fn func()) {
	s.queue.Enqueue(fn)
}

// Connect queues the bootstrap trigger and opens the transport if needed.
// Triggers run when the transport reports it is connected.
// A Disconnect while the transport is opening cancels the attempt with ErrCanceled.
func (s *Session) Connect(ctx context.Context) error {
	s.mx.Lock()
	enqueue := !s.bootstrapPending
	s.bootstrapPending = true
	alreadyOpen := s.open
	if !alreadyOpen {
		s.open = true
		s.state = StateConnecting
	}
	epoch := s.epoch
	s.mx.Unlock()

	if enqueue {
		s.queue.Enqueue(s.bootstrap)
	}
	if alreadyOpen {
		return nil
	}

	s.logger.Debug().Str("url", s.url).Msg("connecting")
	err := s.tr.Open(ctx)

	s.mx.Lock()
	canceled := s.epoch != epoch
	if err != nil && !canceled {
		s.open = false
		s.state = StateDisconnected
	}
	reconnected := s.open
	s.mx.Unlock()

	switch {
	case canceled:
		if err == nil && !reconnected {
			if cErr := s.tr.Close(); cErr != nil {
				s.logger.Warn().Err(cErr).Msg("transport close failed")
			}
		}
		s.logger.Debug().Msg("connect canceled by disconnect")
		return ErrCanceled
	case err != nil:
		s.logger.Error().Err(err).Msg("failed to open transport")
		return errors.Join(ErrOpen, err)
	}
	return nil
}

// Disconnect removes every handler the session registered and closes the transport.
// It also cancels a Connect that is still opening the transport.
// Safe to call on a session that never connected and from inside a handler.
func (s *Session) Disconnect() {
	s.mx.Lock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	s.handlers = make(map[string]struct{})
	wasOpen := s.open
	s.open = false
	s.linked = false
	s.epoch++
	s.state = StateDisconnected
	s.mx.Unlock()

	for _, name := range names {
		s.tr.Off(name)
	}
	s.queue.Reset()

	if !wasOpen {
		return
	}
	if err := s.tr.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("transport close failed")
	}
	s.logger.Debug().Int("handlers", len(names)).Msg("disconnected")
}

// On registers h for event and remembers the event name for cleanup on Disconnect.
func (s *Session) On(event string, h model.Handler) {
	s.mx.Lock()
	s.handlers[event] = struct{}{}
	s.mx.Unlock()
	s.tr.On(event, h)
}

// Off drops every handler for event.
func (s *Session) Off(event string) {
	s.mx.Lock()
	delete(s.handlers, event)
	s.mx.Unlock()
	s.tr.Off(event)
}

// Handlers returns event names with attached handlers.
func (s *Session) Handlers() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return names
}

// Room emits a room scoped frame to the default room.
func (s *Session) Room(event string, payload any) {
	s.RoomTo(s.DefaultRoom(), event, payload)
}

// RoomTo emits a room scoped frame. Before registration the frame is dropped with a warning.
func (s *Session) RoomTo(room, event string, payload any) {
	if room == "" {
		room = s.DefaultRoom()
	}
	if st := s.State(); st < StateRegistered {
		s.logger.Warn().
			Str("event", event).
			Str("room", room).
			Str("state", st.String()).
			Msg("room emit before registration, dropped")
		return
	}
	if err := s.tr.Emit(event, payload, room); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Str("room", room).Msg("room emit failed")
	}
}

// Subscribe joins an additional room.
func (s *Session) Subscribe(room string) {
	s.control(model.EventSubscribe, model.Subscribe{Room: room})
}

func (s *Session) Unsubscribe(room string) {
	s.control(model.EventUnsubscribe, model.Unsubscribe{Room: room})
}

// AnnounceMaster tells room members this session wants to control the room's resource.
func (s *Session) AnnounceMaster(room string, features ...string) {
	if room == "" {
		room = s.DefaultRoom()
	}
	s.RoomTo(room, model.EventMasterCandidacy, model.NewMasterCandidacy(room, features...))
}

func (s *Session) control(event string, payload any) {
	if st := s.State(); st < StateRegistered {
		s.logger.Warn().Str("event", event).Str("state", st.String()).Msg("emit before registration, dropped")
		return
	}
	if err := s.tr.Emit(event, payload, ""); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}

func (s *Session) bootstrap() {
	s.mx.Lock()
	s.bootstrapPending = false
	s.mx.Unlock()

	room := s.DefaultRoom()
	reg := model.Register{
		ParticipantName: s.name,
		SessionToken:    s.tokens.Generate(tokenPrefix),
	}
	if err := s.tr.Emit(model.EventRegister, reg, ""); err != nil {
		s.logger.Error().Err(err).Msg("register failed")
		return
	}
	s.setState(StateRegistered)

	if err := s.tr.Emit(model.EventSubscribe, model.Subscribe{Room: room}, ""); err != nil {
		s.logger.Error().Err(err).Str("room", room).Msg("subscribe failed")
		return
	}
	s.setState(StateSubscribed)
	s.logger.Info().Str("room", room).Str("token", reg.SessionToken).Msg("registered")

	s.AnnounceMaster(room, s.features...)
}

func (s *Session) setState(st State) {
	s.mx.Lock()
	if s.open {
		s.state = st
	}
	s.mx.Unlock()
}

func (s *Session) connected() {
	s.mx.Lock()
	active := s.open
	if active {
		s.linked = true
	}
	s.mx.Unlock()
	if !active {
		s.logger.Debug().Msg("transport connected after disconnect, triggers held")
		return
	}
	s.logger.Debug().Msg("transport connected")
	n := s.queue.Flush()
	s.logger.Trace().Int("triggers", n).Msg("triggers flushed")
}

// disconnected handles the end of a link. Links the session already let go
// of through Disconnect do not touch the current state.
func (s *Session) disconnected(err error) {
	s.mx.Lock()
	linked := s.linked
	if linked {
		s.linked = false
		s.open = false
		s.state = StateDisconnected
	}
	s.mx.Unlock()
	if !linked {
		s.logger.Trace().Err(err).Msg("released link closed")
		return
	}
	s.queue.Reset()
	if err != nil {
		s.logger.Warn().Err(err).Msg("transport disconnected")
		return
	}
	s.logger.Debug().Msg("transport disconnected")
}
