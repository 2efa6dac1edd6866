package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adwski/roommesh/backend/metrics"
	"github.com/adwski/roommesh/backend/model"
	"github.com/adwski/roommesh/backend/relay"
	"github.com/adwski/roommesh/backend/service"
	store "github.com/adwski/roommesh/backend/storage/memory"
	sw "github.com/adwski/roommesh/backend/switch"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Namespaces provisioned by every server. Admin and base are meant for
// operational tooling, application rooms belong to runtime.
const (
	NamespaceBase    = ""
	NamespaceAdmin   = "admin"
	NamespaceRuntime = "runtime"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	Config struct {
		Logger  *zerolog.Logger
		Metrics *metrics.Metrics
		// Relay is optional, when set room broadcasts are shared with other processes.
		Relay      relay.Relay
		ListenAddr string
		// Namespaces are created in addition to base, admin and runtime.
		Namespaces []string
		// MaxRoomParticipants of 0 means unlimited.
		MaxRoomParticipants int
	}

	// Server is the mesh server. It owns the namespaces and the websocket endpoint.
	Server struct {
		ws *websocket.Upgrader
		*http.Server

		metrics         *metrics.Metrics
		relay           relay.Relay
		maxParticipants int
		logger          zerolog.Logger

		mx         *sync.RWMutex
		namespaces map[string]*service.Namespace
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:          cfg.Logger.With().Str("component", "mesh-server").Logger(),
		metrics:         cfg.Metrics,
		relay:           cfg.Relay,
		maxParticipants: cfg.MaxRoomParticipants,
		mx:              &sync.RWMutex{},
		namespaces:      make(map[string]*service.Namespace),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	for _, name := range append([]string{NamespaceAdmin, NamespaceRuntime, NamespaceBase}, cfg.Namespaces...) {
		srv.CreateNamespace(name)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/{ns...}", srv.serveNamespace)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// NormalizeNamespace trims slashes, so "/runtime" is "runtime" and "/" is the base namespace.
func NormalizeNamespace(name string) string {
	return strings.Trim(name, "/")
}

// CreateNamespace returns the namespace with the given name, creating it on first call.
// Creating an existing name returns the existing handle untouched.
func (srv *Server) CreateNamespace(name string) *service.Namespace {
	name = NormalizeNamespace(name)

	srv.mx.Lock()
	defer srv.mx.Unlock()
	if nsp, ok := srv.namespaces[name]; ok {
		return nsp
	}

	swtch := sw.NewSwitch(&srv.logger, name)
	swtch.OnDrop(func() { srv.metrics.Dropped(name) })

	var pub service.Publisher
	if srv.relay != nil {
		pub = srv.relay
	}
	nsp := service.NewNamespace(service.Config{
		Logger:    &srv.logger,
		RoomStore: store.NewMemStore(srv.maxParticipants),
		Switch:    swtch,
		Metrics:   srv.metrics,
		Relay:     pub,
		Name:      name,
	})
	srv.namespaces[name] = nsp
	srv.logger.Debug().Str("namespace", name).Msg("namespace created")
	return nsp
}

func (srv *Server) Namespace(name string) (*service.Namespace, bool) {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	nsp, ok := srv.namespaces[NormalizeNamespace(name)]
	return nsp, ok
}

// Namespaces returns sorted namespace names.
func (srv *Server) Namespaces() []string {
	srv.mx.RLock()
	defer srv.mx.RUnlock()
	out := make([]string, 0, len(srv.namespaces))
	for name := range srv.namespaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	if srv.relay != nil {
		go srv.runRelay(ctx)
	}

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Strs("namespaces", srv.Namespaces()).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) runRelay(ctx context.Context) {
	err := srv.relay.Subscribe(ctx, func(frame relay.Frame) {
		nsp, ok := srv.Namespace(frame.Namespace)
		if !ok {
			srv.logger.Debug().Str("namespace", frame.Namespace).Msg("relayed frame for unknown namespace")
			return
		}
		nsp.Deliver(ctx, frame)
	})
	if err != nil {
		srv.logger.Error().Err(err).Msg("relay subscription ended")
	}
}

func (srv *Server) serveNamespace(w http.ResponseWriter, r *http.Request) {
	nsp, ok := srv.Namespace(r.PathValue("ns"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)

	socketID := uuid.NewString()
	wire := model.NewWire()

	ctx, cancel := context.WithCancel(context.Background()) // long-living wire context

	nsp.Attach(ctx, socketID, wire)

	go srv.handleWSConn(ctx, cancel, conn, nsp, socketID, wire)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	nsp *service.Namespace,
	socketID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("namespace", nsp.Name()).
		Str("socketID", socketID).
		Logger()

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	<-ctx.Done()
	webSocketCloser(conn, &logger)
	wg.Wait()

	detachCtx, detachCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
	defer detachCancel()
	nsp.Detach(detachCtx, socketID)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Envelope,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case env, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := json.Marshal(&env)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing frame")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	rx chan<- model.Envelope,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			break RecvLoop
		}
		if err = readDeadLineFunc(defaultPongWait); err != nil {
			logger.Error().Err(err).Msg("failed to set websocket read deadline")
			break RecvLoop
		}

		var env model.Envelope
		if wsErr = json.Unmarshal(msg, &env); wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to unmarshall incoming frame")
			continue
		}
		select {
		case rx <- env:
		case <-ctx.Done():
			break RecvLoop
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline),
	)
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close frame")
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}

// Rooms returns a membership snapshot of the namespace.
func (srv *Server) Rooms(namespace string) ([]*model.Room, bool) {
	nsp, ok := srv.Namespace(namespace)
	if !ok {
		return nil, false
	}
	return nsp.Rooms(), true
}

// Sockets returns the number of sockets connected to the namespace.
func (srv *Server) Sockets(namespace string) int {
	nsp, ok := srv.Namespace(namespace)
	if !ok {
		return 0
	}
	return nsp.Sockets()
}
