// Package websocket is the participant side of the mesh transport.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/roommesh/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultTxBufferSize = 256

	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give server to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrNotConnected      = errors.New("transport is not connected")
	ErrClosed            = errors.New("transport closed while opening")
	ErrOpening           = errors.New("transport is already opening")
	ErrClosing           = errors.New("transport is closing")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

type (
	Config struct {
		Logger *zerolog.Logger
		// Dialer defaults to a dialer with handshake timeout.
		Dialer    *websocket.Dialer
		Header    http.Header
		URL       string
		Namespace string
	}

	// Conn is a reconnectable websocket link to one namespace.
	// Handlers run on the receiving goroutine, one frame at a time.
	Conn struct {
		dialer    *websocket.Dialer
		header    http.Header
		url       string
		namespace string
		logger    zerolog.Logger

		mx           *sync.Mutex
		handlers     map[string][]model.Handler
		onConnect    []func()
		onDisconnect []func(error)

		dialCancel  context.CancelFunc
		dispatching atomic.Bool

		ws     *websocket.Conn
		tx     chan model.Envelope
		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}
	}
)

func New(cfg Config) *Conn {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		}
	}
	return &Conn{
		dialer:    dialer,
		header:    cfg.Header,
		url:       cfg.URL,
		namespace: cfg.Namespace,
		logger:    logger.With().Str("component", "ws-transport").Logger(),
		mx:        &sync.Mutex{},
		handlers:  make(map[string][]model.Handler),
	}
}

// Endpoint converts an http(s) base url and a namespace into a websocket url.
func Endpoint(baseURL, namespace string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	u.Path = path.Join("/", u.Path, strings.Trim(namespace, "/"))
	return u.String(), nil
}

func (c *Conn) OnConnect(fn func()) {
	c.mx.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mx.Unlock()
}

func (c *Conn) OnDisconnect(fn func(error)) {
	c.mx.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mx.Unlock()
}

func (c *Conn) On(event string, h model.Handler) {
	c.mx.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mx.Unlock()
}

func (c *Conn) Off(event string) {
	c.mx.Lock()
	delete(c.handlers, event)
	c.mx.Unlock()
}

// Listeners returns the number of handlers attached for event.
func (c *Conn) Listeners(event string) int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.handlers[event])
}

func (c *Conn) Connected() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.ws != nil
}

// Open dials the namespace. Connect callbacks run on the calling goroutine
// after the sender is started and before any inbound frame is dispatched.
// Opening a live link does not dial again but still runs the connect callbacks.
// If Close is called during the dial, Open returns ErrClosed.
func (c *Conn) Open(ctx context.Context) error {
	c.mx.Lock()
	if c.ws != nil && c.ctx.Err() == nil {
		onConnect := append([]func(){}, c.onConnect...)
		c.mx.Unlock()
		for _, fn := range onConnect {
			fn()
		}
		return nil
	}
	teardown := c.done
	c.mx.Unlock()

	if teardown != nil {
		if c.dispatching.Load() {
			// previous link waits for the running handler
			return ErrClosing
		}
		<-teardown
	}

	target, err := Endpoint(c.url, c.namespace)
	if err != nil {
		return err
	}

	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()

	c.mx.Lock()
	if c.dialCancel != nil || c.ws != nil {
		c.mx.Unlock()
		return ErrOpening
	}
	c.dialCancel = dialCancel
	c.mx.Unlock()

	ws, resp, err := c.dialer.DialContext(dialCtx, target, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mx.Lock()
	aborted := c.dialCancel == nil
	c.dialCancel = nil
	if aborted || err != nil {
		c.mx.Unlock()
		if err != nil {
			if aborted {
				return errors.Join(ErrClosed, err)
			}
			return fmt.Errorf("dial %s: %w", target, err)
		}
		_ = ws.Close()
		return ErrClosed
	}
	ws.SetReadLimit(defaultWebSocketMaxMessageSize)

	connCtx, cancel := context.WithCancel(context.Background())
	tx := make(chan model.Envelope, defaultTxBufferSize)
	done := make(chan struct{})

	c.ws = ws
	c.tx = tx
	c.ctx = connCtx
	c.cancel = cancel
	c.done = done
	onConnect := append([]func(){}, c.onConnect...)
	c.mx.Unlock()

	c.logger.Debug().Str("url", target).Msg("connected")

	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		webSocketSender(connCtx, wg, ws, tx, &c.logger)
		cancel()
	}()

	for _, fn := range onConnect {
		fn()
	}

	var rxErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		rxErr = c.webSocketReceiver(connCtx, ws)
		cancel()
	}()

	go func() {
		<-connCtx.Done()
		webSocketCloser(ws, &c.logger)
		wg.Wait()

		c.mx.Lock()
		c.ws = nil
		c.tx = nil
		c.ctx = nil
		c.cancel = nil
		c.done = nil
		onDisconnect := append([]func(error){}, c.onDisconnect...)
		c.mx.Unlock()

		for _, fn := range onDisconnect {
			fn(rxErr)
		}
		close(done)
	}()
	return nil
}

// Close aborts a dial in progress or tears the connection down and waits
// until disconnect callbacks have run. Called from a handler it does not wait:
// teardown completes once the handler returns.
func (c *Conn) Close() error {
	c.mx.Lock()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	cancel, done := c.cancel, c.done
	c.mx.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if c.dispatching.Load() {
		return nil
	}
	<-done
	return nil
}

func (c *Conn) Emit(event string, payload any, room string) error {
	env, err := model.NewEnvelope(event, room, payload)
	if err != nil {
		return err
	}
	c.mx.Lock()
	tx, ctx := c.tx, c.ctx
	c.mx.Unlock()
	if tx == nil {
		return ErrNotConnected
	}
	select {
	case tx <- env:
		return nil
	case <-ctx.Done():
		return ErrNotConnected
	}
}

func (c *Conn) dispatch(env model.Envelope) {
	c.mx.Lock()
	hs := append([]model.Handler{}, c.handlers[env.Event]...)
	c.mx.Unlock()
	if len(hs) == 0 {
		c.logger.Trace().Str("event", env.Event).Msg("no handlers")
		return
	}
	c.dispatching.Store(true)
	defer c.dispatching.Store(false)
	for _, h := range hs {
		h(env)
	}
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

		case env := <-tx:
			b, wsErr := json.Marshal(&env)
			if wsErr != nil {
				logger.Error().Err(wsErr).Str("event", env.Event).Msg("failed to marshall outgoing frame")
				continue
			}
			if wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
		}
	}
}

func (c *Conn) webSocketReceiver(ctx context.Context, conn *websocket.Conn) error {
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		return err
	}

	for {
		_, msg, wsErr := conn.ReadMessage()
		if wsErr != nil {
			if ctx.Err() != nil {
				// closed locally
				return nil
			}
			if websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(wsErr).Msg("connection closed by peer")
				return nil
			}
			c.logger.Error().Err(wsErr).Msg("unexpected error during receive")
			return wsErr
		}
		// any inbound frame proves the peer is alive
		if err := readDeadLineFunc(defaultPongWait); err != nil {
			return err
		}

		var env model.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Error().Err(err).Msg("failed to unmarshall incoming frame")
			continue
		}
		c.dispatch(env)
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
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
