package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/roommesh/backend/model"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		namespace string
		want      string
		wantErr   bool
	}{
		{name: "http_root", url: "http://localhost:3000", namespace: "/", want: "ws://localhost:3000/"},
		{name: "http_runtime", url: "http://localhost:3000", namespace: "/runtime", want: "ws://localhost:3000/runtime"},
		{name: "https_with_base_path", url: "https://mesh.example/base/", namespace: "admin", want: "wss://mesh.example/base/admin"},
		{name: "ws_passthrough", url: "ws://127.0.0.1:1", namespace: "", want: "ws://127.0.0.1:1/"},
		{name: "bad_scheme", url: "ftp://x", namespace: "/", wantErr: true},
		{name: "bad_url", url: "://", namespace: "/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Endpoint(tt.url, tt.namespace)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// peer is a minimal namespace endpoint: it records inbound frames and
// replies with whatever is pushed to out.
type peer struct {
	path string
	in   chan model.Envelope
	out  chan model.Envelope
}

func newPeer(t *testing.T) (*peer, *httptest.Server) {
	t.Helper()
	p := &peer{in: make(chan model.Envelope, 16), out: make(chan model.Envelope, 16)}
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.path = r.URL.Path
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		go func() {
			for env := range p.out {
				b, _ := json.Marshal(env)
				if conn.WriteMessage(websocket.TextMessage, b) != nil {
					return
				}
			}
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env model.Envelope
			if json.Unmarshal(msg, &env) == nil {
				p.in <- env
			}
		}
	}))
	t.Cleanup(ts.Close)
	return p, ts
}

func TestConn_Lifecycle(t *testing.T) {
	p, ts := newPeer(t)
	c := New(Config{URL: ts.URL, Namespace: "/runtime"})

	assert.ErrorIs(t, c.Emit("x", nil, ""), ErrNotConnected)

	var connects int
	disconnected := make(chan error, 1)
	c.OnConnect(func() {
		connects++
		// the sender is running before connect callbacks
		assert.NoError(t, c.Emit(model.EventRegister, model.Register{ParticipantName: "w"}, ""))
	})
	c.OnDisconnect(func(err error) { disconnected <- err })

	got := make(chan model.Envelope, 4)
	c.On("ping-me", func(env model.Envelope) { got <- env })
	c.On("ping-me", func(env model.Envelope) { got <- env })
	assert.Equal(t, 2, c.Listeners("ping-me"))

	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.Open(context.Background()), "open on a live link does not dial again")
	assert.Equal(t, 2, connects, "connect callbacks run on every open")
	assert.True(t, c.Connected())

	for i := 0; i < 2; i++ {
		select {
		case env := <-p.in:
			assert.Equal(t, model.EventRegister, env.Event)
			assert.JSONEq(t, `{"participantName":"w","sessionToken":""}`, string(env.Payload))
		case <-time.After(waitFor):
			t.Fatal("register frame not received")
		}
	}
	assert.Equal(t, "/runtime", p.path)

	require.NoError(t, c.Emit("room-event", map[string]string{"k": "v"}, "r1"))
	select {
	case env := <-p.in:
		assert.Equal(t, "r1", env.Room)
	case <-time.After(waitFor):
		t.Fatal("room frame not received")
	}

	p.out <- model.Envelope{Event: "ping-me", Room: "r1", SRC: "other"}
	for i := 0; i < 2; i++ {
		select {
		case env := <-got:
			assert.Equal(t, "other", env.SRC)
		case <-time.After(waitFor):
			t.Fatal("handler not invoked")
		}
	}

	c.Off("ping-me")
	assert.Equal(t, 0, c.Listeners("ping-me"))

	require.NoError(t, c.Close())
	select {
	case err := <-disconnected:
		assert.NoError(t, err)
	default:
		t.Fatal("disconnect callback must run before Close returns")
	}
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Emit("x", nil, ""), ErrNotConnected)
	require.NoError(t, c.Close(), "second close is a no-op")
}

func TestConn_OpenFailure(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", Namespace: "/"})
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	assert.Error(t, c.Open(ctx))
	assert.False(t, c.Connected())

	c = New(Config{URL: "gopher://x"})
	assert.ErrorIs(t, c.Open(ctx), ErrUnsupportedScheme)
}

func TestConn_PeerCloses(t *testing.T) {
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.Close()
	}))
	defer ts.Close()

	c := New(Config{URL: ts.URL})
	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })
	require.NoError(t, c.Open(context.Background()))

	select {
	case err := <-disconnected:
		assert.NoError(t, err, "normal closure is not an error")
	case <-time.After(waitFor):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, c.Connected())
}

func TestConn_CloseWhileDialing(t *testing.T) {
	var (
		up    = websocket.Upgrader{}
		dials atomic.Int32
		hold  = make(chan struct{})
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dials.Add(1) == 1 {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		for {
			if _, _, err = conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()
	defer close(hold)

	c := New(Config{URL: ts.URL, Namespace: "/runtime"})
	var connects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })

	opened := make(chan error, 1)
	go func() {
		opened <- c.Open(context.Background())
	}()
	require.Eventually(t, func() bool { return dials.Load() == 1 }, waitFor, 10*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-opened:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("dial was not aborted")
	}
	assert.Zero(t, connects.Load())
	assert.False(t, c.Connected())

	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, int32(1), connects.Load())
	require.NoError(t, c.Close())
}

func TestConn_CloseFromHandler(t *testing.T) {
	p, ts := newPeer(t)
	c := New(Config{URL: ts.URL, Namespace: "/runtime"})

	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })
	closed := make(chan error, 1)
	c.On("bye", func(model.Envelope) { closed <- c.Close() })

	require.NoError(t, c.Open(context.Background()))
	p.out <- model.Envelope{Event: "bye"}

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close from a handler blocked")
	}
	select {
	case err := <-disconnected:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, c.Connected())

	require.NoError(t, c.Open(context.Background()), "link can be reopened after teardown")
	assert.True(t, c.Connected())
	require.NoError(t, c.Close())
}

func TestConn_AbnormalCloseIsReported(t *testing.T) {
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.UnderlyingConn().Close()
	}))
	defer ts.Close()

	c := New(Config{URL: ts.URL})
	disconnected := make(chan error, 1)
	c.OnDisconnect(func(err error) { disconnected <- err })

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Open(context.Background()))
		select {
		case err := <-disconnected:
			assert.Error(t, err, "receive error reaches disconnect callbacks")
		case <-time.After(waitFor):
			t.Fatal("disconnect not reported")
		}
		require.Eventually(t, func() bool { return !c.Connected() }, waitFor, 5*time.Millisecond)
	}
}
