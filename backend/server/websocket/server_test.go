package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/adwski/roommesh/backend/client"
	"github.com/adwski/roommesh/backend/metrics"
	"github.com/adwski/roommesh/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func newSession(t *testing.T, ts *httptest.Server, name, namespace string) *client.Session {
	t.Helper()
	s := client.New(client.Config{Name: name, URL: ts.URL, Namespace: namespace})
	t.Cleanup(s.Disconnect)
	return s
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for frame")
	}
	var zero T
	return zero
}

func TestServer_Namespaces(t *testing.T) {
	srv, _ := newTestServer(t, Config{Namespaces: []string{"/games/", "runtime"}})

	assert.Equal(t, []string{"", "admin", "games", "runtime"}, srv.Namespaces())

	runtime, ok := srv.Namespace("/runtime")
	require.True(t, ok)
	assert.Same(t, runtime, srv.CreateNamespace("runtime"), "create is idempotent")

	base, ok := srv.Namespace("/")
	require.True(t, ok)
	assert.Equal(t, "", base.Name())

	_, ok = srv.Namespace("missing")
	assert.False(t, ok)
}

func TestServer_UnknownNamespace(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/missing")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	s := newSession(t, ts, "Lost", "/missing")
	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrOpen)
	assert.Equal(t, client.StateDisconnected, s.State())
}

func TestServer_RegisterAndSubscribe(t *testing.T) {
	srv, ts := newTestServer(t, Config{Metrics: metrics.New()})

	runtime, ok := srv.Namespace(NamespaceRuntime)
	require.True(t, ok)

	var events []string
	registered := make(chan model.Register, 1)
	subscribed := make(chan model.Subscribe, 1)
	order := make(chan string, 4)
	runtime.On(model.EventRegister, func(_ context.Context, env model.Envelope) {
		msg, err := model.Decode(env)
		if err == nil {
			registered <- msg.(model.Register)
		}
		order <- env.Event
	})
	runtime.On(model.EventSubscribe, func(_ context.Context, env model.Envelope) {
		msg, err := model.Decode(env)
		if err == nil {
			subscribed <- msg.(model.Subscribe)
		}
		order <- env.Event
	})

	s := newSession(t, ts, "Worker1", "runtime")
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, client.StateSubscribed, s.State())

	reg := receive(t, registered)
	assert.Equal(t, "Worker1", reg.ParticipantName)
	assert.Regexp(t, regexp.MustCompile(`^xS>\d\d\d\d$`), reg.SessionToken)

	sub := receive(t, subscribed)
	assert.Equal(t, "Worker1_ROOM", sub.Room)

	events = append(events, receive(t, order), receive(t, order))
	assert.Equal(t, []string{model.EventRegister, model.EventSubscribe}, events)

	require.Eventually(t, func() bool {
		room, err := runtime.Room("Worker1_ROOM")
		return err == nil && len(room.Masters) == 1
	}, waitFor, 10*time.Millisecond)

	room, err := runtime.Room("Worker1_ROOM")
	require.NoError(t, err)
	require.Len(t, room.Participants, 1)
	for _, p := range room.Participants {
		assert.Equal(t, "Worker1", p.Name)
	}
	assert.Equal(t, "Worker1", room.Masters[0].Name)
	assert.Equal(t, 1, runtime.Sockets())

	s.Disconnect()
	require.Eventually(t, func() bool {
		return runtime.Sockets() == 0 && len(runtime.Rooms()) == 0
	}, waitFor, 10*time.Millisecond)
}

func TestServer_RoomTraffic(t *testing.T) {
	srv, ts := newTestServer(t, Config{})
	runtime, _ := srv.Namespace(NamespaceRuntime)

	a := newSession(t, ts, "Alpha", "runtime")
	b := newSession(t, ts, "Beta", "runtime")

	joined := make(chan model.Envelope, 4)
	left := make(chan model.Envelope, 4)
	data := make(chan model.Envelope, 4)
	candidacy := make(chan model.Envelope, 4)
	pushed := make(chan model.Envelope, 4)
	a.On(model.AnnouncementTypeJoined, func(env model.Envelope) { joined <- env })
	a.On(model.AnnouncementTypeLeft, func(env model.Envelope) { left <- env })
	a.On(model.EventMasterCandidacy, func(env model.Envelope) { candidacy <- env })
	a.On(model.EventServerStatePush, func(env model.Envelope) { pushed <- env })
	b.On(model.EventDomainDataSet, func(env model.Envelope) { data <- env })

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))
	b.Subscribe("Alpha_ROOM")

	env := receive(t, joined)
	assert.Equal(t, "Alpha_ROOM", env.Room)
	assert.Contains(t, string(env.Payload), `"Beta"`)

	a.Room(model.EventDomainDataSet, model.DomainDataSet{Action: "SET_DATA", Blob: []byte(`{"engine":1}`)})
	env = receive(t, data)
	assert.Equal(t, "Alpha_ROOM", env.Room)
	assert.NotEmpty(t, env.SRC)
	msg, err := model.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, "SET_DATA", msg.(model.DomainDataSet).Action)

	b.AnnounceMaster("Alpha_ROOM", "engine", "engine")
	env = receive(t, candidacy)
	msg, err = model.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, model.MasterCandidacy{Room: "Alpha_ROOM", Features: []string{"engine"}}, msg)
	require.Eventually(t, func() bool {
		return len(runtime.Masters("Alpha_ROOM")) == 2
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, runtime.Emit(context.Background(), "Alpha_ROOM", model.EventServerStatePush, map[string]int{"threads": 3}))
	env = receive(t, pushed)
	assert.Empty(t, env.SRC)
	assert.JSONEq(t, `{"threads":3}`, string(env.Payload))

	b.Disconnect()
	env = receive(t, left)
	assert.Equal(t, "Alpha_ROOM", env.Room)
	require.Eventually(t, func() bool {
		return len(runtime.Masters("Alpha_ROOM")) == 1
	}, waitFor, 10*time.Millisecond)
}

func TestServer_NamespacesAreIsolated(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	a := newSession(t, ts, "Same", "runtime")
	b := newSession(t, ts, "Same", "admin")

	got := make(chan model.Envelope, 1)
	b.On(model.EventDomainDataSet, func(env model.Envelope) { got <- env })

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, b.Connect(context.Background()))

	a.Room(model.EventDomainDataSet, model.DomainDataSet{Action: "noop"})
	select {
	case env := <-got:
		t.Fatalf("frame crossed namespaces: %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNormalizeNamespace(t *testing.T) {
	for in, want := range map[string]string{
		"":          "",
		"/":         "",
		"runtime":   "runtime",
		"/runtime":  "runtime",
		"/runtime/": "runtime",
		"a/b":       "a/b",
	} {
		assert.Equal(t, want, NormalizeNamespace(in), in)
	}
}
