package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()

	m.SocketConnected("runtime")
	m.SocketConnected("runtime")
	m.SocketDisconnected("runtime")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sockets.WithLabelValues("runtime")))

	m.Frame("runtime", "register")
	m.Frame("runtime", "Menu_State")
	m.Frame("runtime", "whatever")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues("runtime", "register")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("runtime", otherEvent)))

	m.Dropped("admin")
	m.Relayed("runtime", "out")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("admin")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "roommesh_connected_sockets")
	assert.Contains(t, string(body), "roommesh_relayed_frames_total")
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SocketConnected("x")
		m.SocketDisconnected("x")
		m.Frame("x", "y")
		m.Dropped("x")
		m.Relayed("x", "in")
	})
	assert.Nil(t, m.Registry())
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
