package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/roommesh/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	baseNamespaceKey = "base"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// Mesh is the read-only view of the mesh server the API needs.
type Mesh interface {
	Namespaces() []string
	Rooms(namespace string) ([]*model.Room, bool)
	Sockets(namespace string) int
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type InfoResponse struct {
	Message   string            `json:"message"`
	Version   string            `json:"version,omitempty"`
	Endpoints map[string]string `json:"endpoints"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Server    string    `json:"server"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type NamespaceInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Sockets int    `json:"sockets"`
}

type Server struct {
	logger zerolog.Logger
	mesh   Mesh
	name   string
	ver    string
	*http.Server
}

type Config struct {
	Logger *zerolog.Logger
	Mesh   Mesh
	// Metrics is served on /metrics when set.
	Metrics    http.Handler
	ListenAddr string
	Name       string
	Version    string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		mesh:   cfg.Mesh,
		name:   cfg.Name,
		ver:    cfg.Version,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /{$}", srv.info)
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("GET /api/namespaces", srv.namespaces)
	r.HandleFunc("GET /api/rooms", srv.rooms)
	if cfg.Metrics != nil {
		r.Handle("GET /metrics", cfg.Metrics)
	}
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func namespacePath(name string) string {
	return "/" + name
}

func (srv *Server) info(w http.ResponseWriter, _ *http.Request) {
	endpoints := make(map[string]string)
	for _, name := range srv.mesh.Namespaces() {
		key := name
		if key == "" {
			key = baseNamespaceKey
		}
		endpoints[key] = namespacePath(name)
	}
	srv.writeJSON(w, http.StatusOK, &InfoResponse{
		Message:   srv.name,
		Version:   srv.ver,
		Endpoints: endpoints,
	})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &HealthResponse{
		Status:    "healthy",
		Server:    srv.name,
		Version:   srv.ver,
		Timestamp: time.Now().UTC(),
	})
}

func (srv *Server) namespaces(w http.ResponseWriter, _ *http.Request) {
	names := srv.mesh.Namespaces()
	out := make([]NamespaceInfo, 0, len(names))
	for _, name := range names {
		out = append(out, NamespaceInfo{
			Name:    name,
			Path:    namespacePath(name),
			Sockets: srv.mesh.Sockets(name),
		})
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: out})
}

func (srv *Server) rooms(w http.ResponseWriter, r *http.Request) {
	ns := r.URL.Query().Get("namespace")
	rooms, ok := srv.mesh.Rooms(ns)
	if !ok {
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: "namespace not found"})
		return
	}
	srv.logger.Trace().Str("namespace", ns).Int("rooms", len(rooms)).Msg("rooms requested")
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: rooms})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
