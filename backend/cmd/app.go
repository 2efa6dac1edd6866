package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/roommesh/backend/client"
	"github.com/adwski/roommesh/backend/config"
	"github.com/adwski/roommesh/backend/logging"
	"github.com/adwski/roommesh/backend/metrics"
	"github.com/adwski/roommesh/backend/model"
	"github.com/adwski/roommesh/backend/relay"
	httpServer "github.com/adwski/roommesh/backend/server/http"
	websocketServer "github.com/adwski/roommesh/backend/server/websocket"
	"github.com/rs/zerolog"
)

const (
	serviceName = "Room mesh server"
	version     = "0.1.0"

	demoClientName     = "SERVER_cRUNTIME"
	demoConnectBackoff = time.Second
	menuStateEvent     = "Menu_State"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger, err = logging.New(logging.Config{
		Level:     cfg.LogLevel,
		Timestamp: cfg.LogTimestamp,
		Console:   cfg.LogConsole,
	})
	if err != nil {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		logger.Fatal().Err(err).Msg("failed to configure logger")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	var rl relay.Relay
	if cfg.RedisAddr != "" {
		rds := relay.NewRedis(relay.RedisConfig{
			Logger:    &logger,
			Addr:      cfg.RedisAddr,
			KeyPrefix: cfg.RedisPrefix,
		})
		if err = rds.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("relay is not reachable")
		}
		defer func() { _ = rds.Close() }()
		rl = rds
	}

	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:              &logger,
		Metrics:             m,
		Relay:               rl,
		ListenAddr:          cfg.WSListenAddr,
		Namespaces:          cfg.ExtraNamespaces(),
		MaxRoomParticipants: cfg.MaxRoomParticipants,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Mesh:       wsSrv,
		Metrics:    m.Handler(),
		ListenAddr: cfg.APIListenAddr,
		Name:       serviceName,
		Version:    version,
	})
	serveRuntime(wsSrv, &logger)

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	if cfg.DemoClient {
		wg.Add(1)
		go runDemoClient(ctx, wg, localURL(cfg.WSListenAddr), &logger)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

// serveRuntime attaches server side handlers to the runtime namespace.
func serveRuntime(srv *websocketServer.Server, logger *zerolog.Logger) {
	nsp, ok := srv.Namespace(websocketServer.NamespaceRuntime)
	if !ok {
		return
	}
	log := logger.With().Str("component", "runtime").Logger()

	nsp.On(menuStateEvent, func(_ context.Context, env model.Envelope) {
		log.Debug().Str("from", env.SRC).RawJSON("state", rawOrNull(env.Payload)).Msg("menu state")
	})
	nsp.On(model.EventServerStateRequest, func(ctx context.Context, env model.Envelope) {
		if env.Room == "" {
			return
		}
		if err := nsp.Emit(ctx, env.Room, model.EventServerStatePush, nsp.Rooms()); err != nil {
			log.Error().Err(err).Msg("failed to push server state")
		}
	})
}

func runDemoClient(ctx context.Context, wg *sync.WaitGroup, url string, logger *zerolog.Logger) {
	defer wg.Done()

	s := client.New(client.Config{
		Logger:    logger,
		Name:      demoClientName,
		URL:       url,
		Namespace: "/" + websocketServer.NamespaceRuntime,
	})
	log := logger.With().Str("component", "demo-client").Logger()

	// first attempt queues the bootstrap trigger ahead of the demo triggers
	err := s.Connect(ctx)

	s.Enqueue(func() {
		s.On(model.EventListThreadsResponse, func(env model.Envelope) {
			log.Info().RawJSON("threads", rawOrNull(env.Payload)).Msg("threads listed")
		})
		s.On(model.EventServerStatePush, func(env model.Envelope) {
			log.Info().RawJSON("state", rawOrNull(env.Payload)).Msg("server state")
		})
		s.Room(model.EventListThreadsRequest, nil)
		s.Room(model.EventServerStateRequest, nil)
	})
	s.Enqueue(func() {
		s.ServeController()
	})

	for err != nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(demoConnectBackoff):
		}
		err = s.Connect(ctx)
	}

	<-ctx.Done()
	s.Disconnect()
}

func localURL(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return "http://localhost" + listenAddr
	}
	return "http://" + listenAddr
}

func rawOrNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
