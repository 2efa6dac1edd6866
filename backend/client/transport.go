package client

import (
	wstransport "github.com/adwski/roommesh/backend/transport/websocket"
	"github.com/rs/zerolog"
)

func newWebsocketTransport(url, namespace string, logger *zerolog.Logger) Transport {
	return wstransport.New(wstransport.Config{
		Logger:    logger,
		URL:       url,
		Namespace: namespace,
	})
}
