// Package relay fans room broadcasts out to other mesh processes.
package relay

import (
	"context"

	"github.com/adwski/roommesh/backend/model"
)

// Frame is a room broadcast crossing process boundaries.
type Frame struct {
	Origin    string         `json:"origin"`
	Namespace string         `json:"namespace"`
	Envelope  model.Envelope `json:"envelope"`
}

type Handler func(Frame)

type Relay interface {
	// Publish sends frame to every other process. Origin is filled in by the relay.
	Publish(ctx context.Context, frame Frame) error
	// Subscribe blocks delivering frames of other processes until ctx is done.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
