// Package transport moves frames between the nodes of a cluster. The frames
// one node sends to another arrive in the order they were sent.
package transport

import (
	"context"
	"errors"
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrClosed      = errors.New("transport closed")
)

// Handler receives the frames sent to a node. Frames are handed over one at
// a time per sending node. The handler owns the frame.
type Handler interface {
	Handle(ctx context.Context, frame []byte)
}

type HandlerFunc func(ctx context.Context, frame []byte)

func (f HandlerFunc) Handle(ctx context.Context, frame []byte) { f(ctx, frame) }

// Transport sends frames to the nodes of a cluster, including the local one.
type Transport interface {
	// Send returns once frame is queued for delivery. The caller may reuse
	// frame afterwards.
	Send(ctx context.Context, node uint16, frame []byte) error
	Close() error
}
