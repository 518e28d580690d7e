package transport

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Network connects the nodes of a cluster running in one process.
type Network struct {
	mu        sync.RWMutex
	endpoints map[uint16]*Endpoint
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[uint16]*Endpoint)}
}

// Join attaches node to the network. Frames sent to node are handed to h.
func (n *Network) Join(node uint16, h Handler) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.endpoints[node]; ok {
		return nil, fmt.Errorf("node %d already joined", node)
	}
	e := &Endpoint{network: n, node: node, inbox: newInbox(h)}
	n.endpoints[node] = e
	return e, nil
}

func (n *Network) endpoint(node uint16) (*Endpoint, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	e, ok := n.endpoints[node]
	return e, ok
}

// Endpoint is the Transport of one node of a Network.
type Endpoint struct {
	network *Network
	node    uint16
	inbox   *inbox
}

var _ Transport = (*Endpoint)(nil)

func (e *Endpoint) Send(ctx context.Context, node uint16, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest, ok := e.network.endpoint(node)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, node)
	}
	return dest.inbox.push(slices.Clone(frame))
}

// Close leaves the network. Frames not yet handled are dropped.
func (e *Endpoint) Close() error {
	e.network.mu.Lock()
	if e.network.endpoints[e.node] == e {
		delete(e.network.endpoints, e.node)
	}
	e.network.mu.Unlock()

	e.inbox.close()
	return nil
}
