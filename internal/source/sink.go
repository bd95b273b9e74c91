package source

import (
	"context"
	"sync"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/model"
)

// Sink is the downstream bounded delivery channel a Consumer Source pushes
// events into. Send blocks while the sink is full (backpressure) and
// returns coordinatorerr.ErrSinkClosed once the receiver is gone.
type Sink interface {
	Send(ctx context.Context, ev model.BlockchainEvent) error
}

// ChannelSink adapts a bounded Go channel to Sink. The receiving side calls
// Close when it is done, causing any blocked or future Send to fail fast
// with ErrSinkClosed instead of deadlocking forever.
type ChannelSink struct {
	ch     chan model.BlockchainEvent
	closed chan struct{}
	once   sync.Once
}

// NewChannelSink returns a sink backed by a channel of the given capacity,
// plus the receive side of that channel for the caller to drain.
func NewChannelSink(capacity int) (*ChannelSink, <-chan model.BlockchainEvent) {
	s := &ChannelSink{
		ch:     make(chan model.BlockchainEvent, capacity),
		closed: make(chan struct{}),
	}
	return s, s.ch
}

func (s *ChannelSink) Send(ctx context.Context, ev model.BlockchainEvent) error {
	select {
	case s.ch <- ev:
		return nil
	case <-s.closed:
		return coordinatorerr.ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the sink closed; it is safe to call more than once.
func (s *ChannelSink) Close() {
	s.once.Do(func() { close(s.closed) })
}
