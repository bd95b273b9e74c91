// Package supervisor implements the Consumer Supervisor from spec.md §4.4:
// it watches group-wide leader state and restarts the Consumer Source
// whenever execution identity changes.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/synapse-labs/cg-coordinator/internal/coord"
	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/groupstore"
	"github.com/synapse-labs/cg-coordinator/internal/lock"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/metrics"
	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/shard"
	"github.com/synapse-labs/cg-coordinator/internal/source"
	"github.com/synapse-labs/cg-coordinator/internal/store"
)

// LeaderState is the payload the Leader Node writes on each state
// transition (spec.md §4.5); the Supervisor only acts on ExecutionId
// changes.
type LeaderState struct {
	ExecutionId model.ExecutionId `json:"execution_id"`
	ProducerId  model.ProducerId  `json:"producer_id"`
}

// Supervisor owns one Consumer Source's task handle across the lifetime of
// a (group, consumer) join.
type Supervisor struct {
	group    model.GroupId
	consumer model.ConsumerId

	lock  *lock.Lock
	st    store.Store
	gs    groupstore.Store
	sink  source.Sink
	filter shard.Filter

	commitInterval time.Duration
	leaderStateCh  <-chan coord.WatchEvent

	log logging.Logger
	met *metrics.Metrics
}

// New constructs a Supervisor bound to a live Consumer Lock and the group's
// shared leader-state watch.
func New(group model.GroupId, consumer model.ConsumerId, lk *lock.Lock, st store.Store, gs groupstore.Store, sink source.Sink, filter shard.Filter, commitInterval time.Duration, leaderStateCh <-chan coord.WatchEvent, log logging.Logger, met *metrics.Metrics) *Supervisor {
	return &Supervisor{
		group:          group,
		consumer:       consumer,
		lock:           lk,
		st:             st,
		gs:             gs,
		sink:           sink,
		filter:         filter,
		commitInterval: commitInterval,
		leaderStateCh:  leaderStateCh,
		log:            log,
		met:            met,
	}
}

type runningSource struct {
	executionID model.ExecutionId
	interrupt   chan struct{}
	done        chan error
}

// Run blocks until the lock is lost or the sink closes, restarting the
// Consumer Source each time the leader advertises a new execution id.
func (sup *Supervisor) Run(ctx context.Context) error {
	var current *runningSource

	stop := func() {
		if current == nil {
			return
		}
		select {
		case current.interrupt <- struct{}{}:
		default:
		}
		<-current.done
		current = nil
	}
	defer stop()

	for {
		var doneCh chan error
		if current != nil {
			doneCh = current.done
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-sup.lock.Lost():
			return fmt.Errorf("%w: consumer lock lost for %s/%s", coordinatorerr.ErrCoordError, sup.group, sup.consumer)

		case we, ok := <-sup.leaderStateCh:
			if !ok {
				return nil
			}
			var state LeaderState
			if err := json.Unmarshal(we.Value, &state); err != nil {
				sup.log.Log(logging.LevelWarn, "supervisor received unparsable leader state", "group_id", sup.group, "err", err)
				continue
			}
			if current != nil && current.executionID == state.ExecutionId {
				continue
			}
			stop()
			if err := sup.spawn(ctx, state.ExecutionId, &current); err != nil {
				return err
			}

		case err := <-doneCh:
			current = nil
			if err != nil {
				sup.log.Log(logging.LevelWarn, "consumer source exited", "group_id", sup.group, "consumer_id", sup.consumer, "err", err)
				if errors.Is(err, coordinatorerr.ErrSinkClosed) {
					return err
				}
				// Any other fatal exit (fenced, orphan, store error) waits
				// for the leader to advertise a new execution before
				// restarting, per spec.md §4.4/§7.
			}
		}
	}
}

func (sup *Supervisor) spawn(ctx context.Context, executionID model.ExecutionId, current **runningSource) error {
	group, err := sup.gs.Get(ctx, sup.group)
	if err != nil {
		return err
	}

	interrupt := make(chan struct{}, 1)
	done := make(chan error, 1)

	src, err := source.New(ctx, sup.group, sup.consumer, group.ProducerId, executionID, sup.st, sup.lock,
		group.SubscribedEventTypes, group.ShardOffsetMapPerType, sup.sink, interrupt, sup.commitInterval, sup.filter, sup.log, sup.met)
	if err != nil {
		return err
	}

	go func() { done <- src.Run(ctx) }()

	*current = &runningSource{executionID: executionID, interrupt: interrupt, done: done}
	sup.log.Log(logging.LevelInfo, "consumer supervisor spawned new consumer source", "group_id", sup.group, "consumer_id", sup.consumer, "execution_id", executionID)
	return nil
}
