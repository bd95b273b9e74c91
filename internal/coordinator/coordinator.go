// Package coordinator implements the Coordinator from spec.md §4.6: the
// per-host entry point that services CreateGroup/JoinGroup, keeps one
// shared election/state watch per group, drives background leader
// elections, and tracks every live Consumer Supervisor so it can account
// for and log their exits.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synapse-labs/cg-coordinator/internal/coord"
	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/groupstore"
	"github.com/synapse-labs/cg-coordinator/internal/leader"
	"github.com/synapse-labs/cg-coordinator/internal/lock"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/metrics"
	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/producerqueries"
	"github.com/synapse-labs/cg-coordinator/internal/shard"
	"github.com/synapse-labs/cg-coordinator/internal/source"
	"github.com/synapse-labs/cg-coordinator/internal/store"
	"github.com/synapse-labs/cg-coordinator/internal/supervisor"
)

// Coordinator is the single per-host façade over group lifecycle. Its
// bookkeeping (group registry, supervisor list) is guarded by a mutex;
// each group's own tasks (Leader Node, Consumer Supervisor, Consumer
// Source) remain independent single-threaded loops per spec.md §5.
type Coordinator struct {
	st store.Store
	gs groupstore.Store
	pq producerqueries.Client
	c  coord.Coord

	commitInterval time.Duration

	log logging.Logger
	met *metrics.Metrics

	mu     sync.Mutex
	groups map[model.GroupId]*groupState
}

type groupState struct {
	election *watchBroadcaster
	state    *watchBroadcaster

	electing       bool
	electionCancel context.CancelFunc

	leaderNode *leader.Node

	supervisors map[model.ConsumerId]*runningSupervisor
}

type runningSupervisor struct {
	cancel context.CancelFunc
	done   <-chan error
}

// New constructs a Coordinator bound to the given external collaborators.
func New(st store.Store, gs groupstore.Store, pq producerqueries.Client, c coord.Coord, commitInterval time.Duration, log logging.Logger, met *metrics.Metrics) *Coordinator {
	return &Coordinator{
		st:             st,
		gs:             gs,
		pq:             pq,
		c:              c,
		commitInterval: commitInterval,
		log:            log,
		met:            met,
		groups:         make(map[model.GroupId]*groupState),
	}
}

// CreateGroup persists a new group and writes its initial state log entry
// to Coord, per spec.md §4.6.
func (co *Coordinator) CreateGroup(ctx context.Context, group *model.ConsumerGroup) (model.GroupId, error) {
	if group.GroupId == "" {
		return "", fmt.Errorf("%w: group_id is required", coordinatorerr.ErrConfigError)
	}
	if len(group.SubscribedEventTypes) == 0 {
		return "", fmt.Errorf("%w: no blockchain event subscribed to", coordinatorerr.ErrConfigError)
	}

	if err := co.gs.Create(ctx, group); err != nil {
		return "", err
	}

	payload, err := encodeLeaderState(group.ExecutionId, group.ProducerId)
	if err != nil {
		return "", fmt.Errorf("%w: encoding initial state for %s: %v", coordinatorerr.ErrCoordError, group.GroupId, err)
	}
	if _, err := co.c.Put(ctx, leader.StateKey(group.GroupId), payload); err != nil {
		return "", err
	}

	co.log.Log(logging.LevelInfo, "consumer group created", "group_id", group.GroupId)
	return group.GroupId, nil
}

// encodeLeaderState marshals the same shape leader.Node writes on Replan,
// so a freshly created group's initial state decodes identically for any
// Supervisor watching before the first election ever completes.
func encodeLeaderState(executionID model.ExecutionId, producerID model.ProducerId) ([]byte, error) {
	return json.Marshal(leader.LeaderStatePayload{ExecutionId: executionID, ProducerId: producerID})
}

// JoinPermit is handed back from JoinGroup; the caller activates it with a
// sink (and optional filter) to actually start consuming. This indirection
// is what lets the Coordinator, not the Supervisor, own the Supervisor's
// handle without the two holding references to each other (spec.md §9).
type JoinPermit struct {
	co       *Coordinator
	group    model.GroupId
	consumer model.ConsumerId
	lk       *lock.Lock
	stateCh  <-chan coord.WatchEvent

	once sync.Once
}

// Activate spawns the Consumer Supervisor bound to sink/filter and registers
// its handle with the Coordinator for lifecycle tracking. Calling Activate
// more than once is a no-op after the first call.
func (p *JoinPermit) Activate(ctx context.Context, sink source.Sink, filter shard.Filter) {
	p.once.Do(func() {
		sup := supervisor.New(p.group, p.consumer, p.lk, p.co.st, p.co.gs, sink, filter, p.co.commitInterval, p.stateCh, p.co.log, p.co.met)

		supCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- sup.Run(supCtx) }()

		p.co.registerSupervisor(p.group, p.consumer, cancel, done)
	})
}

// JoinGroup acquires the Consumer Lock, wires the group's shared watches,
// kicks off a background election if none is currently observed, and
// returns a JoinPermit for the caller to Activate once it has a sink ready.
func (co *Coordinator) JoinGroup(ctx context.Context, groupID model.GroupId, consumerID model.ConsumerId) (*JoinPermit, error) {
	lk, err := lock.TryLock(ctx, co.c, groupID, consumerID, co.log)
	if err != nil {
		return nil, err
	}

	gs, err := co.groupWatches(ctx, groupID)
	if err != nil {
		lk.Release(ctx)
		return nil, err
	}

	stateCh, _ := gs.state.subscribe()

	if !gs.election.hasValue() {
		co.ensureElection(groupID)
	}

	return &JoinPermit{co: co, group: groupID, consumer: consumerID, lk: lk, stateCh: stateCh}, nil
}

// groupWatches returns (creating if necessary) the shared election and
// state broadcasters for groupID.
func (co *Coordinator) groupWatches(ctx context.Context, groupID model.GroupId) (*groupState, error) {
	co.mu.Lock()
	gs, ok := co.groups[groupID]
	co.mu.Unlock()
	if ok {
		return gs, nil
	}

	var election, state *watchBroadcaster
	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var err error
		election, err = newWatchBroadcaster(gctx, co.c, leader.ElectionKey(groupID))
		return err
	})
	grp.Go(func() error {
		var err error
		state, err = newWatchBroadcaster(gctx, co.c, leader.StateKey(groupID))
		return err
	})
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	if existing, ok := co.groups[groupID]; ok {
		// Lost the race with a concurrent JoinGroup; keep the first one.
		return existing, nil
	}
	gs = &groupState{
		election:    election,
		state:       state,
		supervisors: make(map[model.ConsumerId]*runningSupervisor),
	}
	co.groups[groupID] = gs
	return gs, nil
}

// ensureElection launches at most one background election attempt per
// group. It loops: campaign, replan once won, wait for the lease to be
// lost, then campaign again, so this host keeps trying to hold leadership
// until Shutdown cancels the loop or an election attempt fails; the loop
// does not stop when the group's consumers leave.
func (co *Coordinator) ensureElection(groupID model.GroupId) {
	co.mu.Lock()
	gs := co.groups[groupID]
	if gs.electing {
		co.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	gs.electing = true
	gs.electionCancel = cancel
	co.mu.Unlock()

	go co.runElection(ctx, groupID)
}

func (co *Coordinator) runElection(ctx context.Context, groupID model.GroupId) {
	defer func() {
		co.mu.Lock()
		if gs := co.groups[groupID]; gs != nil {
			gs.electing = false
			gs.electionCancel = nil
		}
		co.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		node, err := leader.Elect(ctx, co.c, groupID, co.gs, co.pq, co.log, co.met)
		if err != nil {
			co.log.Log(logging.LevelWarn, "background election attempt failed", "group_id", groupID, "err", err)
			return
		}

		// ensureElection's electing flag guarantees at most one of these
		// loops runs per group, so a prior gs.leaderNode here can only be
		// this same loop's own previous, now-lost handle, per spec.md
		// §4.6's "a pre-existing leader handle for the same group is
		// aborted" — already true by construction.
		co.mu.Lock()
		if gs := co.groups[groupID]; gs != nil {
			gs.leaderNode = node
		}
		co.mu.Unlock()

		if _, err := node.Replan(ctx); err != nil {
			co.log.Log(logging.LevelWarn, "leader replan failed", "group_id", groupID, "err", err)
		}

		select {
		case <-node.Lost():
			co.log.Log(logging.LevelInfo, "leader node finished, re-electing", "group_id", groupID)
		case <-ctx.Done():
			_ = node.Resign(context.Background())
			return
		}
	}
}

func (co *Coordinator) registerSupervisor(groupID model.GroupId, consumerID model.ConsumerId, cancel context.CancelFunc, done chan error) {
	co.mu.Lock()
	gs := co.groups[groupID]
	if existing, ok := gs.supervisors[consumerID]; ok {
		existing.cancel()
	}
	gs.supervisors[consumerID] = &runningSupervisor{cancel: cancel, done: done}
	co.mu.Unlock()

	go func() {
		err := <-done
		co.mu.Lock()
		if gs := co.groups[groupID]; gs != nil {
			if cur, ok := gs.supervisors[consumerID]; ok && cur.done == done {
				delete(gs.supervisors, consumerID)
			}
		}
		co.mu.Unlock()
		if err != nil {
			co.log.Log(logging.LevelWarn, "consumer supervisor exited", "group_id", groupID, "consumer_id", consumerID, "err", err)
		} else {
			co.log.Log(logging.LevelInfo, "consumer supervisor exited cleanly", "group_id", groupID, "consumer_id", consumerID)
		}
	}()
}

// Shutdown stops every background election and active supervisor this
// Coordinator owns by cancelling their contexts. It returns without waiting
// for the supervisors or their Consumer Sources to exit, so a final commit
// may still be in flight when it returns.
func (co *Coordinator) Shutdown() {
	co.mu.Lock()
	defer co.mu.Unlock()
	for _, gs := range co.groups {
		if gs.electionCancel != nil {
			gs.electionCancel()
		}
		for _, sup := range gs.supervisors {
			sup.cancel()
		}
	}
}
