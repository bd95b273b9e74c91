// Package leader implements the Leader Node from spec.md §4.5: the
// per-group controller that holds the elected lease key and is the sole
// writer of group state (in particular execution_id) in Coord.
package leader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synapse-labs/cg-coordinator/internal/coord"
	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/groupstore"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/metrics"
	"github.com/synapse-labs/cg-coordinator/internal/model"
	"github.com/synapse-labs/cg-coordinator/internal/producerqueries"
)

// DefaultLeaseTTL is the TTL granted to a leader's election lease.
const DefaultLeaseTTL = 10 * time.Second

// State is the leader's abstract state machine position (spec.md §4.5).
type State int

const (
	Idle State = iota
	InProgress
)

// LeaderStatePayload mirrors supervisor.LeaderState; duplicated here (rather
// than imported) to keep leader free of a dependency on supervisor, whose
// only use of this shape is decoding what Node encodes.
type LeaderStatePayload struct {
	ExecutionId model.ExecutionId `json:"execution_id"`
	ProducerId  model.ProducerId  `json:"producer_id"`
}

func StateKey(group model.GroupId) string {
	return fmt.Sprintf("/groups/%s/leader-state", group)
}

func ElectionKey(group model.GroupId) string {
	return fmt.Sprintf("/groups/%s/leader", group)
}

// Node is bound to one group's elected lease and drives replanning.
type Node struct {
	group model.GroupId

	c      coord.Coord
	lease  coord.Lease
	handle coord.LeaderHandle
	lost   <-chan struct{}

	gs  groupstore.Store
	pq  producerqueries.Client
	log logging.Logger
	met *metrics.Metrics

	state State
}

// Elect blocks until the caller wins the leader election for group, or ctx
// is cancelled.
func Elect(ctx context.Context, c coord.Coord, group model.GroupId, gs groupstore.Store, pq producerqueries.Client, log logging.Logger, met *metrics.Metrics) (*Node, error) {
	lease, err := c.Grant(ctx, DefaultLeaseTTL)
	if err != nil {
		return nil, err
	}

	handle, err := c.Campaign(ctx, ElectionKey(group), lease)
	if err != nil {
		_ = lease.Revoke(ctx)
		return nil, err
	}

	lost, err := lease.KeepAlive(ctx)
	if err != nil {
		_ = lease.Revoke(ctx)
		return nil, err
	}

	// Publish a liveness marker at the election key, scoped to this lease,
	// so the Coordinator can tell "a leader is alive right now" apart from
	// the campaign's own internal bookkeeping keys.
	if _, err := c.PutWithLease(ctx, ElectionKey(group), []byte(fmt.Sprintf("%d", lease.ID())), lease); err != nil {
		_ = handle.Resign(ctx)
		_ = lease.Revoke(ctx)
		return nil, err
	}

	if met != nil {
		met.LeaderElections.WithLabelValues("won").Inc()
	}
	log.Log(logging.LevelInfo, "leader elected", "group_id", group)

	return &Node{
		group:  group,
		c:      c,
		lease:  lease,
		handle: handle,
		lost:   lost,
		gs:     gs,
		pq:     pq,
		log:    log,
		met:    met,
		state:  Idle,
	}, nil
}

// Lost reports when this node's lease has gone away; the leader task is
// terminal at that point.
func (n *Node) Lost() <-chan struct{} { return n.lost }

// Resign voluntarily gives up leadership.
func (n *Node) Resign(ctx context.Context) error {
	if err := n.handle.Resign(ctx); err != nil {
		return err
	}
	return n.lease.Revoke(ctx)
}

// Replan transitions the group to InProgress under a freshly minted
// execution id: it resolves the active producer, computes the starting
// shard-offset maps (the group's existing maps, or seedOffsets' empty maps
// for a group that has none), persists them via the group store, and publishes
// the new leader state so every Consumer Supervisor watching the group
// picks it up.
func (n *Node) Replan(ctx context.Context) (model.ExecutionId, error) {
	group, err := n.gs.Get(ctx, n.group)
	if err != nil {
		return "", err
	}

	producerID, err := n.pq.ActiveProducer(ctx, n.group)
	if err != nil {
		return "", err
	}

	offsets := group.ShardOffsetMapPerType
	if offsets == nil {
		offsets = seedOffsets(group)
	}

	executionID := model.ExecutionId(uuid.NewString())

	if err := n.gs.UpdateExecution(ctx, n.group, executionID, producerID, offsets); err != nil {
		return "", err
	}

	payload, err := json.Marshal(LeaderStatePayload{ExecutionId: executionID, ProducerId: producerID})
	if err != nil {
		return "", fmt.Errorf("%w: encoding leader state: %v", coordinatorerr.ErrCoordError, err)
	}
	if _, err := n.c.Put(ctx, StateKey(n.group), payload); err != nil {
		return "", err
	}

	n.state = InProgress
	n.log.Log(logging.LevelInfo, "leader replanned group", "group_id", n.group, "execution_id", executionID, "producer_id", producerID)
	return executionID, nil
}

// seedOffsets gives a group that has no shard-offset maps one empty
// ShardOffsetMap per subscribed event type. The group's SeekLocation
// (earliest, latest or an explicit slot) is not consulted: every seek kind
// yields the same empty maps. A Consumer Source built from empty maps has no
// shard iterators, so it delivers no events.
func seedOffsets(group *model.ConsumerGroup) map[model.EventType]model.ShardOffsetMap {
	offsets := make(map[model.EventType]model.ShardOffsetMap, len(group.SubscribedEventTypes))
	for _, et := range group.SubscribedEventTypes {
		offsets[et] = model.ShardOffsetMap{}
	}
	return offsets
}
