// Package store is the client-side contract for the wide-column store
// ("Store" in spec.md §1): prepared parameterised statements, the fenced
// conditional commit of consumer offsets, and raw partition reads for the
// shard iterator. spec.md treats the store itself as an external
// collaborator; this package is the thin interface the rest of the
// coordinator programs against, plus a gocql-backed implementation.
package store

import (
	"context"
	"time"

	"github.com/synapse-labs/cg-coordinator/internal/model"
)

// OffsetKey identifies one row of consumer_shard_offset_v2.
type OffsetKey struct {
	GroupId     model.GroupId
	ConsumerId  model.ConsumerId
	ExecutionId model.ExecutionId
}

// CommittedOffsets is one row of consumer_shard_offset_v2: the two stored
// shard-offset maps (account, tx) and the revision they were committed
// under.
type CommittedOffsets struct {
	AccountMap model.ShardOffsetMap
	TxMap      model.ShardOffsetMap
	Revision   model.FencingToken
}

// Store is the durable store surface the coordinator depends on.
type Store interface {
	// FetchNext returns the first event on the given partition strictly
	// after afterOffset, or (nil, nil) if none exists yet.
	FetchNext(ctx context.Context, producer model.ProducerId, shard model.ShardId, eventType model.EventType, afterOffset model.Offset) (*model.BlockchainEvent, error)

	// ReadOffsets returns the currently committed row for key, or found=false
	// if no row exists yet (a brand-new execution).
	ReadOffsets(ctx context.Context, key OffsetKey) (row CommittedOffsets, found bool, err error)

	// CommitOffsets performs the fenced conditional update described in
	// spec.md §4.3: the write applies only if the stored revision is
	// strictly less than token. applied reports whether the predicate held.
	CommitOffsets(ctx context.Context, key OffsetKey, accountMap, txMap model.ShardOffsetMap, token model.FencingToken) (applied bool, err error)

	// Close releases the underlying session.
	Close()
}

// Config configures the gocql-backed Store.
type Config struct {
	Hosts      []string
	Keyspace   string
	Username   string
	Password   string
	Timeout    time.Duration
	NumConns   int
}
