package store

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"
	"github.com/twmb/go-rbtree"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/model"
)

const selectLegacyCQL = `SELECT offset, slot, revision FROM consumer_shard_offset ` +
	`WHERE consumer_id = ? AND producer_id = ? AND shard_id = ? AND event_type = ?`

// LegacyOffsetReader is the read-only compatibility path over
// consumer_shard_offset described in spec.md §9c. The versioned
// consumer_shard_offset_v2 table is authoritative; this type exists only to
// backfill a group's first execution from pre-existing legacy rows.
type LegacyOffsetReader struct {
	session *gocql.Session
}

// NewLegacyOffsetReader wraps an existing gocql session for legacy reads.
func NewLegacyOffsetReader(s Store) (*LegacyOffsetReader, bool) {
	gs, ok := s.(*gocqlStore)
	if !ok {
		return nil, false
	}
	return &LegacyOffsetReader{session: gs.session}, true
}

// ReadLegacy returns the single-row legacy offset for one partition, or
// found=false if the consumer never committed under the legacy path.
func (r *LegacyOffsetReader) ReadLegacy(ctx context.Context, consumer model.ConsumerId, producer model.ProducerId, shard model.ShardId, eventType model.EventType) (pos model.ShardPosition, revision model.FencingToken, found bool, err error) {
	var offset, slot, rev int64
	q := r.session.Query(selectLegacyCQL, string(consumer), string(producer), string(shard), int(eventType)).WithContext(ctx)
	if scanErr := q.Scan(&offset, &slot, &rev); scanErr != nil {
		if scanErr == gocql.ErrNotFound {
			return model.ShardPosition{}, 0, false, nil
		}
		return model.ShardPosition{}, 0, false, fmt.Errorf("%w: read_legacy: %v", coordinatorerr.ErrStoreError, scanErr)
	}
	return model.ShardPosition{Offset: model.Offset(offset), Slot: model.Slot(slot)}, model.FencingToken(rev), true, nil
}

// MigrateLegacyConsumer backfills a single consumer_shard_offset_v2 row for
// key from whatever legacy consumer_shard_offset rows exist for its consumer
// across shards, for both event types this system carries. It is the
// implementation behind the `coordinatord migrate-legacy` operator command;
// the hot path never calls it. migrated is false with nil maps if no legacy
// rows were found at all, and false with the backfilled maps if the
// conditional commit (token 1) does not apply because a v2 row for key
// already exists.
func MigrateLegacyConsumer(ctx context.Context, st Store, reader *LegacyOffsetReader, key OffsetKey, producer model.ProducerId, shards []model.ShardId) (migrated bool, accountMap, txMap model.ShardOffsetMap, err error) {
	accountMap, err = backfillEventType(ctx, reader, key.ConsumerId, producer, shards, model.AccountUpdate)
	if err != nil {
		return false, nil, nil, err
	}
	txMap, err = backfillEventType(ctx, reader, key.ConsumerId, producer, shards, model.NewTransaction)
	if err != nil {
		return false, nil, nil, err
	}
	if len(accountMap) == 0 && len(txMap) == 0 {
		return false, nil, nil, nil
	}

	applied, err := st.CommitOffsets(ctx, key, accountMap, txMap, 1)
	if err != nil {
		return false, nil, nil, err
	}
	return applied, accountMap, txMap, nil
}

// backfillEventType reads every shard's legacy row for one event type,
// walks them in BackfillOrdering's deterministic shard-id order so the
// resulting map is built the same way on every retry of a migration run,
// and returns the reconciled ShardOffsetMap.
func backfillEventType(ctx context.Context, reader *LegacyOffsetReader, consumer model.ConsumerId, producer model.ProducerId, shards []model.ShardId, eventType model.EventType) (model.ShardOffsetMap, error) {
	ordering := NewBackfillOrdering()
	for _, sh := range shards {
		pos, _, found, err := reader.ReadLegacy(ctx, consumer, producer, sh, eventType)
		if err != nil {
			return nil, err
		}
		if found {
			ordering.Add(sh, pos)
		}
	}

	out := make(model.ShardOffsetMap)
	ordering.Each(func(sh model.ShardId, pos model.ShardPosition) {
		out[sh] = pos
	})
	return out, nil
}

// BackfillOrdering returns shard IDs from legacy in a deterministic
// iteration order, used when reconciling several legacy rows into a single
// versioned ShardOffsetMap for backfill. A red-black tree keyed by the raw
// shard ID string gives a stable, sorted walk without needing to sort a
// slice each call site reconciles independently.
type BackfillOrdering struct {
	tree *rbtree.Tree
}

// shardItem adapts a (ShardId, ShardPosition) pair to rbtree.Item.
type shardItem struct {
	shard model.ShardId
	pos   model.ShardPosition
}

func (s *shardItem) Less(than rbtree.Item) bool {
	return s.shard < than.(*shardItem).shard
}

// NewBackfillOrdering builds an empty ordering.
func NewBackfillOrdering() *BackfillOrdering {
	return &BackfillOrdering{tree: &rbtree.Tree{}}
}

// Add records shard's legacy position for later ordered iteration.
func (b *BackfillOrdering) Add(shard model.ShardId, pos model.ShardPosition) {
	b.tree.Insert(&shardItem{shard: shard, pos: pos})
}

// Each walks the recorded shards in ascending ID order.
func (b *BackfillOrdering) Each(fn func(shard model.ShardId, pos model.ShardPosition)) {
	b.tree.InOrder(func(item rbtree.Item) bool {
		si := item.(*shardItem)
		fn(si.shard, si.pos)
		return true
	})
}
