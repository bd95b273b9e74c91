package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/synapse-labs/cg-coordinator/internal/compress"
	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
	"github.com/synapse-labs/cg-coordinator/internal/model"
)

const (
	selectPartitionEventCQL = `SELECT offset, slot, payload FROM blockchain_event ` +
		`WHERE producer_id = ? AND shard_id = ? AND event_type = ? AND offset > ? ` +
		`ORDER BY offset ASC LIMIT 1`

	selectOffsetsV2CQL = `SELECT acc_shard_offset_map, tx_shard_offset_map, revision ` +
		`FROM consumer_shard_offset_v2 WHERE group_id = ? AND consumer_id = ? AND execution_id = ?`

	// upsertOffsetsV2CQL is a lightweight transaction: gocql surfaces the
	// [applied] column via (applied bool, err error) from ScanCAS.
	upsertOffsetsV2CQL = `UPDATE consumer_shard_offset_v2 SET acc_shard_offset_map = ?, ` +
		`tx_shard_offset_map = ?, revision = ? WHERE group_id = ? AND consumer_id = ? ` +
		`AND execution_id = ? IF revision < ?`

	insertOffsetsV2IfNotExistsCQL = `INSERT INTO consumer_shard_offset_v2 ` +
		`(group_id, consumer_id, execution_id, acc_shard_offset_map, tx_shard_offset_map, revision) ` +
		`VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`
)

// gocqlStore is the production Store backed by a ScyllaDB/Cassandra
// session, mirroring the teacher's broker: one long-lived session shared
// across all tasks. gocql.Session itself pools and reuses prepared
// statements internally, keyed by query string, so callers build queries
// inline with Session.Query and never manage *gocql.Query handles here.
type gocqlStore struct {
	session *gocql.Session
	log     logging.Logger
}

// Dial opens a session against cfg, shared across every Consumer Source's
// hot-path reads.
func Dial(cfg Config, log logging.Logger) (Store, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	if cfg.NumConns > 0 {
		cluster.NumConns = cfg.NumConns
	}
	cluster.Consistency = gocql.Quorum

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("%w: dialing store: %v", coordinatorerr.ErrStoreError, err)
	}

	return &gocqlStore{session: session, log: log}, nil
}

func (s *gocqlStore) FetchNext(ctx context.Context, producer model.ProducerId, shard model.ShardId, eventType model.EventType, afterOffset model.Offset) (*model.BlockchainEvent, error) {
	var offset int64
	var slot int64
	var payload []byte

	q := s.session.Query(selectPartitionEventCQL, string(producer), string(shard), int(eventType), int64(afterOffset)).WithContext(ctx)
	if err := q.Scan(&offset, &slot, &payload); err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: fetch_next(%s,%s,%s): %v", coordinatorerr.ErrStoreError, producer, shard, eventType, err)
	}

	decoded, err := compress.DecodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding payload for %s/%s offset %d: %v", coordinatorerr.ErrStoreError, producer, shard, offset, err)
	}

	return &model.BlockchainEvent{
		ShardId:   shard,
		Offset:    model.Offset(offset),
		Slot:      model.Slot(slot),
		EventType: eventType,
		Payload:   decoded,
	}, nil
}

func (s *gocqlStore) ReadOffsets(ctx context.Context, key OffsetKey) (CommittedOffsets, bool, error) {
	var accJSON, txJSON []byte
	var revision int64

	q := s.session.Query(selectOffsetsV2CQL, string(key.GroupId), string(key.ConsumerId), string(key.ExecutionId)).WithContext(ctx)
	if err := q.Scan(&accJSON, &txJSON, &revision); err != nil {
		if err == gocql.ErrNotFound {
			return CommittedOffsets{}, false, nil
		}
		return CommittedOffsets{}, false, fmt.Errorf("%w: read_offsets(%s): %v", coordinatorerr.ErrStoreError, key, err)
	}

	accMap, err := unmarshalOffsetMap(accJSON)
	if err != nil {
		return CommittedOffsets{}, false, fmt.Errorf("%w: decoding acc_shard_offset_map: %v", coordinatorerr.ErrStoreError, err)
	}
	txMap, err := unmarshalOffsetMap(txJSON)
	if err != nil {
		return CommittedOffsets{}, false, fmt.Errorf("%w: decoding tx_shard_offset_map: %v", coordinatorerr.ErrStoreError, err)
	}

	return CommittedOffsets{
		AccountMap: accMap,
		TxMap:      txMap,
		Revision:   model.FencingToken(revision),
	}, true, nil
}

func (s *gocqlStore) CommitOffsets(ctx context.Context, key OffsetKey, accountMap, txMap model.ShardOffsetMap, token model.FencingToken) (bool, error) {
	accJSON, err := json.Marshal(accountMap)
	if err != nil {
		return false, fmt.Errorf("%w: encoding acc_shard_offset_map: %v", coordinatorerr.ErrStoreError, err)
	}
	txJSON, err := json.Marshal(txMap)
	if err != nil {
		return false, fmt.Errorf("%w: encoding tx_shard_offset_map: %v", coordinatorerr.ErrStoreError, err)
	}

	applied, err := s.applyUpdate(ctx, key, accJSON, txJSON, token)
	if err != nil {
		return false, err
	}
	if applied {
		return true, nil
	}

	// Row may not exist yet for this execution; try the IF NOT EXISTS path
	// once, then fall back to reporting the update's verdict (fenced).
	inserted, err := s.applyInsert(ctx, key, accJSON, txJSON, token)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (s *gocqlStore) applyUpdate(ctx context.Context, key OffsetKey, accJSON, txJSON []byte, token model.FencingToken) (bool, error) {
	q := s.session.Query(upsertOffsetsV2CQL, accJSON, txJSON, int64(token),
		string(key.GroupId), string(key.ConsumerId), string(key.ExecutionId), int64(token)).WithContext(ctx)

	applied, err := q.ScanCAS()
	if err != nil {
		return false, fmt.Errorf("%w: commit_offsets(%s) update: %v", coordinatorerr.ErrStoreError, key, err)
	}
	return applied, nil
}

func (s *gocqlStore) applyInsert(ctx context.Context, key OffsetKey, accJSON, txJSON []byte, token model.FencingToken) (bool, error) {
	q := s.session.Query(insertOffsetsV2IfNotExistsCQL,
		string(key.GroupId), string(key.ConsumerId), string(key.ExecutionId), accJSON, txJSON, int64(token)).WithContext(ctx)

	applied, err := q.ScanCAS()
	if err != nil {
		return false, fmt.Errorf("%w: commit_offsets(%s) insert: %v", coordinatorerr.ErrStoreError, key, err)
	}
	return applied, nil
}

func (s *gocqlStore) Close() {
	s.session.Close()
}

// Session exposes the underlying gocql session for collaborators that share
// it with the Store, such as groupstore and producerqueries, rather than
// opening a second connection pool against the same cluster. Panics if st
// is not a store created by Dial, which would be a wiring bug.
func Session(st Store) *gocql.Session {
	return st.(*gocqlStore).session
}

func unmarshalOffsetMap(data []byte) (model.ShardOffsetMap, error) {
	if len(data) == 0 {
		return model.ShardOffsetMap{}, nil
	}
	var m model.ShardOffsetMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
