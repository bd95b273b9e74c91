// Package groupstore persists ConsumerGroup metadata (spec.md §3): the
// subscribed event types, commitment level, seek location, and the current
// execution's producer/shard-offset snapshot. It is the "consumer-group
// store" named as an external collaborator in spec.md §1, backed here by
// the same wide-column store as the rest of the system.
package groupstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/model"
)

// Store is the consumer-group metadata surface.
type Store interface {
	// Create persists a brand-new group, failing with
	// coordinatorerr.ErrGroupAlreadyExists if group_id is taken.
	Create(ctx context.Context, group *model.ConsumerGroup) error

	// Get loads a group's current record.
	Get(ctx context.Context, groupID model.GroupId) (*model.ConsumerGroup, error)

	// UpdateExecution rewrites the execution-scoped fields of a group. Only
	// the Leader Node calls this.
	UpdateExecution(ctx context.Context, groupID model.GroupId, executionID model.ExecutionId, producerID model.ProducerId, offsets map[model.EventType]model.ShardOffsetMap) error
}

const (
	insertGroupCQL = `INSERT INTO consumer_group ` +
		`(group_id, consumer_id_list, subscribed_event_types, commitment_level, seek_kind, seek_slot, producer_id, execution_id, shard_offset_map_per_type) ` +
		`VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	selectGroupCQL = `SELECT consumer_id_list, subscribed_event_types, commitment_level, seek_kind, seek_slot, producer_id, execution_id, shard_offset_map_per_type ` +
		`FROM consumer_group WHERE group_id = ?`

	updateExecutionCQL = `UPDATE consumer_group SET producer_id = ?, execution_id = ?, shard_offset_map_per_type = ? WHERE group_id = ?`
)

type gocqlStore struct {
	session *gocql.Session
}

// NewGocql wraps an existing session (normally shared with store.Store).
func NewGocql(session *gocql.Session) Store {
	return &gocqlStore{session: session}
}

func (s *gocqlStore) Create(ctx context.Context, group *model.ConsumerGroup) error {
	consumerIDs := make([]string, len(group.ConsumerIdList))
	for i, c := range group.ConsumerIdList {
		consumerIDs[i] = string(c)
	}
	eventTypes := make([]int, len(group.SubscribedEventTypes))
	for i, t := range group.SubscribedEventTypes {
		eventTypes[i] = int(t)
	}
	offsetsJSON, err := marshalOffsets(group.ShardOffsetMapPerType)
	if err != nil {
		return fmt.Errorf("%w: encoding shard_offset_map_per_type: %v", coordinatorerr.ErrStoreError, err)
	}

	q := s.session.Query(insertGroupCQL,
		string(group.GroupId), consumerIDs, eventTypes, int(group.CommitmentLevel),
		int(group.SeekLocation.Kind()), int64(group.SeekLocation.Slot()),
		string(group.ProducerId), string(group.ExecutionId), offsetsJSON).WithContext(ctx)

	applied, err := q.ScanCAS()
	if err != nil {
		return fmt.Errorf("%w: creating group %s: %v", coordinatorerr.ErrStoreError, group.GroupId, err)
	}
	if !applied {
		return fmt.Errorf("%w: %s", coordinatorerr.ErrGroupAlreadyExists, group.GroupId)
	}
	return nil
}

func (s *gocqlStore) Get(ctx context.Context, groupID model.GroupId) (*model.ConsumerGroup, error) {
	var consumerIDs []string
	var eventTypes []int
	var commitmentLevel int
	var seekKind int
	var seekSlot int64
	var producerID, executionID string
	var offsetsJSON []byte

	q := s.session.Query(selectGroupCQL, string(groupID)).WithContext(ctx)
	if err := q.Scan(&consumerIDs, &eventTypes, &commitmentLevel, &seekKind, &seekSlot, &producerID, &executionID, &offsetsJSON); err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("%w: group %s not found", coordinatorerr.ErrStoreError, groupID)
		}
		return nil, fmt.Errorf("%w: reading group %s: %v", coordinatorerr.ErrStoreError, groupID, err)
	}

	offsets, err := unmarshalOffsets(offsetsJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding shard_offset_map_per_type: %v", coordinatorerr.ErrStoreError, err)
	}

	group := &model.ConsumerGroup{
		GroupId:               groupID,
		CommitmentLevel:       model.CommitmentLevel(commitmentLevel),
		ProducerId:            model.ProducerId(producerID),
		ExecutionId:           model.ExecutionId(executionID),
		ShardOffsetMapPerType: offsets,
	}
	for _, c := range consumerIDs {
		group.ConsumerIdList = append(group.ConsumerIdList, model.ConsumerId(c))
	}
	for _, t := range eventTypes {
		group.SubscribedEventTypes = append(group.SubscribedEventTypes, model.EventType(t))
	}
	switch model.SeekKind(seekKind) {
	case model.SeekEarliest:
		group.SeekLocation = model.SeekToEarliest()
	case model.SeekLatest:
		group.SeekLocation = model.SeekToLatest()
	default:
		group.SeekLocation = model.SeekToSlot(model.Slot(seekSlot))
	}

	return group, nil
}

func (s *gocqlStore) UpdateExecution(ctx context.Context, groupID model.GroupId, executionID model.ExecutionId, producerID model.ProducerId, offsets map[model.EventType]model.ShardOffsetMap) error {
	offsetsJSON, err := marshalOffsets(offsets)
	if err != nil {
		return fmt.Errorf("%w: encoding shard_offset_map_per_type: %v", coordinatorerr.ErrStoreError, err)
	}

	q := s.session.Query(updateExecutionCQL, string(producerID), string(executionID), offsetsJSON, string(groupID)).WithContext(ctx)
	if err := q.Exec(); err != nil {
		return fmt.Errorf("%w: updating execution for group %s: %v", coordinatorerr.ErrStoreError, groupID, err)
	}
	return nil
}

func marshalOffsets(offsets map[model.EventType]model.ShardOffsetMap) ([]byte, error) {
	encoded := make(map[string]model.ShardOffsetMap, len(offsets))
	for t, m := range offsets {
		encoded[t.String()] = m
	}
	return json.Marshal(encoded)
}

func unmarshalOffsets(data []byte) (map[model.EventType]model.ShardOffsetMap, error) {
	if len(data) == 0 {
		return map[model.EventType]model.ShardOffsetMap{}, nil
	}
	var encoded map[string]model.ShardOffsetMap
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, err
	}
	out := make(map[model.EventType]model.ShardOffsetMap, len(encoded))
	for name, m := range encoded {
		out[eventTypeFromString(name)] = m
	}
	return out, nil
}

func eventTypeFromString(name string) model.EventType {
	for _, t := range model.AllEventTypes {
		if t.String() == name {
			return t
		}
	}
	return model.EventTypeUnknown
}
