// Package model defines the value types shared across the consumer group
// coordinator: group/consumer/producer/shard identifiers, offsets, slots,
// and the blockchain event envelope.
package model

import "fmt"

// GroupId, ConsumerId, ProducerId and ShardId are opaque identifiers, treated
// as value types throughout the coordinator.
type (
	GroupId    string
	ConsumerId string
	ProducerId string
	ShardId    string
)

// EventType is a closed enumeration of the blockchain event kinds the log
// carries.
type EventType int

const (
	EventTypeUnknown EventType = iota
	AccountUpdate
	NewTransaction
)

func (t EventType) String() string {
	switch t {
	case AccountUpdate:
		return "AccountUpdate"
	case NewTransaction:
		return "NewTransaction"
	default:
		return "Unknown"
	}
}

// AllEventTypes enumerates the known event types, used for validation.
var AllEventTypes = []EventType{AccountUpdate, NewTransaction}

// Offset is a monotonic, non-decreasing integer per (producer, shard,
// event_type) partition.
type Offset int64

// Slot is the canonical ordering position across the whole log.
type Slot int64

// UndefinedSlot marks "no event yet" for a shard that has never produced.
const UndefinedSlot Slot = -1

// ExecutionId is minted by the leader each time a group re-plans; a
// consumer's commits are scoped to the current execution.
type ExecutionId string

// FencingToken is a strictly monotonic integer produced by Coord for each
// mutation under a lease, used as a compare-and-set predicate.
type FencingToken int64

// ShardOffsetMap maps ShardId to its last committed (Offset, Slot). One map
// exists per subscribed event type.
type ShardOffsetMap map[ShardId]ShardPosition

// ShardPosition is a shard's last known (offset, slot) pair.
type ShardPosition struct {
	Offset Offset
	Slot   Slot
}

// Clone returns a deep copy of the map so callers can hand out snapshots
// without aliasing the source's internal state.
func (m ShardOffsetMap) Clone() ShardOffsetMap {
	out := make(ShardOffsetMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// BlockchainEvent is a single record read off the log.
type BlockchainEvent struct {
	ShardId   ShardId
	Offset    Offset
	Slot      Slot
	EventType EventType
	Payload   []byte
}

func (e BlockchainEvent) String() string {
	return fmt.Sprintf("event{shard=%s offset=%d slot=%d type=%s payload=%dB}",
		e.ShardId, e.Offset, e.Slot, e.EventType, len(e.Payload))
}

// CommitmentLevel describes how far behind the log tip a group is allowed to
// read; opaque to the core beyond being carried on ConsumerGroup.
type CommitmentLevel int

const (
	CommitmentProcessed CommitmentLevel = iota
	CommitmentConfirmed
	CommitmentFinalized
)

// SeekLocation is the initial-offset policy for a newly created group.
type SeekLocation struct {
	kind SeekKind
	slot Slot
}

type SeekKind int

const (
	SeekEarliest SeekKind = iota
	SeekLatest
	SeekExactSlot
)

func SeekToEarliest() SeekLocation { return SeekLocation{kind: SeekEarliest} }
func SeekToLatest() SeekLocation   { return SeekLocation{kind: SeekLatest} }
func SeekToSlot(slot Slot) SeekLocation {
	return SeekLocation{kind: SeekExactSlot, slot: slot}
}

func (s SeekLocation) Kind() SeekKind { return s.kind }
func (s SeekLocation) Slot() Slot     { return s.slot }

// ConsumerGroup is the persisted group record. consumer_id_list is fixed at
// creation; the remaining fields are rewritten by the leader across
// executions.
type ConsumerGroup struct {
	GroupId               GroupId
	ConsumerIdList        []ConsumerId
	SubscribedEventTypes  []EventType
	CommitmentLevel       CommitmentLevel
	SeekLocation          SeekLocation
	ProducerId            ProducerId
	ExecutionId           ExecutionId
	ShardOffsetMapPerType map[EventType]ShardOffsetMap
}

// HasConsumer reports whether consumerID is a member of the group.
func (g *ConsumerGroup) HasConsumer(consumerID ConsumerId) bool {
	for _, c := range g.ConsumerIdList {
		if c == consumerID {
			return true
		}
	}
	return false
}
