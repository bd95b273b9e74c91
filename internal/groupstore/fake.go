package groupstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/model"
)

// Fake is an in-memory Store for unit tests.
type Fake struct {
	mu     sync.Mutex
	groups map[model.GroupId]*model.ConsumerGroup
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{groups: make(map[model.GroupId]*model.ConsumerGroup)}
}

func (f *Fake) Create(_ context.Context, group *model.ConsumerGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.groups[group.GroupId]; exists {
		return fmt.Errorf("%w: %s", coordinatorerr.ErrGroupAlreadyExists, group.GroupId)
	}
	copied := *group
	f.groups[group.GroupId] = &copied
	return nil
}

func (f *Fake) Get(_ context.Context, groupID model.GroupId) (*model.ConsumerGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: group %s not found", coordinatorerr.ErrStoreError, groupID)
	}
	copied := *g
	return &copied, nil
}

func (f *Fake) UpdateExecution(_ context.Context, groupID model.GroupId, executionID model.ExecutionId, producerID model.ProducerId, offsets map[model.EventType]model.ShardOffsetMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: group %s not found", coordinatorerr.ErrStoreError, groupID)
	}
	g.ExecutionId = executionID
	g.ProducerId = producerID
	g.ShardOffsetMapPerType = offsets
	return nil
}
