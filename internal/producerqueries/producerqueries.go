// Package producerqueries is the read-only lookup of the active producer
// serving a group, the "producer-queries subsystem" named as an external
// collaborator in spec.md §1.
package producerqueries

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/model"
)

// Client resolves the producer currently serving a group.
type Client interface {
	ActiveProducer(ctx context.Context, groupID model.GroupId) (model.ProducerId, error)
}

const selectActiveProducerCQL = `SELECT producer_id FROM producer_assignment WHERE group_id = ?`

type gocqlClient struct {
	session *gocql.Session
}

// NewGocql wraps an existing session (normally shared with store.Store).
func NewGocql(session *gocql.Session) Client {
	return &gocqlClient{session: session}
}

func (c *gocqlClient) ActiveProducer(ctx context.Context, groupID model.GroupId) (model.ProducerId, error) {
	var producerID string
	q := c.session.Query(selectActiveProducerCQL, string(groupID)).WithContext(ctx)
	if err := q.Scan(&producerID); err != nil {
		if err == gocql.ErrNotFound {
			return "", fmt.Errorf("%w: no active producer for group %s", coordinatorerr.ErrStoreError, groupID)
		}
		return "", fmt.Errorf("%w: looking up active producer for %s: %v", coordinatorerr.ErrStoreError, groupID, err)
	}
	return model.ProducerId(producerID), nil
}

// Fake is an in-memory Client for unit tests.
type Fake struct {
	Producers map[model.GroupId]model.ProducerId
}

// NewFake returns a Fake seeded with the given producer assignments.
func NewFake(producers map[model.GroupId]model.ProducerId) *Fake {
	return &Fake{Producers: producers}
}

func (f *Fake) ActiveProducer(_ context.Context, groupID model.GroupId) (model.ProducerId, error) {
	p, ok := f.Producers[groupID]
	if !ok {
		return "", fmt.Errorf("%w: no active producer for group %s", coordinatorerr.ErrStoreError, groupID)
	}
	return p, nil
}
