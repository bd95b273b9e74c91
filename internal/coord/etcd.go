package coord

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/synapse-labs/cg-coordinator/internal/coordinatorerr"
	"github.com/synapse-labs/cg-coordinator/internal/logging"
)

// etcdCoord is the production Coord backed by an etcd cluster.
type etcdCoord struct {
	client *clientv3.Client
	log    logging.Logger
}

// Dial connects to the given etcd endpoints.
func Dial(endpoints []string, dialTimeout time.Duration, log logging.Logger) (Coord, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dialing coord: %v", coordinatorerr.ErrCoordError, err)
	}
	return &etcdCoord{client: cli, log: log}, nil
}

type etcdLease struct {
	client *clientv3.Client
	id     clientv3.LeaseID
}

func (c *etcdCoord) Grant(ctx context.Context, ttl time.Duration) (Lease, error) {
	resp, err := c.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("%w: granting lease: %v", coordinatorerr.ErrCoordError, err)
	}
	return &etcdLease{client: c.client, id: resp.ID}, nil
}

func (l *etcdLease) ID() int64 { return int64(l.id) }

func (l *etcdLease) KeepAlive(ctx context.Context) (<-chan struct{}, error) {
	alive, err := l.client.KeepAlive(ctx, l.id)
	if err != nil {
		return nil, fmt.Errorf("%w: starting keepalive: %v", coordinatorerr.ErrCoordError, err)
	}

	lost := make(chan struct{})
	go func() {
		defer close(lost)
		for range alive {
			// Drain heartbeat responses; only the channel closing matters
			// to callers.
		}
	}()
	return lost, nil
}

func (l *etcdLease) Revoke(ctx context.Context) error {
	_, err := l.client.Revoke(ctx, l.id)
	if err != nil {
		return fmt.Errorf("%w: revoking lease: %v", coordinatorerr.ErrCoordError, err)
	}
	return nil
}

type etcdLeaderHandle struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	key      string
	counter  string
}

func (c *etcdCoord) Campaign(ctx context.Context, key string, lease Lease) (LeaderHandle, error) {
	el, ok := lease.(*etcdLease)
	if !ok {
		return nil, fmt.Errorf("%w: lease not minted by this coord", coordinatorerr.ErrCoordError)
	}

	session, err := concurrency.NewSession(c.client, concurrency.WithLease(el.id))
	if err != nil {
		return nil, fmt.Errorf("%w: opening election session: %v", coordinatorerr.ErrCoordError, err)
	}

	election := concurrency.NewElection(session, key)
	if err := election.Campaign(ctx, string(el.id)); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: campaigning for %s: %v", coordinatorerr.ErrCoordError, key, err)
	}

	return &etcdLeaderHandle{
		client:   c.client,
		session:  session,
		election: election,
		key:      key,
		counter:  key + "/fencing-counter",
	}, nil
}

func (h *etcdLeaderHandle) Key() string { return h.key }

// NextToken writes a per-key counter key with a single Put and returns that
// write's revision as the fencing token. Because the Put is bound to the
// session's lease, a lost lease simply fails subsequent calls with an
// error, which is itself a fatal CoordError to the caller.
func (h *etcdLeaderHandle) NextToken(ctx context.Context) (int64, error) {
	resp, err := h.client.Put(ctx, h.counter, "", clientv3.WithLease(h.session.Lease()))
	if err != nil {
		return 0, fmt.Errorf("%w: minting fencing token: %v", coordinatorerr.ErrCoordError, err)
	}
	return resp.Header.Revision, nil
}

func (h *etcdLeaderHandle) Resign(ctx context.Context) error {
	if h.election != nil {
		if err := h.election.Resign(ctx); err != nil {
			return fmt.Errorf("%w: resigning %s: %v", coordinatorerr.ErrCoordError, h.key, err)
		}
	} else if _, err := h.client.Delete(ctx, h.key); err != nil {
		return fmt.Errorf("%w: releasing lock %s: %v", coordinatorerr.ErrCoordError, h.key, err)
	}
	return h.session.Close()
}

// TryAcquire claims key in a single transaction: it succeeds only if key
// does not currently exist (create_revision == 0), attaching it to lease so
// it disappears automatically if the lease is lost.
func (c *etcdCoord) TryAcquire(ctx context.Context, key string, lease Lease) (LeaderHandle, bool, error) {
	el, ok := lease.(*etcdLease)
	if !ok {
		return nil, false, fmt.Errorf("%w: lease not minted by this coord", coordinatorerr.ErrCoordError)
	}

	txn := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, fmt.Sprintf("%d", el.id), clientv3.WithLease(el.id)))

	resp, err := txn.Commit()
	if err != nil {
		return nil, false, fmt.Errorf("%w: acquiring %s: %v", coordinatorerr.ErrCoordError, key, err)
	}
	if !resp.Succeeded {
		return nil, false, nil
	}

	session, err := concurrency.NewSession(c.client, concurrency.WithLease(el.id))
	if err != nil {
		return nil, false, fmt.Errorf("%w: opening lock session: %v", coordinatorerr.ErrCoordError, err)
	}

	return &etcdLeaderHandle{
		client:  c.client,
		session: session,
		key:     key,
		counter: key + "/fencing-counter",
	}, true, nil
}

func (c *etcdCoord) Watch(ctx context.Context, key string) (<-chan WatchEvent, error) {
	out := make(chan WatchEvent, 1)

	if resp, err := c.client.Get(ctx, key); err == nil && len(resp.Kvs) > 0 {
		out <- WatchEvent{Revision: resp.Kvs[0].ModRevision, Value: resp.Kvs[0].Value}
	}

	watchCh := c.client.Watch(ctx, key)
	go func() {
		defer close(out)
		for resp := range watchCh {
			if resp.Err() != nil {
				return
			}
			// Only the newest event in the batch matters to watchers.
			if len(resp.Events) == 0 {
				continue
			}
			latest := resp.Events[len(resp.Events)-1]
			select {
			case out <- WatchEvent{Revision: latest.Kv.ModRevision, Value: latest.Kv.Value}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (c *etcdCoord) Put(ctx context.Context, key string, value []byte) (int64, error) {
	resp, err := c.client.Put(ctx, key, string(value))
	if err != nil {
		return 0, fmt.Errorf("%w: put %s: %v", coordinatorerr.ErrCoordError, key, err)
	}
	return resp.Header.Revision, nil
}

// PutWithLease writes value to key bound to lease, so the key vanishes the
// instant that lease expires or is revoked rather than lingering.
func (c *etcdCoord) PutWithLease(ctx context.Context, key string, value []byte, lease Lease) (int64, error) {
	el, ok := lease.(*etcdLease)
	if !ok {
		return 0, fmt.Errorf("%w: lease not minted by this coord", coordinatorerr.ErrCoordError)
	}
	resp, err := c.client.Put(ctx, key, string(value), clientv3.WithLease(el.id))
	if err != nil {
		return 0, fmt.Errorf("%w: put %s with lease: %v", coordinatorerr.ErrCoordError, key, err)
	}
	return resp.Header.Revision, nil
}

func (c *etcdCoord) Get(ctx context.Context, key string) (WatchEvent, bool, error) {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return WatchEvent{}, false, fmt.Errorf("%w: get %s: %v", coordinatorerr.ErrCoordError, key, err)
	}
	if len(resp.Kvs) == 0 {
		return WatchEvent{}, false, nil
	}
	return WatchEvent{Revision: resp.Kvs[0].ModRevision, Value: resp.Kvs[0].Value}, true, nil
}

func (c *etcdCoord) Close() error {
	return c.client.Close()
}
