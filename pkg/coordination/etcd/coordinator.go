package etcd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"sparkstep/pkg/coordination"
)

const (
	nodePrefix     = "/sparkstep/nodes/"
	electionPrefix = "/sparkstep/elections/"
)

type EtcdCoordinator struct {
	client     *clientv3.Client
	sessionTTL int

	mu      sync.Mutex
	session *concurrency.Session
}

var (
	_ coordination.Coordinator = (*EtcdCoordinator)(nil)
	_ coordination.Elector     = (*EtcdCoordinator)(nil)
)

// NewEtcdCoordinator connects to etcd. sessionTTL is the lease TTL in
// seconds backing elections; the session is only opened on first use.
func NewEtcdCoordinator(endpoints []string, sessionTTL int) (*EtcdCoordinator, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	if sessionTTL <= 0 {
		sessionTTL = 10
	}
	return &EtcdCoordinator{client: cli, sessionTTL: sessionTTL}, nil
}

func (c *EtcdCoordinator) Close() error {
	c.mu.Lock()
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	c.mu.Unlock()
	return c.client.Close()
}

// RegisterNode puts the node key under a fresh lease. A node that stops
// heartbeating drops out once the lease expires.
func (c *EtcdCoordinator) RegisterNode(ctx context.Context, nodeID string, ttl int) error {
	resp, err := c.client.Grant(ctx, int64(ttl))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}

	_, err = c.client.Put(ctx, nodeKey(nodeID), "ONLINE", clientv3.WithLease(resp.ID))
	if err != nil {
		return fmt.Errorf("failed to put node key: %w", err)
	}
	return nil
}

func (c *EtcdCoordinator) GetActiveNodes(ctx context.Context) ([]string, error) {
	resp, err := c.client.Get(ctx, nodePrefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	nodes := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id := nodeIDFromKey(string(kv.Key)); id != "" {
			nodes = append(nodes, id)
		}
	}
	return nodes, nil
}

func (c *EtcdCoordinator) NewElection(name string) coordination.Election {
	return &EtcdElection{coord: c, key: electionKey(name)}
}

// currentSession returns the live session, replacing one whose lease has
// expired.
func (c *EtcdCoordinator) currentSession() (*concurrency.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		select {
		case <-c.session.Done():
			c.session = nil
		default:
			return c.session, nil
		}
	}

	sess, err := concurrency.NewSession(c.client, concurrency.WithTTL(c.sessionTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}
	c.session = sess
	return sess, nil
}

// EtcdElection wraps concurrency.Election on the coordinator's session.
type EtcdElection struct {
	coord *EtcdCoordinator
	key   string

	mu       sync.Mutex
	election *concurrency.Election
	session  *concurrency.Session
}

func (e *EtcdElection) Campaign(ctx context.Context, value string) error {
	sess, err := e.coord.currentSession()
	if err != nil {
		return err
	}
	el := concurrency.NewElection(sess, e.key)

	e.mu.Lock()
	e.election, e.session = el, sess
	e.mu.Unlock()

	if err := el.Campaign(ctx, value); err != nil {
		return fmt.Errorf("campaign %s: %w", e.key, err)
	}
	return nil
}

func (e *EtcdElection) Resign(ctx context.Context) error {
	e.mu.Lock()
	el := e.election
	e.mu.Unlock()
	if el == nil {
		return nil
	}
	return el.Resign(ctx)
}

func (e *EtcdElection) Leader(ctx context.Context) (string, error) {
	sess, err := e.coord.currentSession()
	if err != nil {
		return "", err
	}
	resp, err := concurrency.NewElection(sess, e.key).Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", coordination.ErrNoLeader
		}
		return "", err
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *EtcdElection) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return e.session.Done()
}

func nodeKey(nodeID string) string {
	return nodePrefix + nodeID
}

func nodeIDFromKey(key string) string {
	return strings.TrimPrefix(key, nodePrefix)
}

func electionKey(name string) string {
	return electionPrefix + strings.Trim(name, "/")
}
