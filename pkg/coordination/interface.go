package coordination

import (
	"context"
	"errors"
)

// ErrNoLeader is returned by Election.Leader when nobody holds the election.
var ErrNoLeader = errors.New("election has no leader")

// Coordinator tracks which executor nodes are alive.
type Coordinator interface {
	// RegisterNode announces nodeID for ttl seconds. Executors call it on
	// every heartbeat.
	RegisterNode(ctx context.Context, nodeID string, ttl int) error

	// GetActiveNodes lists nodes whose registration has not expired.
	GetActiveNodes(ctx context.Context) ([]string, error)

	// Close terminates the coordinator connection.
	Close() error
}

// Elector hands out leader elections.
type Elector interface {
	// NewElection creates a new election instance for a given campaign name.
	NewElection(name string) Election
}

// Election represents a single leader election campaign.
type Election interface {
	// Campaign starts the process of trying to become leader.
	// It blocks until leadership is acquired or an error occurs.
	Campaign(ctx context.Context, value string) error

	// Resign releases leadership.
	Resign(ctx context.Context) error

	// Leader returns the current leader's value, or ErrNoLeader.
	Leader(ctx context.Context) (string, error)

	// Done is closed when leadership won by Campaign is lost without a
	// Resign, e.g. because the session lease expired.
	Done() <-chan struct{}
}
