// Package mongo implements the Store on MongoDB. The atomic claim, the
// insert-only step/nap upserts, and the unique indexes are the load-
// bearing pieces: claim exclusivity and at-most-once recorded steps
// both reduce to single conditional updates here.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ferromir/bluestreak"
)

// Default collection names.
const (
	colWorkflows = "workflows"
	colSteps     = "steps"
	colNaps      = "naps"
	colSchedules = "schedules"
)

// Ensure Store implements the persistence contract at compile time.
var _ bluestreak.Store = (*Store)(nil)

// Store is a MongoDB implementation of bluestreak.Store.
type Store struct {
	db     *mongod.Database
	client *mongod.Client // non-nil only when Connect created it
	logger *slog.Logger

	workflows string
	steps     string
	naps      string
	schedules string
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithCollections overrides the collection names. Empty strings keep
// the defaults.
func WithCollections(workflows, steps, naps, schedules string) Option {
	return func(s *Store) {
		if workflows != "" {
			s.workflows = workflows
		}
		if steps != "" {
			s.steps = steps
		}
		if naps != "" {
			s.naps = naps
		}
		if schedules != "" {
			s.schedules = schedules
		}
	}
}

// New creates a Store over an existing database handle. The caller owns
// the client lifecycle; Close is a no-op.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:        db,
		logger:    slog.Default(),
		workflows: colWorkflows,
		steps:     colSteps,
		naps:      colNaps,
		schedules: colSchedules,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the given URL and returns a Store owning the client;
// Close disconnects it.
func Connect(ctx context.Context, url, dbName string, opts ...Option) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(url))
	if err != nil {
		return nil, fmt.Errorf("bluestreak/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("bluestreak/mongo: ping: %w", err)
	}

	s := New(client.Database(dbName), opts...)
	s.client = client
	return s, nil
}

// Migrate creates the indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range s.migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("bluestreak/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, nil); err != nil {
		return fmt.Errorf("bluestreak/mongo: ping: %w", err)
	}
	return nil
}

// Close disconnects the client if Connect created it; otherwise the
// caller owns the lifecycle and Close is a no-op.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("bluestreak/mongo: disconnect: %w", err)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}

// migrationIndexes returns the index definitions for all collections.
func (s *Store) migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		s.workflows: {
			{
				Keys:    bson.D{{Key: "workflowId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			// Claim index: status + timeoutAt.
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "timeoutAt", Value: 1},
			}},
		},
		s.steps: {
			{
				Keys:    bson.D{{Key: "workflowId", Value: 1}, {Key: "stepId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		s.naps: {
			{
				Keys:    bson.D{{Key: "workflowId", Value: 1}, {Key: "napId", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		s.schedules: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "nextRunAt", Value: 1}}},
		},
	}
}
