package mongo

import (
	"context"
	"errors"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/agentrun/engine/runtime/agent/thread"
)

// StoreOptions configures a pre-built Client.
type StoreOptions struct {
	Client Client
}

// Store implements thread.MessageStore and thread.RunStore by delegating to
// a Client.
type Store struct {
	client Client
}

// NewStore builds a Store using an already-constructed Client.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo constructs the underlying Client from driver Options and
// wraps it in a Store.
func NewStoreFromMongo(opts Options) (*Store, error) {
	client, err := New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(StoreOptions{Client: client})
}

func (s *Store) AppendMessage(ctx context.Context, m thread.Message) (thread.Message, error) {
	return s.client.InsertMessage(ctx, m)
}

func (s *Store) ListMessages(ctx context.Context, threadID string) ([]thread.Message, error) {
	return s.client.FindMessages(ctx, threadID)
}

func (s *Store) InsertRun(ctx context.Context, run thread.AgentRun) error {
	return s.client.InsertRun(ctx, run)
}

func (s *Store) UpdateRun(ctx context.Context, run thread.AgentRun) error {
	return s.client.ReplaceRun(ctx, run)
}

func (s *Store) GetRun(ctx context.Context, runID string) (thread.AgentRun, error) {
	return s.client.FindRun(ctx, runID)
}

func (s *Store) ListRunsByThread(ctx context.Context, threadID string) ([]thread.AgentRun, error) {
	return s.client.FindRunsByThread(ctx, threadID)
}

func (s *Store) RunningRuns(ctx context.Context) ([]thread.AgentRun, error) {
	return s.client.FindRunsByStatus(ctx, thread.RunStatusRunning)
}

var (
	_ thread.MessageStore = (*Store)(nil)
	_ thread.RunStore     = (*Store)(nil)
)

// ErrNoDocuments re-exports the driver's not-found sentinel for callers that
// need to distinguish it from other errors without importing the driver.
var ErrNoDocuments = mongodriver.ErrNoDocuments
