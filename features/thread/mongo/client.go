// Package mongo persists Threads' Messages and AgentRuns to MongoDB. It
// follows the two-layer Options/Store shape the teacher's other
// features/*/mongo packages use: a thin Client wrapping the driver, and a
// Store that implements the thread.MessageStore/thread.RunStore interfaces
// by delegating to it.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/agentrun/engine/runtime/agent/thread"
)

const (
	defaultMessagesCollection = "messages"
	defaultRunsCollection     = "agent_runs"
	defaultOpTimeout          = 5 * time.Second
)

// Client exposes the Mongo-backed operations the Store needs.
type Client interface {
	InsertMessage(ctx context.Context, m thread.Message) (thread.Message, error)
	FindMessages(ctx context.Context, threadID string) ([]thread.Message, error)
	InsertRun(ctx context.Context, run thread.AgentRun) error
	ReplaceRun(ctx context.Context, run thread.AgentRun) error
	FindRun(ctx context.Context, runID string) (thread.AgentRun, error)
	FindRunsByThread(ctx context.Context, threadID string) ([]thread.AgentRun, error)
	FindRunsByStatus(ctx context.Context, status thread.RunStatus) ([]thread.AgentRun, error)
}

// Options configures the Mongo client.
type Options struct {
	Client              *mongodriver.Client
	Database            string
	MessagesCollection  string
	RunsCollection      string
	Timeout             time.Duration
}

type client struct {
	messages *mongodriver.Collection
	runs     *mongodriver.Collection
	timeout  time.Duration
	seq      sequencer
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	messagesColl := opts.MessagesCollection
	if messagesColl == "" {
		messagesColl = defaultMessagesCollection
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	return &client{
		messages: db.Collection(messagesColl),
		runs:     db.Collection(runsColl),
		timeout:  timeout,
	}, nil
}

func (c *client) InsertMessage(ctx context.Context, m thread.Message) (thread.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if m.ID == "" {
		m.ID = bson.NewObjectID().Hex()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.SequenceID = c.seq.next()

	if _, err := c.messages.InsertOne(ctx, m); err != nil {
		return thread.Message{}, err
	}
	return m, nil
}

func (c *client) FindMessages(ctx context.Context, threadID string) ([]thread.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cur, err := c.messages.Find(ctx, bson.M{"threadid": threadID},
		options.Find().SetSort(bson.D{{Key: "createdat", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []thread.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) InsertRun(ctx context.Context, run thread.AgentRun) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.runs.InsertOne(ctx, run)
	return err
}

func (c *client) ReplaceRun(ctx context.Context, run thread.AgentRun) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.runs.ReplaceOne(ctx, bson.M{"id": run.ID}, run)
	return err
}

func (c *client) FindRun(ctx context.Context, runID string) (thread.AgentRun, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var out thread.AgentRun
	err := c.runs.FindOne(ctx, bson.M{"id": runID}).Decode(&out)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return thread.AgentRun{}, thread.ErrNotFound
	}
	return out, err
}

func (c *client) FindRunsByThread(ctx context.Context, threadID string) ([]thread.AgentRun, error) {
	return c.findRuns(ctx, bson.M{"threadid": threadID})
}

func (c *client) FindRunsByStatus(ctx context.Context, status thread.RunStatus) ([]thread.AgentRun, error) {
	return c.findRuns(ctx, bson.M{"status": status})
}

func (c *client) findRuns(ctx context.Context, filter bson.M) ([]thread.AgentRun, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.runs.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []thread.AgentRun
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sequencer assigns a monotonically increasing SequenceID per process. It
// resets to zero on every restart, so it cannot be used to order history
// across a restart; FindMessages sorts by CreatedAt instead. SequenceID is
// kept only as a same-process debugging aid for insertion order within a
// single run.
type sequencer struct {
	n int64
}

func (s *sequencer) next() int64 {
	s.n++
	return s.n
}
