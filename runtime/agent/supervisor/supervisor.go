// Package supervisor owns the lifecycle of each agent run: start, stop,
// stream, and restore, bridging the in-process event stream produced by the
// Thread Manager with external subscribers via pub/sub and durable storage.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/engine/runtime/agent/events"
	"github.com/agentrun/engine/runtime/agent/hooks"
	"github.com/agentrun/engine/runtime/agent/pubsub"
	"github.com/agentrun/engine/runtime/agent/telemetry"
	"github.com/agentrun/engine/runtime/agent/thread"
	"github.com/agentrun/engine/runtime/agent/threadmanager"
)

// ErrRunNotFound is returned when an operation targets an unknown run.
var ErrRunNotFound = fmt.Errorf("supervisor: run not found")

// StreamPollInterval bounds how often Stream checks the buffer for new
// events between pub/sub notifications.
const StreamPollInterval = 50 * time.Millisecond

// StreamTimeout bounds how long Stream waits for the next event before
// ending cleanly, per spec.md §5.
const StreamTimeout = 5 * time.Minute

// activeRunRefreshInterval bounds how often the liveness TTL key is
// refreshed while a Run Task is alive.
const activeRunRefreshInterval = 5 * time.Second

// activeRunTTL is the liveness TTL itself; it must exceed the refresh
// interval by a comfortable margin so a brief scheduling delay does not
// cause a false "abandoned" read by another instance.
const activeRunTTL = 20 * time.Second

// responsesFlushInterval bounds how often the growing Responses array is
// persisted to the AgentRun row during a run.
const responsesFlushInterval = 2 * time.Second

// RunParams is the threadmanager.RunThreadParams for a new run. The
// Supervisor does not itself choose prompts or model settings; callers
// (the HTTP surface) supply a factory.
type RunParams = threadmanager.RunThreadParams

// Supervisor coordinates runs for one process instance.
type Supervisor struct {
	Instance string
	Runs     thread.RunStore
	TM       *threadmanager.ThreadManager
	PubSub   *pubsub.PubSub
	Logger   telemetry.Logger

	// Hooks, if set, receives a synchronous callback for every event
	// before it is buffered and published, for in-process observers
	// (audit logging, metrics) that must see events in order and
	// before external delivery. A subscriber error is logged and does
	// not stop the run.
	Hooks hooks.Bus

	mu      sync.Mutex
	runs    map[string]*runState
}

type runState struct {
	buffer *eventBuffer
	cancel context.CancelFunc
	stop   bool
}

// New returns a Supervisor for one process instance.
func New(instance string, runs thread.RunStore, tm *threadmanager.ThreadManager, ps *pubsub.PubSub, logger telemetry.Logger) *Supervisor {
	return &Supervisor{Instance: instance, Runs: runs, TM: tm, PubSub: ps, Logger: logger}
}

// Start authorizes (via the caller-supplied params), stops any existing
// running run on the thread, creates an AgentRun row, and spawns the Run
// Task. It returns the new run's id.
func (s *Supervisor) Start(ctx context.Context, threadID string, params RunParams) (string, error) {
	existing, err := s.Runs.ListRunsByThread(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("supervisor: list runs: %w", err)
	}
	for _, r := range existing {
		if r.Status == thread.RunStatusRunning {
			if err := s.Stop(ctx, r.ID, ""); err != nil {
				s.logf(ctx, "implicit stop of existing run failed", "run", r.ID, "error", err)
			}
		}
	}

	runID := uuid.NewString()
	run := thread.AgentRun{ID: runID, ThreadID: threadID, Status: thread.RunStatusRunning, StartedAt: time.Now().UTC()}
	if err := s.Runs.InsertRun(ctx, run); err != nil {
		return "", fmt.Errorf("supervisor: insert run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st := &runState{buffer: newEventBuffer(), cancel: cancel}

	s.mu.Lock()
	if s.runs == nil {
		s.runs = make(map[string]*runState)
	}
	s.runs[runID] = st
	s.mu.Unlock()

	go s.runTask(runCtx, runID, st, params)

	return runID, nil
}

// Stop writes status stopped (or failed, if errMsg is non-empty), publishes
// STOP on the run's control channels, and is a no-op if already terminal.
func (s *Supervisor) Stop(ctx context.Context, runID string, errMsg string) error {
	run, err := s.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != thread.RunStatusRunning {
		return nil // already terminal: no-op per spec.md §8
	}

	s.mu.Lock()
	st, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		st.stop = true
		st.cancel()
	}

	if s.PubSub != nil {
		if pubErr := s.PubSub.PublishControl(ctx, runID, s.Instance, pubsub.SignalStop); pubErr != nil {
			s.logf(ctx, "publish stop signal failed", "run", runID, "error", pubErr)
		}
	}

	status := thread.RunStatusStopped
	if errMsg != "" {
		status = thread.RunStatusFailed
	}
	run.Status = status
	run.Error = errMsg
	now := time.Now().UTC()
	run.CompletedAt = &now
	return s.Runs.UpdateRun(ctx, run)
}

// Stream replays everything buffered for runID, then forwards new events
// until a terminal event is seen or StreamTimeout elapses.
func (s *Supervisor) Stream(ctx context.Context, runID string) (<-chan events.Event, error) {
	s.mu.Lock()
	st, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrRunNotFound
	}

	out := make(chan events.Event, 16)
	go func() {
		defer close(out)
		pos := 0
		idleSince := time.Now()
		for {
			batch, newPos := st.buffer.Since(pos)
			pos = newPos
			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				idleSince = time.Now()
				if _, isStatus := ev.(events.Status); isStatus {
					return
				}
			}
			if st.buffer.IsDone() {
				return
			}
			if time.Since(idleSince) > StreamTimeout {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(StreamPollInterval):
			}
		}
	}()
	return out, nil
}

// Restore marks every run this instance's store finds in RunStatusRunning as
// failed with "server restarted". The engine never resumes runs across
// restarts.
func (s *Supervisor) Restore(ctx context.Context) error {
	running, err := s.Runs.RunningRuns(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: restore: %w", err)
	}
	for _, run := range running {
		run.Status = thread.RunStatusFailed
		run.Error = "server restarted"
		now := time.Now().UTC()
		run.CompletedAt = &now
		if err := s.Runs.UpdateRun(ctx, run); err != nil {
			s.logf(ctx, "restore: mark failed failed", "run", run.ID, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) removeRun(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

func (s *Supervisor) logf(ctx context.Context, msg string, keyvals ...any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warn(ctx, msg, keyvals...)
}

func marshalOrNil(e events.Event) json.RawMessage {
	b, err := events.Marshal(e)
	if err != nil {
		return nil
	}
	return b
}
