package supervisor

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentrun/engine/runtime/agent/events"
	"github.com/agentrun/engine/runtime/agent/pubsub"
	"github.com/agentrun/engine/runtime/agent/thread"
)

// runTask is the Run Task goroutine: it drives RunThread, fans out every
// event to the buffer and pub/sub, refreshes the active-run liveness key,
// and writes the terminal AgentRun status on exit. One goroutine per run,
// per spec.md §9.
func (s *Supervisor) runTask(ctx context.Context, runID string, st *runState, params RunParams) {
	defer s.removeRun(runID)
	defer st.buffer.MarkDone()

	var sub *redis.PubSub
	if s.PubSub != nil {
		sub = s.PubSub.SubscribeControl(ctx, runID, s.Instance)
		defer sub.Close()
		go s.watchControl(ctx, sub, st)
	}

	stopRefresh := s.startTTLRefresh(ctx, runID)
	defer stopRefresh()

	run, err := s.Runs.GetRun(ctx, runID)
	if err != nil {
		s.logf(ctx, "runtask: load run failed", "run", runID, "error", err)
		run = thread.AgentRun{ID: runID, Status: thread.RunStatusRunning, StartedAt: time.Now().UTC()}
	}

	lastFlush := time.Now()
	var runErr string

	procEvents := s.TM.RunThread(ctx, params)
	for ev := range procEvents {
		if s.Hooks != nil {
			if hookErr := s.Hooks.Publish(ctx, ev); hookErr != nil {
				s.logf(ctx, "hook subscriber failed", "run", runID, "error", hookErr)
			}
		}

		n := st.buffer.Append(ev)

		if s.PubSub != nil {
			if payload := marshalOrNil(ev); payload != nil {
				if pubErr := s.PubSub.PublishEvent(ctx, runID, payload); pubErr != nil {
					s.logf(ctx, "publish event failed", "run", runID, "error", pubErr)
				}
			}
		}

		if errEv, ok := ev.(events.Error); ok {
			runErr = errEv.Message
		}

		if time.Since(lastFlush) > responsesFlushInterval {
			s.flushResponses(ctx, &run, st, n)
			lastFlush = time.Now()
		}
	}

	status := thread.RunStatusCompleted
	switch {
	case st.stop:
		status = thread.RunStatusStopped
	case runErr != "":
		status = thread.RunStatusFailed
	}

	final := events.Status{Status: string(status)}
	st.buffer.Append(final)
	if s.PubSub != nil {
		if payload := marshalOrNil(final); payload != nil {
			_ = s.PubSub.PublishEvent(ctx, runID, payload)
		}
	}

	run.Status = status
	run.Error = runErr
	now := time.Now().UTC()
	run.CompletedAt = &now
	s.flushResponses(ctx, &run, st, st.buffer.Len())
	if err := s.Runs.UpdateRun(ctx, run); err != nil {
		s.logf(ctx, "runtask: final status update failed", "run", runID, "error", err)
	}

	if s.PubSub != nil {
		_ = s.PubSub.PublishControl(ctx, runID, s.Instance, pubsub.SignalEndStream)
		_ = s.PubSub.DeleteActiveRun(ctx, s.Instance, runID)
	}
}

func (s *Supervisor) watchControl(ctx context.Context, sub *redis.PubSub, st *runState) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if pubsub.ControlSignal(msg.Payload) == pubsub.SignalStop {
				st.stop = true
				st.cancel()
				return
			}
		}
	}
}

func (s *Supervisor) startTTLRefresh(ctx context.Context, runID string) func() {
	if s.PubSub == nil {
		return func() {}
	}
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(activeRunRefreshInterval)
		defer ticker.Stop()
		_ = s.PubSub.RefreshActiveRun(ctx, s.Instance, runID, activeRunTTL)
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.PubSub.RefreshActiveRun(ctx, s.Instance, runID, activeRunTTL); err != nil {
					s.logf(ctx, "refresh active-run key failed", "run", runID, "error", err)
				}
			}
		}
	}()
	return func() { close(stopCh) }
}

// flushResponses persists the buffered events observed so far into the
// AgentRun row's Responses array, with a small bounded retry since
// spec.md §9 leaves this best-effort (see DESIGN.md's Open Question 1).
func (s *Supervisor) flushResponses(ctx context.Context, run *thread.AgentRun, st *runState, upTo int) {
	batch, total := st.buffer.Since(0)
	if upTo > total {
		upTo = total
	}
	if len(batch) > upTo {
		batch = batch[:upTo]
	}
	run.Responses = run.Responses[:0]
	for _, ev := range batch {
		if payload := marshalOrNil(ev); payload != nil {
			run.Responses = append(run.Responses, payload)
		}
	}

	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = s.Runs.UpdateRun(ctx, *run); err == nil {
			return
		}
	}
	s.logf(ctx, "flush responses failed after retries", "run", run.ID, "error", err)
}
