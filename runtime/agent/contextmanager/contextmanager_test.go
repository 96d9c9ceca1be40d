package contextmanager_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentrun/engine/runtime/agent/contextmanager"
	"github.com/agentrun/engine/runtime/agent/model"
	"github.com/agentrun/engine/runtime/agent/thread"
)

type constCounter struct{ n int }

func (c constCounter) CountMessages([]*model.Message) int { return c.n }

type stubSummarizer struct {
	text string
	err  error
}

func (s stubSummarizer) Summarize(context.Context, *model.Message, []thread.Message, string) (string, error) {
	return s.text, s.err
}

func TestCheckAndSummarizeIfNeededSkipsBelowThreshold(t *testing.T) {
	mgr := contextmanager.New(100, constCounter{n: 10}, stubSummarizer{text: "summary"})

	var called bool
	appended, err := mgr.CheckAndSummarizeIfNeeded(context.Background(), "t1", nil, nil, "gpt", false,
		func(context.Context, thread.Message) (thread.Message, error) {
			called = true
			return thread.Message{}, nil
		})
	require.NoError(t, err)
	require.False(t, appended)
	require.False(t, called)
}

func TestCheckAndSummarizeIfNeededSummarizesAtThreshold(t *testing.T) {
	mgr := contextmanager.New(10, constCounter{n: 10}, stubSummarizer{text: "summary text"})

	var got thread.Message
	appended, err := mgr.CheckAndSummarizeIfNeeded(context.Background(), "t1", nil, nil, "gpt", false,
		func(_ context.Context, m thread.Message) (thread.Message, error) {
			got = m
			return m, nil
		})
	require.NoError(t, err)
	require.True(t, appended)
	require.Equal(t, thread.RoleSummary, got.Role)
	require.Equal(t, "summary text", got.Text())
}

func TestCheckAndSummarizeIfNeededForcesRegardlessOfCount(t *testing.T) {
	mgr := contextmanager.New(1000, constCounter{n: 1}, stubSummarizer{text: "forced"})

	appended, err := mgr.CheckAndSummarizeIfNeeded(context.Background(), "t1", nil, nil, "gpt", true,
		func(_ context.Context, m thread.Message) (thread.Message, error) {
			return m, nil
		})
	require.NoError(t, err)
	require.True(t, appended)
}

func TestCheckAndSummarizeIfNeededSkipsAppendOnEmptySummary(t *testing.T) {
	mgr := contextmanager.New(10, constCounter{n: 10}, stubSummarizer{text: ""})

	var called bool
	appended, err := mgr.CheckAndSummarizeIfNeeded(context.Background(), "t1", nil, nil, "gpt", false,
		func(context.Context, thread.Message) (thread.Message, error) {
			called = true
			return thread.Message{}, nil
		})
	require.NoError(t, err)
	require.False(t, appended)
	require.False(t, called, "an empty summary must never be appended, since it would discard all prior history")
}

func TestApproxTokenCounterDividesLengthByFour(t *testing.T) {
	c := contextmanager.ApproxTokenCounter{}
	msgs := []*model.Message{
		{Parts: []model.Part{model.TextPart{Text: "12345678"}}},
	}
	require.Equal(t, 2, c.CountMessages(msgs))
}
