package threadmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentrun/engine/runtime/agent/events"
	"github.com/agentrun/engine/runtime/agent/model"
	"github.com/agentrun/engine/runtime/agent/responseprocessor"
)

type fakeClient struct {
	responses []*model.Response
	calls     int
	i         int
}

func (f *fakeClient) Complete(context.Context, *model.Request) (*model.Response, error) {
	f.calls++
	r := f.responses[f.i]
	if f.i < len(f.responses)-1 {
		f.i++
	}
	return r, nil
}

func (f *fakeClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, errors.New("streaming not used in this test")
}

func newTestManager(store *fakeMessageStore, llm model.Client) *ThreadManager {
	return &ThreadManager{
		Store:     store,
		Processor: responseprocessor.New(nil, nil),
		LLM:       llm,
	}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestRunLoopAutoContinuesOnceThenFinishes(t *testing.T) {
	llm := &fakeClient{responses: []*model.Response{
		{StopReason: "tool_calls"},
		{StopReason: "stop"},
	}}
	tm := newTestManager(&fakeMessageStore{}, llm)

	evs := drain(tm.RunThread(context.Background(), RunThreadParams{
		ThreadID:               "t1",
		LLMModel:               "m",
		NativeMaxAutoContinues: 1,
	}))

	require.Equal(t, 2, llm.calls)
	require.Len(t, evs, 1)
	finish, ok := evs[0].(events.Finish)
	require.True(t, ok)
	require.Equal(t, "stop", finish.FinishReason)
}

func TestRunLoopStopsAtAutoContinueLimit(t *testing.T) {
	llm := &fakeClient{responses: []*model.Response{
		{StopReason: "tool_calls"},
		{StopReason: "tool_calls"},
	}}
	tm := newTestManager(&fakeMessageStore{}, llm)

	evs := drain(tm.RunThread(context.Background(), RunThreadParams{
		ThreadID:               "t1",
		LLMModel:               "m",
		NativeMaxAutoContinues: 1,
	}))

	require.Equal(t, 2, llm.calls)
	require.Len(t, evs, 2)
	require.Equal(t, "content", evs[0].Kind())
	finish, ok := evs[1].(events.Finish)
	require.True(t, ok)
	require.Equal(t, events.FinishReasonAutoContinueLimit, finish.FinishReason)
}

func TestRunLoopRelaysContentAndFinishesOnPlainStop(t *testing.T) {
	llm := &fakeClient{responses: []*model.Response{
		{StopReason: "stop", Content: []model.Message{
			{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.TextPart{Text: "hello there"}}},
		}},
	}}
	tm := newTestManager(&fakeMessageStore{}, llm)

	evs := drain(tm.RunThread(context.Background(), RunThreadParams{
		ThreadID: "t1",
		LLMModel: "m",
	}))

	require.Equal(t, 1, llm.calls)
	require.Len(t, evs, 2)
	content, ok := evs[0].(events.Content)
	require.True(t, ok)
	require.Equal(t, "hello there", content.ContentDelta)
	finish, ok := evs[1].(events.Finish)
	require.True(t, ok)
	require.Equal(t, "stop", finish.FinishReason)
}
