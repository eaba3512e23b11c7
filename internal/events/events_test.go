package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orchestrator/internal/model"
)

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal("1-0")
	}
	return cmd
}

func (f *fakeStream) Close() error { return nil }

func testRun() *model.Run {
	return &model.Run{ID: "run-1", WorkflowID: "wf-1", Status: model.RunRunning}
}

func TestRedisPublisher_Publish(t *testing.T) {
	fs := &fakeStream{}
	p := newRedisPublisher(fs, "")

	ev := New(RunStarted, testRun(), map[string]any{"inputs": 2})
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, fs.args, 1)
	a := fs.args[0]
	assert.Equal(t, DefaultStreamPrefix+"wf-1", a.Stream)
	assert.Equal(t, int64(MaxStreamLength), a.MaxLen)
	assert.True(t, a.Approx)
	values := a.Values.(map[string]any)
	assert.Equal(t, "run.started", values["type"])
	assert.Equal(t, "run-1", values["run_id"])
	assert.JSONEq(t, `{"inputs":2}`, values["data"].(string))
}

func TestRedisPublisher_Error(t *testing.T) {
	fs := &fakeStream{err: errors.New("connection refused")}
	p := newRedisPublisher(fs, "custom:")
	err := p.Publish(context.Background(), New(RunFailed, testRun(), nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "custom:wf-1", fs.args[0].Stream)
}

func TestHub_FiltersByRun(t *testing.T) {
	h := NewHub()
	all, cancelAll := h.Subscribe("", 4)
	defer cancelAll()
	one, cancelOne := h.Subscribe("run-2", 4)

	require.NoError(t, h.Publish(context.Background(), New(RunStarted, testRun(), nil)))

	select {
	case ev := <-all:
		assert.Equal(t, "run-1", ev.RunID)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
	select {
	case ev := <-one:
		t.Fatalf("unexpected event %v", ev)
	default:
	}

	assert.Equal(t, 2, h.Subscribers())
	cancelOne()
	cancelOne()
	assert.Equal(t, 1, h.Subscribers())
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("", 1)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Publish(context.Background(), New(RunStep, testRun(), nil)))
	}
	assert.Len(t, ch, 1)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func TestMulti_TriesEveryPublisher(t *testing.T) {
	a, b := &failingPublisher{}, &failingPublisher{}
	err := Multi{a, NopPublisher{}, b}.Publish(context.Background(), New(RunCompleted, testRun(), nil))
	require.Error(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestTerminal(t *testing.T) {
	assert.Equal(t, RunCompleted, Terminal(model.RunCompleted))
	assert.Equal(t, RunCancelled, Terminal(model.RunCancelled))
	assert.Equal(t, RunFailed, Terminal(model.RunFailed))
}
