package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bazaar/cmd/internal/chat"
)

var sampleEvent = chat.NotificationEvent{
	ConversationID: "conv-1",
	RecipientID:    "seller",
	SenderID:       "buyer",
	MessageID:      "msg-1",
	Preview:        "Is this still available?",
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: "task-1", Queue: DefaultQueue}, nil
}

func TestAsynqNotifier_EnqueuesTask(t *testing.T) {
	t.Parallel()

	q := &fakeEnqueuer{}
	n, err := NewAsynqNotifier(q, "", nil)
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), sampleEvent))
	require.Len(t, q.tasks, 1)
	assert.Equal(t, TaskMessageNotification, q.tasks[0].Type())

	var p Payload
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &p))
	assert.Equal(t, payloadOf(sampleEvent), p)

	var queue, taskID string
	for _, o := range q.opts[0] {
		switch o.Type() {
		case asynq.QueueOpt:
			queue = o.Value().(string)
		case asynq.TaskIDOpt:
			taskID = o.Value().(string)
		}
	}
	assert.Equal(t, DefaultQueue, queue)
	assert.Equal(t, "msg-1:seller", taskID)
}

func TestAsynqNotifier_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewAsynqNotifier(nil, "", nil)
	assert.Error(t, err)

	dup, err := NewAsynqNotifier(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}, "q", nil)
	require.NoError(t, err)
	assert.NoError(t, dup.Notify(context.Background(), sampleEvent), "duplicates are success")

	down, err := NewAsynqNotifier(&fakeEnqueuer{err: errors.New("redis down")}, "q", nil)
	require.NoError(t, err)
	assert.Error(t, down.Notify(context.Background(), sampleEvent))

	assert.Error(t, down.Notify(context.Background(), chat.NotificationEvent{ConversationID: "c"}))
}

func TestWorker_ProcessMessage(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusAccepted)
	var got atomic.Value

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.Store(string(b))
		if r.Header.Get("Authorization") != "Bearer push-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(ts.Close)

	w, err := NewWorker(ts.URL, "push-token", nil, nil)
	require.NoError(t, err)

	task, err := NewTask(sampleEvent)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, w.ProcessMessage(ctx, task))
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(got.Load().(string)), &p))
	assert.Equal(t, "seller", p.RecipientID)

	status.Store(http.StatusServiceUnavailable)
	err = w.ProcessMessage(ctx, task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	status.Store(http.StatusGone)
	err = w.ProcessMessage(ctx, task)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = w.ProcessMessage(ctx, asynq.NewTask(TaskMessageNotification, []byte("{nope")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLogNotifier(t *testing.T) {
	t.Parallel()
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), sampleEvent))
}
