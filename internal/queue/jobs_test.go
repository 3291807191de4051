package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/ihacdn/internal/model"
	"github.com/dharsanguruparan/ihacdn/internal/notify"
)

type fakeClient struct {
	tasks []*asynq.Task
	err   error
}

func (c *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.tasks = append(c.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type fakeScheduler struct {
	specs []string
	types []string
}

func (s *fakeScheduler) Register(cronspec string, task *asynq.Task, _ ...asynq.Option) (string, error) {
	if cronspec == "not a schedule" {
		return "", errors.New("bad cronspec")
	}
	s.specs = append(s.specs, cronspec)
	s.types = append(s.types, task.Type())
	return "entry-1", nil
}

func TestDispatcherEnqueuesEvent(t *testing.T) {
	client := &fakeClient{}
	d := NewDispatcher(client, zerolog.Nop())
	ev := notify.Event{URL: "https://cdn.test/abcdefgh.png", Kind: model.KindFile, IPs: []string{"9.9.9.9"}}

	d.Dispatch(context.Background(), ev)
	d.Wait()
	require.Len(t, client.tasks, 1)
	assert.Equal(t, NotifyTask, client.tasks[0].Type())

	var got notify.Event
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &got))
	assert.Equal(t, ev, got)
}

func TestDispatcherSwallowsEnqueueFailure(t *testing.T) {
	client := &fakeClient{err: errors.New("redis down")}
	d := NewDispatcher(client, zerolog.Nop())
	d.Dispatch(context.Background(), notify.Event{URL: "u"})
	d.Wait()
	assert.Empty(t, client.tasks)
}

// stalledClient blocks every enqueue until release is closed.
type stalledClient struct {
	started chan struct{}
	release chan struct{}
}

func (c *stalledClient) EnqueueContext(ctx context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	close(c.started)
	select {
	case <-c.release:
		return &asynq.TaskInfo{Type: task.Type()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestDispatchDoesNotWaitForRedis(t *testing.T) {
	client := &stalledClient{started: make(chan struct{}), release: make(chan struct{})}
	d := NewDispatcher(client, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		d.Dispatch(ctx, notify.Event{URL: "https://cdn.test/abcdefgh"})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a stalled enqueue")
	}

	// The request finishing must not abort the pending enqueue.
	cancel()
	<-client.started
	close(client.release)
	d.Wait()
}

func TestEnqueuePurge(t *testing.T) {
	client := &fakeClient{}
	require.NoError(t, EnqueuePurge(context.Background(), client))
	require.Len(t, client.tasks, 1)
	assert.Equal(t, PurgeTask, client.tasks[0].Type())

	client.err = asynq.ErrDuplicateTask
	assert.ErrorIs(t, EnqueuePurge(context.Background(), client), ErrPurgeQueued)

	client.err = errors.New("redis down")
	assert.ErrorContains(t, EnqueuePurge(context.Background(), client), "enqueue purge task")
}

func TestRegisterPurge(t *testing.T) {
	s := &fakeScheduler{}
	id, err := RegisterPurge(s, "@daily")
	require.NoError(t, err)
	assert.Equal(t, "entry-1", id)
	assert.Equal(t, []string{"@daily"}, s.specs)
	assert.Equal(t, []string{PurgeTask}, s.types)

	_, err = RegisterPurge(s, "not a schedule")
	assert.ErrorContains(t, err, "not a schedule")
}

func TestRedisOpt(t *testing.T) {
	opt, err := RedisOpt("redis://:secret@127.0.0.1:6380/2")
	require.NoError(t, err)
	client, ok := opt.(asynq.RedisClientOpt)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:6380", client.Addr)
	assert.Equal(t, 2, client.DB)

	_, err = RedisOpt("http://nope")
	assert.Error(t, err)
}
