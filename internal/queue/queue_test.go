package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInline_RunsRegisteredHandler(t *testing.T) {
	q := NewInline()
	var got Task
	q.Register("message:created", func(_ context.Context, task Task) error {
		got = task
		return nil
	})

	err := q.Enqueue(context.Background(), Task{Type: "message:created", Payload: []byte(`{"message_id":1}`)}, OnQueue(QueueRealtime))
	require.NoError(t, err)
	assert.Equal(t, "message:created", got.Type)
	assert.JSONEq(t, `{"message_id":1}`, string(got.Payload))
}

func TestInline_PropagatesErrors(t *testing.T) {
	q := NewInline()
	boom := errors.New("boom")
	q.Register("x", func(context.Context, Task) error { return boom })

	assert.ErrorIs(t, q.Enqueue(context.Background(), Task{Type: "x"}), boom)
	assert.Error(t, q.Enqueue(context.Background(), Task{Type: "unknown"}))
}

func TestInline_RunReturnsOnCancel(t *testing.T) {
	q := NewInline()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCollectOptions(t *testing.T) {
	o := collect([]Option{OnQueue("q"), ProcessIn(time.Second), MaxRetry(3), Unique(time.Minute), Timeout(5 * time.Second)})
	assert.Equal(t, EnqueueOptions{Queue: "q", ProcessIn: time.Second, MaxRetry: 3, UniqueTTL: time.Minute, Timeout: 5 * time.Second}, o)
}

func TestAsynqClient_RequiresAddress(t *testing.T) {
	_, err := NewAsynqClient("")
	assert.Error(t, err)

	c, err := NewAsynqClient("localhost:6379")
	require.NoError(t, err)
	assert.Error(t, c.Enqueue(context.Background(), Task{}))
	assert.NoError(t, c.Close())
}
