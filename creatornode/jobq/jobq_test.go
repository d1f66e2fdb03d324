// Copyright (C) 2020 Audius, Inc.
// See LICENSE for copying information.

package jobq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"audius.co/creatornode/internal/testcontext"
	"audius.co/creatornode/storage/teststore"
)

func testQueue(t *testing.T) (*Queue, *teststore.Client) {
	store := teststore.New()
	q := New(zaptest.NewLogger(t), store, store)
	q.pollInterval = 5 * time.Millisecond
	return q, store
}

func runQueue(ctx *testcontext.Context, q *Queue) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error {
		return q.Run(runCtx)
	})
	return cancel
}

func waitTerminal(ctx *testcontext.Context, t *testing.T, q *Queue, task, jobID string) *JobStatus {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := q.Status(ctx, task, jobID)
		require.NoError(t, err)
		if status.Status != StatusInProgress {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
	return nil
}

func TestEnqueueAndProcess(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := testQueue(t)
	q.Process("greet", 2, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var name string
		if err := json.Unmarshal(params, &name); err != nil {
			return nil, err
		}
		return map[string]string{"greeting": "hello " + name}, nil
	})
	stop := runQueue(ctx, q)
	defer stop()

	jobID, err := q.Enqueue(ctx, "greet", "world")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	// the status record exists from the moment of enqueue
	status, err := q.Status(ctx, "greet", jobID)
	require.NoError(t, err)
	require.Contains(t, []string{StatusInProgress, StatusDone}, status.Status)

	status = waitTerminal(ctx, t, q, "greet", jobID)
	assert.Equal(t, StatusDone, status.Status)
	assert.JSONEq(t, `{"greeting":"hello world"}`, string(status.Resp))
}

func TestHandlerErrorMarksFailed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := testQueue(t)
	q.Process("fail", 1, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, errors.New("boom")
	})
	stop := runQueue(ctx, q)
	defer stop()

	jobID, err := q.Enqueue(ctx, "fail", nil)
	require.NoError(t, err)

	status := waitTerminal(ctx, t, q, "fail", jobID)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Contains(t, status.Error, "boom")
}

func TestHandlerPanicMarksFailed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := testQueue(t)
	q.Process("panic", 1, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		panic("unexpected job shape")
	})
	stop := runQueue(ctx, q)
	defer stop()

	jobID, err := q.Enqueue(ctx, "panic", nil)
	require.NoError(t, err)

	status := waitTerminal(ctx, t, q, "panic", jobID)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Contains(t, status.Error, "panic")
}

func TestStatusUnknownJob(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := testQueue(t)
	_, err := q.Status(ctx, "greet", "no-such-id")
	assert.True(t, ErrJobNotFound.Has(err))
}

func TestStatusExpires(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, store := testQueue(t)
	jobID, err := q.Enqueue(ctx, "greet", nil)
	require.NoError(t, err)

	_, err = q.Status(ctx, "greet", jobID)
	require.NoError(t, err)

	store.SetNow(func() time.Time { return time.Now().Add(statusTTL + time.Minute) })
	_, err = q.Status(ctx, "greet", jobID)
	assert.True(t, ErrJobNotFound.Has(err))
}

func TestTasksConsumeIndependently(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	q, _ := testQueue(t)
	q.Process("a", 1, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "a-done", nil
	})
	q.Process("b", 1, func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return "b-done", nil
	})
	stop := runQueue(ctx, q)
	defer stop()

	aID, err := q.Enqueue(ctx, "a", nil)
	require.NoError(t, err)
	bID, err := q.Enqueue(ctx, "b", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, waitTerminal(ctx, t, q, "a", aID).Status)
	assert.Equal(t, StatusDone, waitTerminal(ctx, t, q, "b", bID).Status)

	// status records are namespaced per task
	_, err = q.Status(ctx, "a", bID)
	assert.True(t, ErrJobNotFound.Has(err))
}
