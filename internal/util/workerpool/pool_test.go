package workerpool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsEveryTask(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "test", Workers: 3, QueueSize: 2})

	var ran atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), workerpool.Task{
			Key: "k",
			Fn: func(context.Context) error {
				ran.Add(1)
				return nil
			},
		}))
	}
	require.NoError(t, p.Stop(5*time.Second))

	assert.Equal(t, int32(50), ran.Load())
	stats := p.Stats()
	assert.Equal(t, uint64(50), stats.Submitted)
	assert.Equal(t, uint64(50), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestPool_FailuresAndPanics(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "test", Workers: 1})

	results := make(chan error, 2)
	require.NoError(t, p.Submit(context.Background(), workerpool.Task{
		Key:  "fail",
		Fn:   func(context.Context) error { return errors.New("disk gone") },
		Done: func(err error) { results <- err },
	}))
	require.NoError(t, p.Submit(context.Background(), workerpool.Task{
		Key:  "panic",
		Fn:   func(context.Context) error { panic("boom") },
		Done: func(err error) { results <- err },
	}))

	assert.EqualError(t, <-results, "disk gone")
	assert.ErrorContains(t, <-results, "panicked")
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, uint64(2), p.Stats().Failed)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "test"})
	require.NoError(t, p.Stop(time.Second))

	err := p.Submit(context.Background(), workerpool.Task{Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)
	assert.Equal(t, uint64(1), p.Stats().Rejected)
}

func TestPool_SubmitHonoursContext(t *testing.T) {
	p := workerpool.New(workerpool.Config{Name: "test", Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	block := workerpool.Task{Fn: func(context.Context) error {
		<-release
		return nil
	}}

	require.NoError(t, p.Submit(context.Background(), block)) // running
	require.NoError(t, p.Submit(context.Background(), block)) // queued, or running if the worker already took it

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// at most one more fits; keep submitting until the queue is full
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = p.Submit(ctx, block)
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Stop(time.Second))
}
