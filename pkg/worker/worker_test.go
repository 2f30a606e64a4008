package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskqueue/pkg/codec"
	"github.com/cuemby/taskqueue/pkg/store"
	"github.com/cuemby/taskqueue/pkg/tqtypes"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueue(t *testing.T, s *store.SQLiteStore, c codec.Codec, handler string, argument any) string {
	t.Helper()
	payload, err := c.EncodeTask(codec.Call{Handler: handler, Argument: argument})
	require.NoError(t, err)
	id := fmt.Sprintf("task-%d-%d", time.Now().UnixNano(), len(handler))
	require.NoError(t, s.Enqueue(context.Background(), id, payload, time.Now().UTC()))
	return id
}

func TestWorkerExecutesSuccessfulTask(t *testing.T) {
	s := newTestStore(t)
	c := codec.NewJSONCodec()
	reg := codec.NewHandlerRegistry()
	reg.Register("add", func(ctx context.Context, argument any) (any, error) {
		return 5.0, nil
	})

	id := enqueue(t, s, c, "add", nil)

	w := New(s, c, reg, Config{MaxConcurrency: 1, PollInterval: 20 * time.Millisecond, BatchSize: 1})
	w.Start()
	defer w.Stop()

	result := waitForTerminal(t, s, id, 2*time.Second)
	require.Equal(t, tqtypes.StatusSuccess, result.Status)

	value, err := c.DecodeValue(result.ResultValue)
	require.NoError(t, err)
	assert.Equal(t, 5.0, value)
	assert.False(t, result.StartedAt.Before(result.EnqueuedAt))
	assert.False(t, result.FinishedAt.Before(result.StartedAt))
}

func TestWorkerRecordsHandlerFailure(t *testing.T) {
	s := newTestStore(t)
	c := codec.NewJSONCodec()
	reg := codec.NewHandlerRegistry()
	reg.Register("divide", func(ctx context.Context, argument any) (any, error) {
		return nil, fmt.Errorf("division by zero")
	})

	id := enqueue(t, s, c, "divide", nil)

	w := New(s, c, reg, Config{MaxConcurrency: 1, PollInterval: 20 * time.Millisecond, BatchSize: 1})
	w.Start()
	defer w.Stop()

	result := waitForTerminal(t, s, id, 2*time.Second)
	assert.Equal(t, tqtypes.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "division by zero")
	assert.NotEmpty(t, result.Traceback)
	assert.Nil(t, result.ResultValue)
}

func TestWorkerUnknownHandlerIsRecordedAsFailure(t *testing.T) {
	s := newTestStore(t)
	c := codec.NewJSONCodec()
	reg := codec.NewHandlerRegistry()

	id := enqueue(t, s, c, "nonexistent", nil)

	w := New(s, c, reg, Config{MaxConcurrency: 1, PollInterval: 20 * time.Millisecond, BatchSize: 1})
	w.Start()
	defer w.Stop()

	result := waitForTerminal(t, s, id, 2*time.Second)
	assert.Equal(t, tqtypes.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "nonexistent")
}

func TestWorkerRecoversFromHandlerPanic(t *testing.T) {
	s := newTestStore(t)
	c := codec.NewJSONCodec()
	reg := codec.NewHandlerRegistry()
	reg.Register("boom", func(ctx context.Context, argument any) (any, error) {
		panic("kaboom")
	})

	id := enqueue(t, s, c, "boom", nil)

	w := New(s, c, reg, Config{MaxConcurrency: 1, PollInterval: 20 * time.Millisecond, BatchSize: 1})
	w.Start()
	defer w.Stop()

	result := waitForTerminal(t, s, id, 2*time.Second)
	assert.Equal(t, tqtypes.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "kaboom")
}

func TestWorkerConcurrencyCeiling(t *testing.T) {
	s := newTestStore(t)
	c := codec.NewJSONCodec()
	reg := codec.NewHandlerRegistry()

	var active int32
	var maxActive int32
	var mu sync.Mutex

	reg.Register("slow", func(ctx context.Context, argument any) (any, error) {
		n := atomic.AddInt32(&active, 1)
		mu.Lock()
		if n > maxActive {
			maxActive = n
		}
		mu.Unlock()
		time.Sleep(150 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	})

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = enqueue(t, s, c, "slow", nil)
	}

	w := New(s, c, reg, Config{MaxConcurrency: 3, PollInterval: 10 * time.Millisecond, BatchSize: 10})
	w.Start()
	defer w.Stop()

	for _, id := range ids {
		waitForTerminal(t, s, id, 5*time.Second)
	}

	mu.Lock()
	got := maxActive
	mu.Unlock()
	assert.LessOrEqual(t, got, int32(3))
}

func TestWorkerStopDrainsInFlightExecutors(t *testing.T) {
	s := newTestStore(t)
	c := codec.NewJSONCodec()
	reg := codec.NewHandlerRegistry()
	reg.Register("slow", func(ctx context.Context, argument any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	})

	ids := []string{
		enqueue(t, s, c, "slow", nil),
		enqueue(t, s, c, "slow", nil),
		enqueue(t, s, c, "slow", nil),
	}

	w := New(s, c, reg, Config{MaxConcurrency: 3, PollInterval: 10 * time.Millisecond, BatchSize: 10})
	w.Start()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	w.Stop()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)

	for _, id := range ids {
		result, err := s.GetResult(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.True(t, result.Status.Terminal(), "task %s should be terminal after drain, got %s", id, result.Status)
	}
}

func TestWorkerTwoWorkersNoDoubleExecution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	c := codec.NewJSONCodec()

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := func(ctx context.Context, argument any) (any, error) {
		id := argument.(string)
		mu.Lock()
		seen[id]++
		mu.Unlock()
		return nil, nil
	}

	reg1 := codec.NewHandlerRegistry()
	reg1.Register("touch", handler)
	reg2 := codec.NewHandlerRegistry()
	reg2.Register("touch", handler)

	const n = 30
	ids := make([]string, n)
	for i := range ids {
		payload, err := c.EncodeTask(codec.Call{Handler: "touch", Argument: fmt.Sprintf("id-%d", i)})
		require.NoError(t, err)
		taskID := fmt.Sprintf("task-%d", i)
		require.NoError(t, s.Enqueue(context.Background(), taskID, payload, time.Now().UTC()))
		ids[i] = taskID
	}

	w1 := New(s, c, reg1, Config{MaxConcurrency: 4, PollInterval: 10 * time.Millisecond, BatchSize: 4})
	w2 := New(s, c, reg2, Config{MaxConcurrency: 4, PollInterval: 10 * time.Millisecond, BatchSize: 4})
	w1.Start()
	w2.Start()
	defer w1.Stop()
	defer w2.Stop()

	for _, id := range ids {
		waitForTerminal(t, s, id, 5*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "handler for %s ran %d times, want exactly 1", id, count)
	}
}

func waitForTerminal(t *testing.T, s *store.SQLiteStore, taskID string, timeout time.Duration) *tqtypes.Result {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		result, err := s.GetResult(context.Background(), taskID)
		require.NoError(t, err)
		if result != nil && result.Status.Terminal() {
			return result
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal status within %s", taskID, timeout)
	return nil
}
