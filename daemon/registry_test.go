package daemon

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parallite/parallite/wire"
	"github.com/parallite/parallite/worker"
)

func testRegistry(t *testing.T, timeout time.Duration, onExpire func(*Task, *worker.Worker)) *Registry {
	t.Helper()
	return NewRegistry(timeout, onExpire, zap.NewNop().Sugar())
}

func TestRegistryResolveIsOneShot(t *testing.T) {
	r := testRegistry(t, time.Minute, nil)
	task, err := r.Register("T1")
	require.NoError(t, err)

	first := task.Resolve(Outcome{Response: &wire.Response{OK: true, TaskID: "T1"}})
	second := task.Resolve(Outcome{Response: &wire.Response{OK: false, TaskID: "T1", Error: "late"}})
	assert.True(t, first)
	assert.False(t, second)

	out := <-task.Done()
	assert.True(t, out.Response.OK)
	assert.Equal(t, 0, r.InFlight())
}

func TestRegistryDuplicateTaskID(t *testing.T) {
	r := testRegistry(t, time.Minute, nil)
	_, err := r.Register("T1")
	require.NoError(t, err)

	_, err = r.Register("T1")
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestRegistryTaskIDReusableAfterResolution(t *testing.T) {
	r := testRegistry(t, time.Minute, nil)
	task, err := r.Register("T1")
	require.NoError(t, err)
	task.Resolve(Outcome{Response: &wire.Response{OK: true, TaskID: "T1"}})

	_, err = r.Register("T1")
	assert.NoError(t, err)
}

func TestRegistryTimeoutSynthesizesFailure(t *testing.T) {
	expired := make(chan *worker.Worker, 1)
	r := testRegistry(t, 30*time.Millisecond, func(task *Task, w *worker.Worker) {
		expired <- w
	})
	task, err := r.Register("T1")
	require.NoError(t, err)

	select {
	case out := <-task.Done():
		assert.False(t, out.Response.OK)
		assert.Equal(t, "T1", out.Response.TaskID)
		assert.Contains(t, out.Response.Error, "timed out after 30 ms")
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}

	select {
	case w := <-expired:
		// No worker was ever bound.
		assert.Nil(t, w)
	case <-time.After(2 * time.Second):
		t.Fatal("expire hook never ran")
	}
	// An expired task counts only as expired.
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, uint64(0), stats.Completed)
}

func TestRegistryTimeoutReportsBoundWorker(t *testing.T) {
	expired := make(chan *worker.Worker, 1)
	r := testRegistry(t, 50*time.Millisecond, func(task *Task, w *worker.Worker) {
		expired <- w
	})
	task, err := r.Register("T1")
	require.NoError(t, err)

	w, err := worker.Spawn(worker.Config{
		Command:         os.Args[0],
		StopGracePeriod: 100 * time.Millisecond,
	}, 1, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer w.Stop()

	require.True(t, task.BindWorker(w))

	select {
	case got := <-expired:
		assert.Same(t, w, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expire hook never ran")
	}
}

func TestRegistryBindAfterResolveFails(t *testing.T) {
	r := testRegistry(t, time.Minute, nil)
	task, err := r.Register("T1")
	require.NoError(t, err)
	task.Resolve(Outcome{Response: &wire.Response{OK: true, TaskID: "T1"}})

	assert.False(t, task.BindWorker(nil))
}

func TestRegistryCloseRefusesNewTasks(t *testing.T) {
	r := testRegistry(t, time.Minute, nil)
	task, err := r.Register("T1")
	require.NoError(t, err)

	r.Close()
	_, err = r.Register("T2")
	assert.ErrorIs(t, err, ErrShuttingDown)

	// Existing entries still resolve.
	assert.True(t, task.Resolve(Outcome{Response: &wire.Response{OK: true, TaskID: "T1"}}))
}

func TestRegistryConcurrentResolution(t *testing.T) {
	r := testRegistry(t, time.Minute, nil)
	task, err := r.Register("T1")
	require.NoError(t, err)

	const racers = 8
	wins := make(chan bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- task.Resolve(Outcome{Response: &wire.Response{OK: true, TaskID: "T1"}})
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won)
}
