package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ssmcore/mangamerged/internal/fswatch"
	"github.com/ssmcore/mangamerged/internal/scanqueue"
	"github.com/ssmcore/mangamerged/internal/trigger"
)

type noopPoller struct{ calls int32 }

func (p *noopPoller) Poll(watchRoots []string, timeout time.Duration, cancel <-chan struct{}) fswatch.PollResult {
	atomic.AddInt32(&p.calls, 1)
	return fswatch.PollResult{Outcome: fswatch.TimedOut}
}

type noopClassifier struct{}

func (noopClassifier) Classify(path string) trigger.PathKind { return trigger.Unrelated }

type noopEnumerator struct{}

func (noopEnumerator) EnumerateDescendants(path string) ([]string, error) { return nil, nil }

type noopRenamer struct{}

func (noopRenamer) Process(pending []trigger.RenameEntry) []trigger.RenameEntry { return nil }

func newTestPipeline(poller *noopPoller) *trigger.Pipeline {
	mergeFn := func(scanqueue.Request) scanqueue.DispatchOutcome { return scanqueue.Success }
	cfg := trigger.Config{
		WatchRoots:  []string{"/sources"},
		PollTimeout: time.Millisecond,
	}
	return trigger.New(cfg, poller, noopClassifier{}, noopEnumerator{}, noopRenamer{}, mergeFn, time.Now())
}

func TestWorkerStartStop(t *testing.T) {
	t.Parallel()
	poller := &noopPoller{}
	worker := NewWorker(newTestPipeline(poller), Config{TickInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	if !worker.Running() {
		t.Error("worker should be running after Start()")
	}

	time.Sleep(30 * time.Millisecond)

	worker.Stop()
	if worker.Running() {
		t.Error("worker should not be running after Stop()")
	}

	if atomic.LoadInt32(&poller.calls) == 0 {
		t.Error("expected at least one tick to have polled")
	}
	if worker.LastTick().IsZero() {
		t.Error("LastTick should be set after at least one tick")
	}
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	t.Parallel()
	worker := NewWorker(newTestPipeline(&noopPoller{}), Config{TickInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker.Start(ctx)
	worker.Start(ctx) // should be a no-op, not a second goroutine/double-close panic
	worker.Stop()
	if worker.Running() {
		t.Error("worker should not be running after Stop()")
	}
}

func TestWorkerStopBeforeStartIsNoop(t *testing.T) {
	t.Parallel()
	worker := NewWorker(newTestPipeline(&noopPoller{}), Config{})
	worker.Stop() // must not block or panic
}

func TestWorkerTickNowRunsOutsideTickerCadence(t *testing.T) {
	t.Parallel()
	poller := &noopPoller{}
	worker := NewWorker(newTestPipeline(poller), Config{TickInterval: time.Hour})

	worker.TickNow()
	if atomic.LoadInt32(&poller.calls) != 1 {
		t.Errorf("poller.calls = %d, want 1", poller.calls)
	}
	if worker.LastTick().IsZero() {
		t.Error("LastTick should be set after TickNow")
	}
}
