package trigger

import (
	"strings"
	"testing"
	"time"

	"github.com/ssmcore/mangamerged/internal/fswatch"
	"github.com/ssmcore/mangamerged/internal/scanqueue"
)

type fakePoller struct {
	results []fswatch.PollResult
	calls   int
}

func (f *fakePoller) Poll(watchRoots []string, timeout time.Duration, cancel <-chan struct{}) fswatch.PollResult {
	defer func() { f.calls++ }()
	if f.calls < len(f.results) {
		return f.results[f.calls]
	}
	return fswatch.PollResult{Outcome: fswatch.TimedOut}
}

type classifierFunc func(string) PathKind

func (f classifierFunc) Classify(path string) PathKind { return f(path) }

func chapterIfContains(marker string) Classifier {
	return classifierFunc(func(path string) PathKind {
		if strings.Contains(path, marker) {
			return Chapter
		}
		if strings.HasSuffix(path, "/ancestor") {
			return Ancestor
		}
		return Unrelated
	})
}

type fakeEnumerator struct {
	descendants map[string][]string
}

func (f *fakeEnumerator) EnumerateDescendants(path string) ([]string, error) {
	return f.descendants[path], nil
}

type recordingRenamer struct {
	seen [][]RenameEntry
}

func (r *recordingRenamer) Process(pending []RenameEntry) []RenameEntry {
	r.seen = append(r.seen, pending)
	return nil
}

func baseConfig() Config {
	return Config{
		WatchRoots:        []string{"/sources"},
		PollTimeout:       time.Millisecond,
		RescanInterval:    time.Hour,
		MergeInterval:     time.Hour,
		LockRetryInterval: time.Second,
		MinSpacing:        0,
	}
}

func TestTickEnqueuesChapterEventsAndDispatchesMerge(t *testing.T) {
	t.Parallel()
	poller := &fakePoller{results: []fswatch.PollResult{
		{Outcome: fswatch.Success, Events: []fswatch.Event{{Path: "/sources/vol1/src/Title/chapter", Mask: "CREATE"}}},
	}}
	renamer := &recordingRenamer{}
	var dispatched []scanqueue.Request
	mergeFn := func(req scanqueue.Request) scanqueue.DispatchOutcome {
		dispatched = append(dispatched, req)
		return scanqueue.Success
	}

	p := New(baseConfig(), poller, chapterIfContains("chapter"), &fakeEnumerator{}, renamer, mergeFn, time.Unix(0, 0))
	p.Tick(time.Unix(100, 0), nil)

	if len(renamer.seen) != 1 || len(renamer.seen[0]) != 1 {
		t.Fatalf("renamer.seen = %v, want one pass with one entry", renamer.seen)
	}
	if len(dispatched) != 1 || dispatched[0].Reason != "inotify-event" {
		t.Fatalf("dispatched = %v, want one inotify-event request", dispatched)
	}
}

func TestTickExpandsAncestorEventsViaEnumerator(t *testing.T) {
	t.Parallel()
	poller := &fakePoller{results: []fswatch.PollResult{
		{Outcome: fswatch.Success, Events: []fswatch.Event{{Path: "/sources/ancestor", Mask: "CREATE"}}},
	}}
	enumerator := &fakeEnumerator{descendants: map[string][]string{
		"/sources/ancestor": {"/sources/vol1/src/Title/chapter1", "/sources/vol1/src/Title/unrelated"},
	}}
	renamer := &recordingRenamer{}
	mergeFn := func(scanqueue.Request) scanqueue.DispatchOutcome { return scanqueue.Success }

	p := New(baseConfig(), poller, chapterIfContains("chapter"), enumerator, renamer, mergeFn, time.Unix(0, 0))
	p.Tick(time.Unix(100, 0), nil)

	if len(renamer.seen[0]) != 1 {
		t.Fatalf("renamer.seen[0] = %v, want exactly the one chapter-classified descendant", renamer.seen[0])
	}
	if renamer.seen[0][0].Path != "/sources/vol1/src/Title/chapter1" {
		t.Errorf("renamer.seen[0][0].Path = %q", renamer.seen[0][0].Path)
	}
}

func TestTickDispatchesTimerReasonWhenIntervalElapsed(t *testing.T) {
	t.Parallel()
	poller := &fakePoller{} // always TimedOut, no events
	renamer := &recordingRenamer{}
	var dispatched []scanqueue.Request
	mergeFn := func(req scanqueue.Request) scanqueue.DispatchOutcome {
		dispatched = append(dispatched, req)
		return scanqueue.Success
	}

	cfg := baseConfig()
	cfg.MergeInterval = time.Minute
	start := time.Unix(1000, 0)
	p := New(cfg, poller, chapterIfContains("chapter"), &fakeEnumerator{}, renamer, mergeFn, start)
	p.lastMergeDispatch = start

	p.Tick(start.Add(2*time.Minute), nil)

	if len(dispatched) != 1 || dispatched[0].Reason != "timer" {
		t.Fatalf("dispatched = %v, want one timer request", dispatched)
	}
}

func TestTickStartupScanOnlyOnFirstTick(t *testing.T) {
	t.Parallel()
	poller := &fakePoller{}
	renamer := &recordingRenamer{}
	var dispatched []scanqueue.Request
	mergeFn := func(req scanqueue.Request) scanqueue.DispatchOutcome {
		dispatched = append(dispatched, req)
		return scanqueue.Success
	}

	cfg := baseConfig()
	cfg.ScanOnStartup = true
	now := time.Unix(0, 0)
	p := New(cfg, poller, chapterIfContains("chapter"), &fakeEnumerator{}, renamer, mergeFn, now)

	p.Tick(now, nil)
	if len(dispatched) != 1 || dispatched[0].Reason != "startup" {
		t.Fatalf("first tick dispatched = %v, want one startup request", dispatched)
	}

	p.Tick(now.Add(time.Second), nil)
	if len(dispatched) != 1 {
		t.Fatalf("second tick should not dispatch another startup request, got %v", dispatched)
	}
}

func TestTickRetriesAfterBusyUsingLockRetryInterval(t *testing.T) {
	t.Parallel()
	poller := &fakePoller{}
	renamer := &recordingRenamer{}
	calls := 0
	mergeFn := func(req scanqueue.Request) scanqueue.DispatchOutcome {
		calls++
		if calls == 1 {
			return scanqueue.Busy
		}
		return scanqueue.Success
	}

	cfg := baseConfig()
	cfg.MergeInterval = 0 // always material via timer path disabled; force via startup
	cfg.ScanOnStartup = true
	cfg.LockRetryInterval = 30 * time.Second
	start := time.Unix(0, 0)
	p := New(cfg, poller, chapterIfContains("chapter"), &fakeEnumerator{}, renamer, mergeFn, start)

	p.Tick(start, nil) // dispatches startup request -> Busy
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 after first tick", calls)
	}

	// Immediately retrying (before lock-retry interval elapses) should not
	// call the handler again, since nothing new is pending and we're still
	// within the busy-retry cooldown.
	p.Tick(start.Add(time.Second), nil)
	if calls != 1 {
		t.Fatalf("calls = %d, want still 1 within busy-retry cooldown", calls)
	}
}
