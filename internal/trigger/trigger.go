// Package trigger implements the single-threaded cooperative event loop
// described in spec §4.3: one Tick drains the filesystem-event monitor,
// enqueues rename candidates, runs the rename processor, and dispatches
// coalesced merge-scan requests.
package trigger

import (
	"sort"
	"sync"
	"time"

	"github.com/ssmcore/mangamerged/internal/fswatch"
	"github.com/ssmcore/mangamerged/internal/logging"
	"github.com/ssmcore/mangamerged/internal/scanqueue"
)

var log = logging.New("trigger")

// PathKind classifies one event's path for the purposes of step 2 of Tick.
type PathKind int

const (
	// Unrelated paths are ignored.
	Unrelated PathKind = iota
	// Chapter paths are enqueued directly onto the rename queue.
	Chapter
	// Ancestor paths (a source-root or manga-root) trigger a bounded
	// enumeration of descendant candidates.
	Ancestor
)

// Classifier decides what kind of path one filesystem event refers to.
type Classifier interface {
	Classify(path string) PathKind
}

// Enumerator performs the bounded descendant enumeration for an Ancestor
// event, returning candidate chapter paths.
type Enumerator interface {
	EnumerateDescendants(path string) ([]string, error)
}

// RenameEntry is one chapter-rename queue entry: path plus enqueue time.
type RenameEntry struct {
	Path       string
	EnqueuedAt time.Time
}

// RenameProcessor runs one pass over the pending rename queue and returns
// the entries that remain unprocessed.
type RenameProcessor interface {
	Process(pending []RenameEntry) (remaining []RenameEntry)
}

// Poller is satisfied by *fswatch.Monitor; declared as an interface here so
// tests can substitute a fake without spawning real processes.
type Poller interface {
	Poll(watchRoots []string, timeout time.Duration, cancel <-chan struct{}) fswatch.PollResult
}

// MergeHandler runs one merge pass and returns its outcome.
type MergeHandler func(scanqueue.Request) scanqueue.DispatchOutcome

// Config tunes Pipeline cadence (spec §4.3, mirrors config.ScanConfig).
type Config struct {
	WatchRoots            []string
	PollTimeout           time.Duration
	RescanInterval        time.Duration
	MergeInterval         time.Duration
	LockRetryInterval     time.Duration
	MinSpacing            time.Duration
	ScanOnStartup         bool
}

// Pipeline is the single cooperative Tick loop.
type Pipeline struct {
	cfg Config

	poller     Poller
	classifier Classifier
	enumerator Enumerator
	renamer    RenameProcessor
	mergeFn    MergeHandler
	coalescer  *scanqueue.Coalescer

	mu               sync.Mutex
	renameQueue      []RenameEntry
	renameQueued     map[string]bool
	firstTick        bool
	lastRescan       time.Time
	lastMergeDispatch time.Time
	busyRetryAfter   time.Time
}

// New constructs a Pipeline. now is the construction time and seeds the
// periodic-rescan clock. The last merge dispatch starts unset, so a first
// tick without events requests "startup" when ScanOnStartup is set, and
// otherwise "timer" when MergeInterval > 0.
func New(cfg Config, poller Poller, classifier Classifier, enumerator Enumerator, renamer RenameProcessor, mergeFn MergeHandler, now time.Time) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		poller:       poller,
		classifier:   classifier,
		enumerator:   enumerator,
		renamer:      renamer,
		mergeFn:      mergeFn,
		coalescer:    scanqueue.New(),
		renameQueued: make(map[string]bool),
		firstTick:    true,
		lastRescan:   now,
	}
}

func (p *Pipeline) enqueueRename(path string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.renameQueued[path] {
		return
	}
	p.renameQueued[path] = true
	p.renameQueue = append(p.renameQueue, RenameEntry{Path: path, EnqueuedAt: now})
}

// Tick runs one iteration of the cooperative loop.
func (p *Pipeline) Tick(now time.Time, cancel <-chan struct{}) {
	poll := p.poller.Poll(p.cfg.WatchRoots, p.cfg.PollTimeout, cancel)

	for _, ev := range poll.Events {
		switch p.classifier.Classify(ev.Path) {
		case Chapter:
			p.enqueueRename(ev.Path, now)
		case Ancestor:
			descendants, err := p.enumerator.EnumerateDescendants(ev.Path)
			if err != nil {
				log.Warnf("trigger.enumeration.failed", "path=%q err=%v", ev.Path, err)
				continue
			}
			for _, d := range descendants {
				if p.classifier.Classify(d) == Chapter {
					p.enqueueRename(d, now)
				}
			}
		}
	}

	p.mu.Lock()
	pending := p.renameQueue
	p.renameQueue = nil
	p.renameQueued = make(map[string]bool)
	p.mu.Unlock()

	if len(pending) > 0 {
		sort.Slice(pending, func(i, j int) bool { return pending[i].Path < pending[j].Path })
		remaining := p.renamer.Process(pending)
		p.mu.Lock()
		for _, r := range remaining {
			if !p.renameQueued[r.Path] {
				p.renameQueued[r.Path] = true
				p.renameQueue = append(p.renameQueue, r)
			}
		}
		p.mu.Unlock()
	}

	if p.cfg.RescanInterval > 0 && now.Sub(p.lastRescan) >= p.cfg.RescanInterval {
		p.lastRescan = now
		if descendants, err := p.enumerator.EnumerateDescendants(""); err == nil {
			for _, d := range descendants {
				if p.classifier.Classify(d) == Chapter {
					p.enqueueRename(d, now)
				}
			}
		} else {
			log.Warnf("trigger.rescan.failed", "err=%v", err)
		}
	}

	materialEvent := len(poll.Events) > 0
	switch {
	case materialEvent:
		p.coalescer.RequestScan("inotify-event", false)
	case p.firstTick && p.cfg.ScanOnStartup:
		p.coalescer.RequestScan("startup", false)
	case p.cfg.MergeInterval > 0 && now.Sub(p.lastMergeDispatch) >= p.cfg.MergeInterval:
		p.coalescer.RequestScan("timer", false)
	}
	p.firstTick = false

	if !p.busyRetryAfter.IsZero() && now.Before(p.busyRetryAfter) {
		return
	}
	if now.Sub(p.lastMergeDispatch) < p.cfg.MinSpacing {
		return
	}

	outcome := p.coalescer.DispatchPending(p.mergeFn)
	switch outcome {
	case scanqueue.NoPendingRequest:
		return
	case scanqueue.Busy:
		p.busyRetryAfter = now.Add(p.cfg.LockRetryInterval)
		return
	default:
		p.lastMergeDispatch = now
		p.busyRetryAfter = time.Time{}
	}
}
