// Package daemon wraps the trigger pipeline in the background worker
// lifecycle (§4.16): a ticked Start/Stop loop that drives one
// trigger.Pipeline.Tick per interval until asked to stop.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/ssmcore/mangamerged/internal/logging"
	"github.com/ssmcore/mangamerged/internal/trigger"
)

var log = logging.New("daemon")

// Config tunes the worker's tick cadence.
type Config struct {
	// TickInterval is the period between trigger.Pipeline.Tick calls.
	TickInterval time.Duration
}

// DefaultConfig returns the baseline tick cadence.
func DefaultConfig() Config {
	return Config{TickInterval: 5 * time.Second}
}

// Worker runs the trigger pipeline's Tick loop in the background.
type Worker struct {
	pipeline *trigger.Pipeline
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.RWMutex
	running  bool
	lastTick time.Time
}

// NewWorker builds a Worker around an already-constructed pipeline.
func NewWorker(pipeline *trigger.Pipeline, cfg Config) *Worker {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	return &Worker{
		pipeline: pipeline,
		interval: cfg.TickInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background tick loop. A second call while already
// running is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop signals the tick loop to exit and blocks until it has.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
}

// Running reports whether the tick loop is currently active.
func (w *Worker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// LastTick returns the time of the most recently completed Tick call.
func (w *Worker) LastTick() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastTick
}

// TickNow runs one Tick cycle immediately, outside the ticker cadence —
// used by the CLI's --dry-run / one-shot invocation path.
func (w *Worker) TickNow() {
	w.tick()
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	w.tick()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Worker) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("daemon.tick.panic", "recovered: %v", r)
		}
	}()

	w.pipeline.Tick(time.Now(), w.stopCh)

	w.mu.Lock()
	w.lastTick = time.Now()
	w.mu.Unlock()
}
