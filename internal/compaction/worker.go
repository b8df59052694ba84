package compaction

import (
	"sync"

	"go.uber.org/zap"

	"github.com/golsm/lsm/internal/manifest"
	"github.com/golsm/lsm/internal/sstable"
)

// Worker runs compaction on a dedicated goroutine fed by a small buffered
// trigger channel, keeping merge I/O off the write path. Every MANIFEST
// edit still goes through VersionSet.Apply, so writers and the worker
// never race on the catalog.
type Worker struct {
	vs    *manifest.VersionSet
	dir   string
	cache *sstable.OpenFileCache
	opts  Options
	log   *zap.SugaredLogger

	enabled bool
	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	// runMu serializes runUntilDry between the background loop and
	// CompactNow so two merges never race over the same picked files.
	runMu sync.Mutex
}

// NewWorker builds a worker. enabled mirrors enable_automatic_compaction:
// when false, Trigger is a no-op and only CompactNow (manual compact())
// drives compaction.
func NewWorker(vs *manifest.VersionSet, dir string, cache *sstable.OpenFileCache, opts Options, enabled bool, log *zap.SugaredLogger) *Worker {
	return &Worker{
		vs:      vs,
		dir:     dir,
		cache:   cache,
		opts:    opts,
		log:     log,
		enabled: enabled,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Start launches the background loop. No-op if automatic compaction is
// disabled.
func (w *Worker) Start() {
	if !w.enabled {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.trigger:
				if err := w.runUntilDry(); err != nil && w.log != nil {
					w.log.Errorw("compaction: background run failed", "error", err)
				}
			case <-w.stop:
				return
			}
		}
	}()
}

// Trigger asks the worker to check for pickable compactions soon. Safe to
// call from any goroutine; non-blocking. A no-op when automatic
// compaction is disabled — callers still have CompactNow for manual
// compaction.
func (w *Worker) Trigger() {
	if !w.enabled {
		return
	}
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// CompactNow runs compaction synchronously on the calling goroutine until
// no level satisfies its trigger. This is the engine's manual compact()
// entry point and works regardless of whether automatic compaction is
// enabled.
func (w *Worker) CompactNow() error {
	return w.runUntilDry()
}

func (w *Worker) runUntilDry() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	for {
		v := w.vs.Current()
		plan := Pick(v, w.opts)
		w.vs.Release(v)
		if plan == nil {
			return nil
		}
		if err := Run(w.vs, w.dir, w.cache, plan, w.opts, w.log); err != nil {
			return err
		}
	}
}

// Stop halts the background loop and waits for it to exit. Safe to call
// even if Start was never called (enabled == false).
func (w *Worker) Stop() {
	if !w.enabled {
		return
	}
	close(w.stop)
	w.wg.Wait()
}
