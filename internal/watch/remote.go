package watch

import (
	"context"
	"strings"
	"sync"
	"time"

	"fieldexec/internal/lifecycle"
	"fieldexec/internal/logger"
	"fieldexec/internal/projects"
	"fieldexec/internal/remote"
)

// DebounceInterval coalesces bursts of restart triggers into one tail
// restart.
const DebounceInterval = 250 * time.Millisecond

// RemoteWatcher follows the remote event log with tail -F and fires the
// callback on every projects update line. The tail is restarted when the app
// returns to the foreground and whenever the stream ends while foregrounded.
//
// Restarts are debounced into a single pending slot, and every asynchronous
// step carries the generation current when it was scheduled: a step whose
// generation is no longer current stops silently, so a stale restart can
// never resurrect a tail that a newer restart or a cancel already replaced.
type RemoteWatcher struct {
	svc      *remote.Service
	target   remote.Target
	baseName string
	opts     remote.Options
	signal   *lifecycle.Signal
	onChange func()
	debounce time.Duration

	mu          sync.Mutex
	generation  uint64
	pending     *time.Timer
	proc        *remote.StreamingProcess
	cancelled   bool
	unsubscribe func()
}

func NewRemoteWatcher(svc *remote.Service, target remote.Target, baseName string, opts remote.Options, signal *lifecycle.Signal, onChange func()) *RemoteWatcher {
	if baseName == "" {
		baseName = projects.DefaultBaseDirName
	}
	return &RemoteWatcher{
		svc:      svc,
		target:   target,
		baseName: baseName,
		opts:     opts,
		signal:   signal,
		onChange: onChange,
		debounce: DebounceInterval,
	}
}

// Start subscribes to lifecycle transitions and, when currently
// foregrounded, schedules the first tail.
func (w *RemoteWatcher) Start() {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.unsubscribe = w.signal.Subscribe(w.onLifecycle)
	w.mu.Unlock()

	if w.signal.Current() == lifecycle.StateForeground {
		w.ScheduleRestart()
	}
}

func (w *RemoteWatcher) onLifecycle(state lifecycle.State) {
	if state == lifecycle.StateForeground {
		w.ScheduleRestart()
		return
	}
	w.stopTail()
}

// ScheduleRestart requests a (re)start of the tail after the debounce
// interval. A request arriving while one is already pending replaces it, so
// a burst collapses into one restart.
func (w *RemoteWatcher) ScheduleRestart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return
	}

	w.generation++
	gen := w.generation

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		w.restart(gen)
	})
}

// restart tears down the previous tail and opens a new one. Every resumption
// after a blocking step re-checks the generation before touching state.
func (w *RemoteWatcher) restart(gen uint64) {
	if w.signal.Current() != lifecycle.StateForeground {
		return
	}

	w.mu.Lock()
	if w.cancelled || gen != w.generation {
		w.mu.Unlock()
		return
	}
	prev := w.proc
	w.proc = nil
	w.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	ctx := context.Background()
	w.ensureEventLog(ctx)

	script, err := projects.RenderTailEventsScript(w.baseName)
	if err != nil {
		logger.Error("Failed to render tail script: %v", err)
		return
	}
	proc, err := w.svc.StartStreaming(ctx, w.target, script, "", w.opts)
	if err != nil {
		logger.Warn("Failed to start remote projects tail: %v", err)
		w.rescheduleIfCurrent(gen)
		return
	}

	w.mu.Lock()
	if w.cancelled || gen != w.generation {
		w.mu.Unlock()
		proc.Cancel()
		return
	}
	w.proc = proc
	w.mu.Unlock()

	go w.pump(proc, gen)
}

// ensureEventLog creates the remote base directory and event log up front so
// tail has a file to follow. Best-effort: tail itself touches the file too.
func (w *RemoteWatcher) ensureEventLog(ctx context.Context) {
	script, err := projects.RenderEnsureEventsScript(w.baseName)
	if err != nil {
		logger.Error("Failed to render ensure script: %v", err)
		return
	}
	if _, err := w.svc.RunToCompletion(ctx, w.target, script, "", w.opts); err != nil {
		logger.Debug("Remote event log bootstrap failed: %v", err)
	}
}

// pump forwards update lines to the callback until the stream ends, then
// reschedules if this tail is still the current one and the app is
// foregrounded.
func (w *RemoteWatcher) pump(proc *remote.StreamingProcess, gen uint64) {
	for line := range proc.Stdout() {
		if !strings.Contains(line, projects.EventProjectsUpdated) {
			continue
		}
		if !w.isCurrent(gen) {
			return
		}
		w.onChange()
	}

	<-proc.Done()
	if !w.isCurrent(gen) {
		return
	}
	if err := proc.Err(); err != nil {
		logger.Debug("Remote projects tail ended: %v", err)
	}
	if w.signal.Current() == lifecycle.StateForeground {
		w.ScheduleRestart()
	}
}

func (w *RemoteWatcher) isCurrent(gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.cancelled && gen == w.generation
}

func (w *RemoteWatcher) rescheduleIfCurrent(gen uint64) {
	if w.isCurrent(gen) && w.signal.Current() == lifecycle.StateForeground {
		w.ScheduleRestart()
	}
}

// stopTail bumps the generation to fence in-flight restarts, drops any
// pending timer and tears the active tail down.
func (w *RemoteWatcher) stopTail() {
	w.mu.Lock()
	w.generation++
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	proc := w.proc
	w.proc = nil
	w.mu.Unlock()

	if proc != nil {
		proc.Cancel()
	}
}

// Cancel permanently stops the watcher. Safe to call more than once.
func (w *RemoteWatcher) Cancel() {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	w.generation++
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	proc := w.proc
	w.proc = nil
	unsubscribe := w.unsubscribe
	w.mu.Unlock()

	if proc != nil {
		proc.Cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
}
