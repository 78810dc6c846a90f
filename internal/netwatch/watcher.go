// Package netwatch implements the network watcher / upgrade orchestrator
// (spec §4.H): it observes the network monitor's good/bad edges and, on a
// stabilized false→true transition under OnlinePreferred, triggers the
// command actor's soft upgrade. Grounded on ui/pager.go's fsnotify-driven
// debounce pattern (reset a single-shot timer on every new event; act only
// once it actually fires), generalized from filesystem-change events to a
// reachability signal's edges.
package netwatch

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/vox/internal/strategy"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

const stabilizationWindow = 600 * time.Millisecond

// Upgrader is the subset of the command actor the watcher drives.
// TriggerUpgrade blocks until the actor has launched the new loop
// generation, which is what makes the watcher's "upgrade in progress"
// guard meaningful instead of racing the command queue.
type Upgrader interface {
	TriggerUpgrade() error
}

// Watcher observes a ttypes.NetworkMonitor and debounces its false→true
// edges before calling Upgrader.TriggerUpgrade.
type Watcher struct {
	monitor  ttypes.NetworkMonitor
	strategy *strategy.Manager
	actor    Upgrader
	log      *log.Logger

	mu         sync.Mutex
	upgrading  bool
	timer      *time.Timer
	stabilized chan struct{}

	stop chan struct{}
	done chan struct{}
}

// New constructs a Watcher. Call Start to launch its observing goroutine.
func New(monitor ttypes.NetworkMonitor, strat *strategy.Manager, actor Upgrader, logger *log.Logger) *Watcher {
	return &Watcher{
		monitor:  monitor,
		strategy: strat,
		actor:    actor,
		log:      logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the watcher goroutine. Call Close to stop it.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case good, ok := <-w.monitor.Changes():
			if !ok {
				return
			}
			w.strategy.SetNetworkGood(good)
			if good {
				w.onGoodEdge()
			} else {
				w.cancelPendingStabilization()
			}
		case <-w.stop:
			w.cancelPendingStabilization()
			return
		}
	}
}

// onGoodEdge implements spec §4.H's "On a false → true edge: wait a
// stabilization window; if it flapped back to false, abandon; if an
// upgrade is already in progress, skip; otherwise trigger it."
func (w *Watcher) onGoodEdge() {
	w.mu.Lock()
	if w.upgrading {
		w.mu.Unlock()
		w.log.Debug("upgrade already in progress, skipping new edge")
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	stabilized := make(chan struct{})
	w.stabilized = stabilized
	w.timer = time.AfterFunc(stabilizationWindow, func() {
		w.fireIfStillGood(stabilized)
	})
	w.mu.Unlock()
}

func (w *Watcher) cancelPendingStabilization() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.stabilized = nil
}

// fireIfStillGood runs once the stabilization timer actually expires. It
// only proceeds if this is still the timer that was armed (a later edge
// replaces w.stabilized, which makes the check below fail for a stale
// timer) and the network is currently OnlinePreferred — the strategy may
// have changed while the timer was pending.
func (w *Watcher) fireIfStillGood(token chan struct{}) {
	w.mu.Lock()
	if w.stabilized != token {
		w.mu.Unlock()
		return
	}
	w.stabilized = nil
	w.timer = nil
	if !w.strategy.NetworkGood() {
		w.mu.Unlock()
		w.log.Debug("network flapped back to bad before stabilization, abandoning upgrade")
		return
	}
	if w.strategy.Strategy() != ttypes.OnlinePreferred {
		w.mu.Unlock()
		return
	}
	w.upgrading = true
	w.mu.Unlock()

	w.log.Info("network stabilized, triggering upgrade")
	if err := w.actor.TriggerUpgrade(); err != nil {
		w.log.Warn("upgrade trigger failed", "err", err)
	}

	w.mu.Lock()
	w.upgrading = false
	w.mu.Unlock()
}

// Close stops the watcher goroutine and waits for it to exit.
func (w *Watcher) Close() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}
