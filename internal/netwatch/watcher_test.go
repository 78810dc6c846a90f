package netwatch

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/vox/internal/strategy"
	"github.com/dgnsrekt/vox/internal/ttypes"
)

func testLogger() *log.Logger { return log.New(io.Discard) }

type fakeMonitor struct {
	mu      sync.Mutex
	good    bool
	changes chan bool
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{good: true, changes: make(chan bool, 4)}
}

func (m *fakeMonitor) IsGood() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.good
}
func (m *fakeMonitor) Changes() <-chan bool { return m.changes }
func (m *fakeMonitor) Close()               {}

func (m *fakeMonitor) send(good bool) {
	m.mu.Lock()
	m.good = good
	m.mu.Unlock()
	m.changes <- good
}

type fakeUpgrader struct {
	mu    sync.Mutex
	calls int
}

func (u *fakeUpgrader) TriggerUpgrade() error {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()
	return nil
}

func (u *fakeUpgrader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

func TestWatcherTriggersUpgradeAfterStableGoodEdge(t *testing.T) {
	mon := newFakeMonitor()
	mgr := strategy.New(ttypes.OnlinePreferred)
	up := &fakeUpgrader{}
	w := New(mon, mgr, up, testLogger())
	w.Start()
	defer w.Close()

	mon.send(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && up.count() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if up.count() != 1 {
		t.Fatalf("upgrade calls = %d, want 1", up.count())
	}
}

func TestWatcherAbandonsFlappedEdge(t *testing.T) {
	mon := newFakeMonitor()
	mgr := strategy.New(ttypes.OnlinePreferred)
	up := &fakeUpgrader{}
	w := New(mon, mgr, up, testLogger())
	w.Start()
	defer w.Close()

	mon.send(true)
	time.Sleep(50 * time.Millisecond) // well under the 600ms stabilization window
	mon.send(false)

	time.Sleep(900 * time.Millisecond)
	if up.count() != 0 {
		t.Fatalf("expected no upgrade after a flapped edge, got %d calls", up.count())
	}
}

func TestWatcherSkipsWhenStrategyNotOnlinePreferred(t *testing.T) {
	mon := newFakeMonitor()
	mgr := strategy.New(ttypes.OfflineOnly)
	up := &fakeUpgrader{}
	w := New(mon, mgr, up, testLogger())
	w.Start()
	defer w.Close()

	mon.send(true)
	time.Sleep(900 * time.Millisecond)
	if up.count() != 0 {
		t.Fatalf("expected no upgrade under OfflineOnly, got %d calls", up.count())
	}
}
