// Package strategy implements the strategy manager (spec §4.C): an enum
// of backend preference plus the reactive network-good bit, reduced to a
// pure, thread-safe desired-mode function.
package strategy

import (
	"sync/atomic"

	"github.com/dgnsrekt/vox/internal/ttypes"
)

// Manager holds the current Strategy and the latest network-good signal.
type Manager struct {
	strategy    atomic.Int32
	networkGood atomic.Bool
}

// New constructs a Manager with the given initial strategy.
func New(initial ttypes.Strategy) *Manager {
	m := &Manager{}
	m.strategy.Store(int32(initial))
	return m
}

// SetStrategy updates the strategy. Does not itself trigger a restart; the
// command actor decides whether one is needed.
func (m *Manager) SetStrategy(s ttypes.Strategy) {
	m.strategy.Store(int32(s))
}

// Strategy returns the current strategy.
func (m *Manager) Strategy() ttypes.Strategy {
	return ttypes.Strategy(m.strategy.Load())
}

// SetNetworkGood updates the network-good signal (fed by the network
// watcher/prober, spec §4.H).
func (m *Manager) SetNetworkGood(good bool) {
	m.networkGood.Store(good)
}

// NetworkGood reports the latest network-good signal.
func (m *Manager) NetworkGood() bool {
	return m.networkGood.Load()
}

// DesiredMode derives the mode the synthesis loop should attempt next, from
// the current strategy and network-good signal. Pure given its two inputs.
func (m *Manager) DesiredMode() ttypes.Mode {
	return DesiredMode(m.Strategy(), m.NetworkGood())
}

// DesiredMode is the pure function spec §4.C names directly, exposed for
// callers (tests, the synthesis loop) that already have both inputs.
func DesiredMode(s ttypes.Strategy, networkGood bool) ttypes.Mode {
	switch s {
	case ttypes.OfflineOnly:
		return ttypes.ModeOffline
	case ttypes.OnlineOnly:
		return ttypes.ModeOnline
	case ttypes.OnlinePreferred:
		if networkGood {
			return ttypes.ModeOnline
		}
		return ttypes.ModeOffline
	default:
		return ttypes.ModeOffline
	}
}
