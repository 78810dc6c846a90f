// Package netmon implements the network reachability prober (spec §4.L /
// §6 "Consumed network monitor"): a ticker-driven background probe that
// publishes a reactive bool plus change notifications, satisfying
// ttypes.NetworkMonitor. Grounded on internal/cache/manager.go's
// startCleanupRoutine ticker/stop-channel shape, generalized from a
// maintenance sweep into a reachability check that also reports edges.
package netmon

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 2 * time.Second
)

// Prober periodically dials target and reports whether the dial succeeded.
type Prober struct {
	target   string
	interval time.Duration
	timeout  time.Duration
	log      *log.Logger

	good    atomic.Bool
	changes chan bool

	ticker *time.Ticker
	stop   chan struct{}
}

// Config configures a Prober. Target defaults to the online repository's
// own host when empty (set by the orchestrator at wiring time); Interval
// and Timeout fall back to sensible defaults when zero.
type Config struct {
	Target   string
	Interval time.Duration
	Timeout  time.Duration
}

// New constructs and starts a Prober. Its initial state is assumed good
// until the first probe completes, so a fresh orchestrator doesn't start
// every session believing the network is down.
func New(cfg Config, logger *log.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	p := &Prober{
		target:   cfg.Target,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		log:      logger,
		changes:  make(chan bool, 1),
		stop:     make(chan struct{}),
	}
	p.good.Store(true)
	p.ticker = time.NewTicker(p.interval)
	go p.run()
	return p
}

func (p *Prober) run() {
	for {
		select {
		case <-p.ticker.C:
			p.probeOnce()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) probeOnce() {
	ok := p.dial()
	if ok != p.good.Swap(ok) {
		p.log.Debug("network reachability changed", "good", ok)
		select {
		case p.changes <- ok:
		default:
			// A prior edge is still unread; conflate since only the latest
			// value matters to a debouncing consumer.
			select {
			case <-p.changes:
			default:
			}
			p.changes <- ok
		}
	}
}

func (p *Prober) dial() bool {
	if p.target == "" {
		return true
	}
	conn, err := net.DialTimeout("tcp", p.target, p.timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// IsGood reports the most recently observed reachability state.
func (p *Prober) IsGood() bool { return p.good.Load() }

// Changes returns a channel that receives the new value on every edge.
func (p *Prober) Changes() <-chan bool { return p.changes }

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.ticker.Stop()
}
