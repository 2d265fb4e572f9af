package comms

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type watchdogState int

const (
	watchdogHealthy watchdogState = iota
	watchdogAwaitingPong
)

func (s watchdogState) String() string {
	if s == watchdogAwaitingPong {
		return "awaiting_pong"
	}
	return "healthy"
}

// probeTarget is the view of a live link the watchdog works on.
type probeTarget interface {
	lastSeen() time.Time
	probe()
	expire()
}

// watchdog checks a link every timeout/3. One stale window sends a ping,
// a second consecutive stale window tears the link down.
type watchdog struct {
	target   probeTarget
	clk      clock.Clock
	timeout  time.Duration
	interval time.Duration
	state    watchdogState
	log      *zap.Logger
}

func newWatchdog(target probeTarget, clk clock.Clock, timeout time.Duration, log *zap.Logger) *watchdog {
	interval := timeout / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &watchdog{
		target:   target,
		clk:      clk,
		timeout:  timeout,
		interval: interval,
		log:      log.Named("watchdog"),
	}
}

// run ticks until done is closed or the link is expired.
func (w *watchdog) run(done <-chan struct{}) {
	t := w.clk.Ticker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if !w.check() {
				return
			}
		}
	}
}

// check evaluates one interval and reports whether the link is still
// considered alive.
func (w *watchdog) check() bool {
	elapsed := w.clk.Since(w.target.lastSeen())
	if elapsed <= w.timeout {
		w.state = watchdogHealthy
		return true
	}
	if w.state == watchdogHealthy {
		w.log.Debug("no activity, probing", zap.Duration("elapsed", elapsed), zap.Duration("timeout", w.timeout))
		w.state = watchdogAwaitingPong
		w.target.probe()
		return true
	}
	w.log.Info("ping unanswered, closing link", zap.Duration("elapsed", elapsed))
	w.target.expire()
	w.state = watchdogHealthy
	return false
}
