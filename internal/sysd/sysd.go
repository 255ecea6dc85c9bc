// Package sysd reports service state to systemd (Type=notify units).
// Without NOTIFY_SOCKET every call is a no-op.
package sysd

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "pacer/pkg/logx"
)

// NotifyFunc matches daemon.SdNotify.
type NotifyFunc func(unsetEnvironment bool, state string) (bool, error)

// Notifier sends READY/STOPPING/STATUS and keeps the watchdog fed while the
// scheduling loop keeps beating.
type Notifier struct {
	log      logx.Logger
	notify   NotifyFunc
	interval time.Duration
	// stallAfter is how long the loop may go without a Beat before the
	// watchdog is starved and systemd restarts the unit.
	stallAfter time.Duration
	now        func() time.Time

	lastBeat atomic.Int64
}

type Option func(*Notifier)

func WithLogger(log logx.Logger) Option { return func(n *Notifier) { n.log = log } }

func WithNotifyFunc(fn NotifyFunc) Option { return func(n *Notifier) { n.notify = fn } }

// WithWatchdogInterval overrides WATCHDOG_USEC detection.
func WithWatchdogInterval(d time.Duration) Option { return func(n *Notifier) { n.interval = d } }

func WithNow(fn func() time.Time) Option { return func(n *Notifier) { n.now = fn } }

// New builds a Notifier. stallAfter should exceed the longest scheduler
// sleep; 0 disables stall detection.
func New(stallAfter time.Duration, opts ...Option) *Notifier {
	n := &Notifier{
		log:        logx.Nop(),
		notify:     daemon.SdNotify,
		stallAfter: stallAfter,
		now:        time.Now,
	}
	if d, err := daemon.SdWatchdogEnabled(false); err == nil {
		n.interval = d
	}
	for _, o := range opts {
		o(n)
	}
	n.log = n.log.With(logx.String("comp", "sysd"))
	n.lastBeat.Store(n.now().UnixNano())
	return n
}

func (n *Notifier) send(state string) {
	ok, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

func (n *Notifier) Status(text string) { n.send("STATUS=" + text) }

// Beat marks the scheduling loop alive. It has the scheduler.Heartbeat shape.
func (n *Notifier) Beat(context.Context) { n.lastBeat.Store(n.now().UnixNano()) }

// Stalled reports whether the loop missed its beat window.
func (n *Notifier) Stalled() bool {
	if n.stallAfter <= 0 {
		return false
	}
	return n.now().Sub(time.Unix(0, n.lastBeat.Load())) > n.stallAfter
}

// WatchdogInterval is 0 when systemd did not enable the watchdog.
func (n *Notifier) WatchdogInterval() time.Duration { return n.interval }

// Run feeds the watchdog at half its interval until ctx is done. While the
// loop is stalled pings are withheld.
func (n *Notifier) Run(ctx context.Context) error {
	if n.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(n.interval / 2)
	defer t.Stop()
	warned := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n.Stalled() {
				if !warned {
					n.log.Error("scheduler loop stalled; withholding watchdog", logx.Duration("stall_after", n.stallAfter))
					warned = true
				}
				continue
			}
			warned = false
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
