package capture

import (
	"runtime"
	"time"

	"reelcast/internal/lifecycle"
)

// pacer schedules slot n at start + n*interval. A late frame is delivered
// immediately; lag of a full interval or more skips the missed slots rather
// than bursting to catch up, so timestamps stay monotonic and evenly spaced.
type pacer struct {
	interval time.Duration
	sig      *lifecycle.Signal

	// epoch, when set, is the zero of the returned timestamps; otherwise
	// the first slot is.
	epoch   time.Time
	base    time.Duration
	start   time.Time
	n       int64
	started bool
	missed  uint64

	now   func() time.Time
	sleep func(sig *lifecycle.Signal, d time.Duration) bool
	// spin is the window before the target that is busy-waited instead of slept.
	spin time.Duration
}

func newPacer(fps int, sig *lifecycle.Signal) *pacer {
	return &pacer{
		interval: time.Second / time.Duration(fps),
		sig:      sig,
		now:      time.Now,
		sleep:    func(sig *lifecycle.Signal, d time.Duration) bool { return sig.Sleep(d) },
		spin:     time.Millisecond,
	}
}

// Wait blocks until the next slot and returns its offset from the epoch
// and how many slots were skipped. ok is false once cancelled.
func (p *pacer) Wait() (ts time.Duration, skipped int, ok bool) {
	if !p.started {
		p.started = true
		p.start = p.now()
		if !p.epoch.IsZero() && p.start.After(p.epoch) {
			p.base = p.start.Sub(p.epoch)
		}
		return p.base, 0, !p.sig.Cancelled()
	}
	p.n++
	target := p.start.Add(time.Duration(p.n) * p.interval)
	now := p.now()
	if lag := now.Sub(target); lag >= p.interval {
		skip := int64(lag / p.interval)
		p.n += skip
		p.missed += uint64(skip)
		skipped = int(skip)
		target = p.start.Add(time.Duration(p.n) * p.interval)
	}

	if d := target.Sub(now) - p.spin; d > 0 {
		if !p.sleep(p.sig, d) {
			return 0, skipped, false
		}
	}
	for p.now().Before(target) {
		if p.sig.Cancelled() {
			return 0, skipped, false
		}
		runtime.Gosched()
	}
	return p.base + time.Duration(p.n)*p.interval, skipped, true
}

func (p *pacer) Missed() uint64 { return p.missed }
