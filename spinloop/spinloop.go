// Package spinloop implements a cooperative spin-poll primitive, for waiting
// on conditions that are progressed by an external, asynchronous actor, which
// provides no means of notification (e.g. a device writing to memory).
//
// Callers attempt a non-blocking action, call Loop.Spin, and retry. Loops are
// unbounded: Spin never fails. Instead, a warning is logged (rate limited, per
// description) every Config.WarnAfter, while the loop continues to spin.
package spinloop

import (
	"runtime"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultSpinBudget is the default value for Config.SpinBudget.
	DefaultSpinBudget = 64
	// DefaultMinBackoff is the default value for Config.MinBackoff.
	DefaultMinBackoff = time.Microsecond
	// DefaultMaxBackoff is the default value for Config.MaxBackoff.
	DefaultMaxBackoff = time.Millisecond
	// DefaultWarnAfter is the default value for Config.WarnAfter.
	DefaultWarnAfter = 10 * time.Second
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// Logger receives warnings about loops that have been spinning for a
		// long time. It may be nil.
		Logger *logiface.Logger[logiface.Event]

		// Description identifies what is being waited on, and is used as the
		// rate limiting category, for warnings.
		Description string

		// SpinBudget is the number of iterations that only yield the
		// processor, before the loop starts sleeping.
		// Defaults to DefaultSpinBudget, if 0.
		SpinBudget int

		// MinBackoff is the first sleep duration, after the spin budget is
		// exhausted. It doubles every iteration, up to MaxBackoff.
		// Defaults to DefaultMinBackoff, if 0.
		MinBackoff time.Duration

		// MaxBackoff caps the sleep duration.
		// Defaults to DefaultMaxBackoff, if 0.
		MaxBackoff time.Duration

		// WarnAfter is the interval between "still waiting" warnings. Setting
		// this to a value < 0 disables warnings.
		// Defaults to DefaultWarnAfter, if 0.
		WarnAfter time.Duration
	}

	// Loop is the state of one wait, and must not be shared between
	// goroutines, or reused for another wait. Instances must be initialized
	// using New.
	Loop struct {
		logger      *logiface.Logger[logiface.Event]
		description string
		spinBudget  int
		minBackoff  time.Duration
		maxBackoff  time.Duration
		warnAfter   time.Duration
		backoff     time.Duration
		start       time.Time
		lastWarn    time.Time
		count       int
	}
)

var (
	// for testing purposes
	timeNow   = time.Now
	timeSleep = time.Sleep
	// warnings are limited per description, so one stuck device doesn't
	// flood the log, via many concurrent waiters
	warnLimiter = catrate.NewLimiter(map[time.Duration]int{
		time.Minute: 6,
	})
)

// New initializes a Loop, the cfg parameter is optional.
func New(cfg *Config) *Loop {
	x := Loop{
		spinBudget: DefaultSpinBudget,
		minBackoff: DefaultMinBackoff,
		maxBackoff: DefaultMaxBackoff,
		warnAfter:  DefaultWarnAfter,
	}
	if cfg != nil {
		x.logger = cfg.Logger
		x.description = cfg.Description
		if cfg.SpinBudget != 0 {
			x.spinBudget = cfg.SpinBudget
		}
		if cfg.MinBackoff != 0 {
			x.minBackoff = cfg.MinBackoff
		}
		if cfg.MaxBackoff != 0 {
			x.maxBackoff = cfg.MaxBackoff
		}
		if cfg.WarnAfter != 0 {
			x.warnAfter = cfg.WarnAfter
		}
	}
	if x.maxBackoff < x.minBackoff {
		x.maxBackoff = x.minBackoff
	}
	x.start = timeNow()
	x.lastWarn = x.start
	return &x
}

// Spin waits briefly. It yields the processor for the first SpinBudget calls,
// then sleeps, with exponential backoff.
func (x *Loop) Spin() {
	x.count++

	if x.count <= x.spinBudget {
		runtime.Gosched()
	} else {
		if x.backoff == 0 {
			x.backoff = x.minBackoff
		} else if x.backoff < x.maxBackoff {
			x.backoff *= 2
			if x.backoff > x.maxBackoff {
				x.backoff = x.maxBackoff
			}
		}
		timeSleep(x.backoff)
	}

	if x.warnAfter > 0 {
		if now := timeNow(); now.Sub(x.lastWarn) >= x.warnAfter {
			x.lastWarn = now
			x.warn(now)
		}
	}
}

// Count returns the number of calls to Spin.
func (x *Loop) Count() int { return x.count }

// Elapsed returns the time since New.
func (x *Loop) Elapsed() time.Duration { return timeNow().Sub(x.start) }

func (x *Loop) warn(now time.Time) {
	b := x.logger.Warning()
	if !b.Enabled() {
		b.Release()
		return
	}
	if _, ok := warnLimiter.Allow(x.description); !ok {
		b.Release()
		return
	}
	b.Str(`waiting_for`, x.description).
		Dur(`elapsed`, now.Sub(x.start)).
		Int(`iterations`, x.count).
		Log(`still spinning`)
}
