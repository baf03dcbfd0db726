package session

import (
	"time"
)

// Sweeper invokes a maintenance func on a fixed period. It mirrors how the
// manager's sweeps are meant to run in production: one goroutine per
// concern, stoppable, with a zero period meaning "never".
type Sweeper struct {
	period time.Duration
	fn     func()
	done   chan struct{}
}

func NewSweeper(period time.Duration, fn func()) *Sweeper {
	return &Sweeper{
		period: period,
		fn:     fn,
		done:   make(chan struct{}),
	}
}

// Run blocks until Stop. Callers run it on its own goroutine.
func (s *Sweeper) Run() {
	if s.period == 0 {
		<-s.done
		return
	}
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.fn()
		}
	}
}

func (s *Sweeper) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
