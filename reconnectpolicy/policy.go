// Package reconnectpolicy decides how long to wait between repeated
// attempts: redials by a Connector and accept retries after listener errors.
package reconnectpolicy

import "time"

// Policy yields the delay before the next attempt.
// Policies are not safe for concurrent use; give each loop its own.
type Policy interface {
	// Next returns the wait before the next attempt, or false to give up.
	Next() (time.Duration, bool)

	// Reset is called after a successful attempt.
	Reset()
}

type Never struct{}

func (n Never) Next() (time.Duration, bool) { return 0, false }

func (n Never) Reset() {}

// Constant retries forever with the same delay.
type Constant struct {
	Duration time.Duration
}

func NewConstant(d time.Duration) Constant {
	return Constant{Duration: d}
}

func (c Constant) Next() (time.Duration, bool) { return c.Duration, true }

func (c Constant) Reset() {}

// Exponential doubles the delay from InitDuration up to MaxDuration.
// MaxRetry <= 0 retries forever.
type Exponential struct {
	retry   int
	current time.Duration

	InitDuration time.Duration
	MaxDuration  time.Duration
	MaxRetry     int
}

func NewExponential(init, max time.Duration, maxRetry int) *Exponential {
	return &Exponential{
		InitDuration: init,
		MaxDuration:  max,
		MaxRetry:     maxRetry,
	}
}

func (e *Exponential) Next() (time.Duration, bool) {
	e.retry++
	if e.MaxRetry > 0 && e.retry > e.MaxRetry {
		return 0, false
	}

	if e.current == 0 {
		e.current = e.InitDuration
	} else {
		e.current *= 2
	}
	if e.MaxDuration > 0 && e.current > e.MaxDuration {
		e.current = e.MaxDuration
	}

	return e.current, true
}

func (e *Exponential) Reset() {
	e.retry = 0
	e.current = 0
}
