package durable

import "time"

// Clock supplies the engine's notion of time and arms durable timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is an armed wake-up that can be stopped before it fires.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now().UTC() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
