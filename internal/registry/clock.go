package registry

import "time"

// Timer is the cancellable handle Clock.AfterFunc returns.
type Timer interface {
	// Stop cancels the timer. It reports whether the cancellation happened
	// before the callback fired.
	Stop() bool
}

// Clock abstracts time.Now and time.AfterFunc so timer-driven scenarios
// (permission debounce, stale check) can be driven deterministically in
// tests instead of sleeping in real time, per spec §8's literal "advance
// clock N ms" scenario language.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}
