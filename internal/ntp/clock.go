package ntp

import "time"

// Clock is the host clock.
type Clock interface {
	Now() time.Time
	Set(t time.Time) error
}

// SystemClock is the host's real-time clock. Set is a no-op unless Adjust
// is true, which needs CAP_SYS_TIME.
type SystemClock struct {
	Adjust bool
}

func (SystemClock) Now() time.Time { return time.Now() }

func (c SystemClock) Set(t time.Time) error {
	if !c.Adjust {
		return nil
	}
	return settime(t)
}
