package services

import "time"

// Clock abstracts time so retry, deferral and escalation timing can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewSystemClock returns the wall clock.
func NewSystemClock() Clock { return systemClock{} }
