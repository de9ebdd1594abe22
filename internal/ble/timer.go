package ble

import "time"

// Timer is the part of *time.Timer the controllers need.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d. It has the semantics of
// time.AfterFunc; tests substitute a manual scheduler.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
