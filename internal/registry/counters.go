package registry

import "sync/atomic"

// Counters are the process-wide liveness tallies shared by all session
// workers. They are diagnostics, not correctness state: the wait lists alone
// gate responses. The hosting process constructs one instance and injects it
// into every worker.
type Counters struct {
	// EventsSent counts every event PDU handed to a connection.
	EventsSent atomic.Int64

	// ConfirmsReceived counts every confirm PDU processed.
	ConfirmsReceived atomic.Int64

	// Requests counts chat message requests accepted.
	Requests atomic.Int64

	// Logouts counts logout requests processed.
	Logouts atomic.Int64

	// LoggedIn tracks the number of sessions currently past login.
	LoggedIn atomic.Int64
}

// CounterSnapshot is a point-in-time copy for logging and diagnostics.
type CounterSnapshot struct {
	EventsSent       int64
	ConfirmsReceived int64
	Requests         int64
	Logouts          int64
	LoggedIn         int64
}

// Snapshot returns a consistent-enough copy of all counters.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		EventsSent:       c.EventsSent.Load(),
		ConfirmsReceived: c.ConfirmsReceived.Load(),
		Requests:         c.Requests.Load(),
		Logouts:          c.Logouts.Load(),
		LoggedIn:         c.LoggedIn.Load(),
	}
}
