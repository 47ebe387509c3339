package aggswitch

import "sync/atomic"

// Stats is a snapshot of a listener's counters.
type Stats struct {
	Listener        int    `json:"listener"`
	Addr            string `json:"addr"`
	Packets         int64  `json:"packets"`
	Malformed       int64  `json:"malformed"`
	Mismatched      int64  `json:"mismatched"`
	Duplicates      int64  `json:"duplicates"`
	SimulatedDrops  int64  `json:"simulated_drops"`
	RoundsCompleted int64  `json:"rounds_completed"`
	RoundsExpired   int64  `json:"rounds_expired"`
	Saturated       int64  `json:"saturated"`
	ReduceErrors    int64  `json:"reduce_errors"`
	ReplyErrors     int64  `json:"reply_errors"`
	ReadErrors      int64  `json:"read_errors"`
	OpenRounds      int64  `json:"open_rounds"`
}

// counters are written by the event loop and read by
// monitors.
type counters struct {
	packets         atomic.Int64
	malformed       atomic.Int64
	mismatched      atomic.Int64
	duplicates      atomic.Int64
	simulatedDrops  atomic.Int64
	roundsCompleted atomic.Int64
	roundsExpired   atomic.Int64
	saturated       atomic.Int64
	reduceErrors    atomic.Int64
	replyErrors     atomic.Int64
	readErrors      atomic.Int64
	openRounds      atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Packets:         c.packets.Load(),
		Malformed:       c.malformed.Load(),
		Mismatched:      c.mismatched.Load(),
		Duplicates:      c.duplicates.Load(),
		SimulatedDrops:  c.simulatedDrops.Load(),
		RoundsCompleted: c.roundsCompleted.Load(),
		RoundsExpired:   c.roundsExpired.Load(),
		Saturated:       c.saturated.Load(),
		ReduceErrors:    c.reduceErrors.Load(),
		ReplyErrors:     c.replyErrors.Load(),
		ReadErrors:      c.readErrors.Load(),
		OpenRounds:      c.openRounds.Load(),
	}
}
