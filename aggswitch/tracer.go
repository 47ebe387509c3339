package aggswitch

import "time"

// A RoundRecord summarizes a closed round.
type RoundRecord struct {
	Listener     int
	Offset       int32
	WorldSize    int32
	DataLength   int32
	Contributors int
	Duplicates   int
	Expired      bool
	StartedAt    time.Time
	ClosedAt     time.Time
}

// A Tracer receives a record for every closed round.
//
// Tracers may be called from several listeners at once.
type Tracer interface {
	TraceRound(rec RoundRecord)
}

// NopTracer discards records.
type NopTracer struct{}

// TraceRound does nothing.
func (NopTracer) TraceRound(rec RoundRecord) {}
