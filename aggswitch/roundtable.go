package aggswitch

import (
	"fmt"
	"net"
	"time"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/switchagg/wire"
)

// A Contributor is one worker's chunk within a Round.
type Contributor struct {
	Rank    int32
	Addr    net.Addr
	Payload wire.Payload
}

// A Round tracks the aggregation of one chunk offset.
//
// The world size, chunk length, and quantization are fixed
// by the first chunk seen for the offset.
type Round struct {
	Offset     int32
	WorldSize  int32
	DataLength int32
	QuantType  int32
	BitWidth   int32

	StartedAt time.Time

	// Dropped counts duplicate chunks from ranks that had
	// already contributed.
	Dropped int

	contributors []Contributor
	ranks        map[int32]bool
}

// Received returns the number of distinct contributors.
func (r *Round) Received() int {
	return len(r.contributors)
}

// Contributors returns the contributors in arrival order.
func (r *Round) Contributors() []Contributor {
	return r.contributors
}

// A ProtocolMismatchError is returned when a chunk
// disagrees with the Round it belongs to.
type ProtocolMismatchError struct {
	Offset int32
	Field  string
	Want   int32
	Got    int32
}

func (p *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("offset %d: %s mismatch: round has %d, chunk has %d",
		p.Offset, p.Field, p.Want, p.Got)
}

// A ClosedRound is the result of closing a Round.
type ClosedRound struct {
	Round
	Expired bool
}

// Count returns the number of contributors that will be
// reduced.
func (c *ClosedRound) Count() int {
	return len(c.contributors)
}

// A RoundTable holds the open Rounds of one listener.
//
// A RoundTable is not safe for concurrent use; it belongs
// to a single event loop.
type RoundTable struct {
	expiry ExpiryPolicy
	rounds map[int32]*Round

	// order lists open offsets by creation time.
	order []int32
}

// NewRoundTable creates an empty table.
func NewRoundTable(expiry ExpiryPolicy) *RoundTable {
	if expiry == nil {
		expiry = NeverExpire{}
	}
	return &RoundTable{
		expiry: expiry,
		rounds: map[int32]*Round{},
	}
}

// Len returns the number of open rounds.
func (r *RoundTable) Len() int {
	return len(r.rounds)
}

// Get returns the open round for an offset, or nil.
func (r *RoundTable) Get(offset int32) *Round {
	return r.rounds[offset]
}

// LookupOrCreate finds the open round for a chunk, or
// starts one at time now.
//
// If the chunk's parameters disagree with the open round,
// a *ProtocolMismatchError is returned and the round is
// left unchanged.
func (r *RoundTable) LookupOrCreate(h wire.Header, now time.Time) (*Round, error) {
	if round, ok := r.rounds[h.Offset]; ok {
		checks := []struct {
			field     string
			want, got int32
		}{
			{"world size", round.WorldSize, h.WorldSize},
			{"data length", round.DataLength, h.DataLength},
			{"quantization type", round.QuantType, h.QuantType},
			{"bit width", round.BitWidth, bitWidth(h)},
		}
		for _, c := range checks {
			if c.want != c.got {
				return nil, &ProtocolMismatchError{
					Offset: h.Offset,
					Field:  c.field,
					Want:   c.want,
					Got:    c.got,
				}
			}
		}
		return round, nil
	}
	round := &Round{
		Offset:     h.Offset,
		WorldSize:  h.WorldSize,
		DataLength: h.DataLength,
		QuantType:  h.QuantType,
		BitWidth:   bitWidth(h),
		StartedAt:  now,
		ranks:      map[int32]bool{},
	}
	r.rounds[h.Offset] = round
	r.order = append(r.order, h.Offset)
	return round, nil
}

// bitWidth normalizes the bit width of unquantized chunks,
// which may be sent as 0 or 32.
func bitWidth(h wire.Header) int32 {
	if h.QuantType == wire.QuantNone && h.BitWidth == 0 {
		return 32
	}
	return h.BitWidth
}

// Add records a contributor.
//
// The payload is copied, so the caller may reuse its
// buffer.
// If the rank already contributed, the round is unchanged
// apart from its Dropped counter, and false is returned.
func (r *RoundTable) Add(round *Round, rank int32, addr net.Addr, payload wire.Payload) bool {
	if round.ranks[rank] {
		round.Dropped++
		return false
	}
	round.ranks[rank] = true
	round.contributors = append(round.contributors, Contributor{
		Rank:    rank,
		Addr:    addr,
		Payload: payload.Clone(),
	})
	return true
}

// Ready reports whether every expected worker has
// contributed.
func (r *RoundTable) Ready(round *Round) bool {
	return round.Received() == int(round.WorldSize)
}

// Expired reports whether the expiry policy gives up on
// the round's missing contributors.
func (r *RoundTable) Expired(round *Round, now time.Time) bool {
	return r.expiry.Expired(round, now)
}

// Due returns the open rounds that are ready or expired,
// oldest first.
func (r *RoundTable) Due(now time.Time) []*Round {
	var res []*Round
	for _, offset := range r.order {
		round := r.rounds[offset]
		if r.Ready(round) || r.Expired(round, now) {
			res = append(res, round)
		}
	}
	return res
}

// Close removes a round from the table.
//
// A later chunk for the same offset starts a new round.
func (r *RoundTable) Close(round *Round) *ClosedRound {
	if round.Received() == 0 {
		panic("closing a round without contributors")
	}
	if r.rounds[round.Offset] != round {
		panic("closing a round that is not open")
	}
	delete(r.rounds, round.Offset)
	for i, offset := range r.order {
		if offset == round.Offset {
			essentials.OrderedDelete(&r.order, i)
			break
		}
	}
	return &ClosedRound{
		Round:   *round,
		Expired: !r.Ready(round),
	}
}
