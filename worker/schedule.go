package worker

import (
	"fmt"

	"github.com/unixpickle/essentials"
)

// A Schedule assigns the chunks of a vector to transfer
// threads.
//
// Chunks are striped across threads: thread t owns offsets
// t, t+NumThreads, t+2*NumThreads, and so on.
// Every thread therefore writes a disjoint set of elements.
type Schedule struct {
	Length     int
	ChunkSize  int
	NumThreads int
}

// NewSchedule creates a Schedule for a vector of the given
// length.
//
// The thread count is clamped to the number of chunks, so
// an empty vector yields zero threads.
func NewSchedule(length, chunkSize, numThreads int) (*Schedule, error) {
	if length < 0 {
		return nil, fmt.Errorf("new schedule: negative length %d", length)
	}
	if chunkSize < 1 {
		return nil, fmt.Errorf("new schedule: chunk size must be positive, got %d", chunkSize)
	}
	if numThreads < 1 {
		return nil, fmt.Errorf("new schedule: thread count must be positive, got %d", numThreads)
	}
	s := &Schedule{Length: length, ChunkSize: chunkSize}
	s.NumThreads = essentials.MinInt(numThreads, s.NumChunks())
	return s, nil
}

// NumChunks returns the number of chunks in the vector.
func (s *Schedule) NumChunks() int {
	return (s.Length + s.ChunkSize - 1) / s.ChunkSize
}

// Owner returns the thread responsible for an offset.
func (s *Schedule) Owner(offset int) int {
	return offset % s.NumThreads
}

// Offsets returns the chunk offsets owned by a thread, in
// the order they are transferred.
func (s *Schedule) Offsets(thread int) []int {
	var res []int
	for offset := thread; offset*s.ChunkSize < s.Length; offset += s.NumThreads {
		res = append(res, offset)
	}
	return res
}

// Span returns the element range [start, end) covered by
// the chunk at offset.
//
// The last chunk may be shorter than ChunkSize.
func (s *Schedule) Span(offset int) (start, end int) {
	start = offset * s.ChunkSize
	return start, essentials.MinInt(start+s.ChunkSize, s.Length)
}
