package worker

import (
	"errors"
	"fmt"
	"time"
)

// ErrZeroContributors is wrapped by a ReceiveError when a
// reply claims that no worker contributed to a chunk.
var ErrZeroContributors = errors.New("reply has no contributors")

// A SocketSetupError is returned when a thread cannot open
// its socket.
type SocketSetupError struct {
	Thread int
	Addr   string
	Err    error
}

func (s *SocketSetupError) Error() string {
	return fmt.Sprintf("thread %d: socket setup for %s: %v", s.Thread, s.Addr, s.Err)
}

func (s *SocketSetupError) Unwrap() error {
	return s.Err
}

// A SendError is returned when a chunk cannot be sent.
type SendError struct {
	Thread int
	Offset int
	Err    error
}

func (s *SendError) Error() string {
	return fmt.Sprintf("thread %d: send offset %d: %v", s.Thread, s.Offset, s.Err)
}

func (s *SendError) Unwrap() error {
	return s.Err
}

// A ReceiveError is returned when a reply cannot be read
// or is malformed.
type ReceiveError struct {
	Thread int
	Offset int
	Err    error
}

func (r *ReceiveError) Error() string {
	return fmt.Sprintf("thread %d: receive offset %d: %v", r.Thread, r.Offset, r.Err)
}

func (r *ReceiveError) Unwrap() error {
	return r.Err
}

// A TransferTimeoutError is returned when no reply arrives
// within Config.ReceiveTimeout.
type TransferTimeoutError struct {
	Thread  int
	Offset  int
	Timeout time.Duration
}

func (t *TransferTimeoutError) Error() string {
	return fmt.Sprintf("thread %d: no reply for offset %d within %v", t.Thread, t.Offset, t.Timeout)
}
