// Package worker implements the worker side of switch
// aggregation: a vector is cut into chunks, the chunks are
// streamed to the switch over parallel UDP sockets, and
// the reduced results are written back in place.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/unixpickle/switchagg/quant"
	"github.com/unixpickle/switchagg/wire"
	"golang.org/x/sync/errgroup"
)

// A Client aggregates vectors through a switch.
//
// A Client may be reused for many calls, but calls should
// not overlap: concurrent calls would reuse the same chunk
// offsets on the switch.
type Client struct {
	cfg   Config
	codec quant.Codec
	log   zerolog.Logger
}

// NewClient creates a Client after validating cfg.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := quant.ForParams(cfg.Quant)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:   cfg,
		codec: codec,
		log:   cfg.Logger.With().Int("rank", cfg.Rank).Logger(),
	}, nil
}

// Config returns the client's configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Aggregate replaces data with the reduction of every
// worker's data.
//
// Unless averaging is disabled, each chunk is divided by
// the number of workers that actually contributed to it.
// The caller must not touch data until Aggregate returns.
func (c *Client) Aggregate(ctx context.Context, data []float32) error {
	sched, err := NewSchedule(len(data), c.cfg.ChunkSize, c.cfg.NumThreads)
	if err != nil {
		return err
	}
	if sched.NumThreads == 0 {
		return nil
	}

	log := c.log.With().Str("call", uuid.NewString()).Logger()
	log.Debug().
		Int("length", len(data)).
		Int("chunks", sched.NumChunks()).
		Int("threads", sched.NumThreads).
		Msg("aggregate")

	call := &transferCall{
		client: c,
		sched:  sched,
		data:   data,
		log:    log,
	}
	if c.codec.Kind() != wire.Float32 {
		call.staged = make([]wire.Payload, sched.NumChunks())
		call.counts = make([]float32, sched.NumChunks())
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for thread := 0; thread < sched.NumThreads; thread++ {
		thread := thread
		g.Go(func() error {
			return call.runThread(ctx, thread)
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("aggregate failed")
		return err
	}
	if call.staged != nil {
		if err := call.dequantize(); err != nil {
			return err
		}
	}
	log.Debug().Dur("elapsed", time.Since(start)).Msg("aggregate done")
	return nil
}

// AggregateTensors aggregates several tensors as one
// combined vector and writes the results back into each
// tensor.
func (c *Client) AggregateTensors(ctx context.Context, tensors [][]float32) error {
	flat := Flatten(tensors)
	if err := c.Aggregate(ctx, flat); err != nil {
		return err
	}
	Unflatten(flat, tensors)
	return nil
}

type transferCall struct {
	client *Client
	sched  *Schedule
	data   []float32
	log    zerolog.Logger

	// Quantized replies are staged per offset and decoded
	// after every thread has finished.
	staged []wire.Payload
	counts []float32
}

func (t *transferCall) runThread(ctx context.Context, thread int) error {
	cfg := &t.client.cfg
	addr, err := cfg.Addr(thread)
	if err != nil {
		return &SocketSetupError{Thread: thread, Err: err}
	}
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return &SocketSetupError{Thread: thread, Addr: addr, Err: err}
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return &SocketSetupError{Thread: thread, Addr: addr, Err: err}
	}
	defer conn.Close()

	// Unblock a pending read when a sibling thread fails.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	kind := wire.ReplyKind(t.client.codec.Kind())
	recvBuf := make([]byte, wire.ReplyPrefix+wire.PayloadSize(kind, cfg.ChunkSize)+1)
	var packet []byte

	for _, offset := range t.sched.Offsets(thread) {
		start, end := t.sched.Span(offset)
		chunk := t.data[start:end]

		if n := quant.Saturated(t.client.codec, chunk); n > 0 {
			t.log.Warn().
				Int("thread", thread).
				Int("offset", offset).
				Int("elements", n).
				Msg("chunk saturated")
		}
		payload, err := t.client.codec.Quantize(chunk)
		if err != nil {
			return &SendError{Thread: thread, Offset: offset, Err: err}
		}
		header := wire.Header{
			DataLength: int32(len(chunk)),
			Rank:       int32(cfg.Rank),
			WorldSize:  int32(cfg.WorldSize),
			Offset:     int32(offset),
			BitWidth:   cfg.Quant.BitWidth,
			QuantType:  cfg.Quant.Type,
		}
		packet, err = wire.AppendRequest(packet[:0], header, payload)
		if err != nil {
			return &SendError{Thread: thread, Offset: offset, Err: err}
		}

		if cfg.ReceiveTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(cfg.ReceiveTimeout))
		}
		if _, err := conn.Write(packet); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &SendError{Thread: thread, Offset: offset, Err: err}
		}

		n, err := conn.Read(recvBuf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return &TransferTimeoutError{Thread: thread, Offset: offset, Timeout: cfg.ReceiveTimeout}
			}
			return &ReceiveError{Thread: thread, Offset: offset, Err: err}
		}

		count, body, err := wire.DecodeReply(recvBuf[:n])
		if err != nil {
			return &ReceiveError{Thread: thread, Offset: offset, Err: err}
		}
		if !(count > 0) {
			return &ReceiveError{Thread: thread, Offset: offset, Err: ErrZeroContributors}
		}
		if expected := wire.PayloadSize(kind, len(chunk)); len(body) != expected {
			return &ReceiveError{
				Thread: thread,
				Offset: offset,
				Err:    fmt.Errorf("reply payload is %d bytes, expected %d", len(body), expected),
			}
		}
		t.log.Trace().
			Int("thread", thread).
			Int("offset", offset).
			Float32("contributors", count).
			Msg("chunk reduced")

		if t.staged != nil {
			t.staged[offset] = wire.Payload{
				Kind: kind,
				Len:  len(chunk),
				Data: append([]byte(nil), body...),
			}
			t.counts[offset] = count
			continue
		}

		values, err := wire.DecodeFloats(body)
		if err != nil {
			return &ReceiveError{Thread: thread, Offset: offset, Err: err}
		}
		t.writeBack(chunk, values, count)
	}
	return nil
}

func (t *transferCall) dequantize() error {
	for offset, payload := range t.staged {
		values, err := quant.Decode(payload)
		if err != nil {
			return &ReceiveError{Thread: t.sched.Owner(offset), Offset: offset, Err: err}
		}
		start, end := t.sched.Span(offset)
		t.writeBack(t.data[start:end], values, t.counts[offset])
	}
	return nil
}

func (t *transferCall) writeBack(chunk, values []float32, count float32) {
	if !t.client.cfg.SkipAveraging {
		for i := range values {
			values[i] /= count
		}
	}
	copy(chunk, values)
}
