package aggswitch

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/unixpickle/switchagg/quant"
	"github.com/unixpickle/switchagg/wire"
	"golang.org/x/net/ipv4"
)

// A Server is the event loop of a single listener.
//
// All round bookkeeping happens on the goroutine running
// Serve, so the RoundTable needs no locking.
type Server struct {
	index int
	cfg   Config
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
	table *RoundTable
	stats counters
	log   zerolog.Logger

	sendReply func(reply []byte, addrs []net.Addr) error
}

// NewServer creates a Server that reads from conn.
//
// The index identifies the listener in logs, traces, and
// stats.
func NewServer(index int, conn *net.UDPConn, cfg Config) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		index: index,
		cfg:   cfg,
		conn:  conn,
		table: NewRoundTable(cfg.Expiry),
		log:   cfg.Logger.With().Int("listener", index).Logger(),
	}
	if conn != nil {
		s.pconn = ipv4.NewPacketConn(conn)
	}
	s.sendReply = s.writeReplies
	return s
}

// Addr returns the listener's local address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Stats returns a snapshot of the listener's counters.
func (s *Server) Stats() Stats {
	res := s.stats.snapshot()
	res.Listener = s.index
	if s.conn != nil {
		res.Addr = s.conn.LocalAddr().String()
	}
	return res
}

// Close closes the listener's socket.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Serve runs the event loop until ctx is done or the
// socket is closed.
//
// Each iteration waits at most PollInterval for a batch of
// datagrams and then closes every ready or expired round,
// so straggler timeouts are noticed even when no traffic
// arrives.
func (s *Server) Serve(ctx context.Context) error {
	msgs := make([]ipv4.Message, s.cfg.BatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, s.cfg.MaxDatagram)}
	}

	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	s.log.Info().Stringer("addr", s.Addr()).Msg("listening")
	for ctx.Err() == nil {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PollInterval))
		n, err := s.pconn.ReadBatch(msgs, 0)
		if err != nil {
			n = 0
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			if !isTimeout(err) {
				s.stats.readErrors.Add(1)
				s.log.Warn().Err(err).Msg("read failed")
			}
		}
		now := s.cfg.Clock()
		for _, msg := range msgs[:n] {
			s.handleDatagram(msg.Buffers[0][:msg.N], msg.Addr, now)
		}
		s.sweep(now)
	}
	s.log.Info().Int("open_rounds", s.table.Len()).Msg("stopped")
	return nil
}

func (s *Server) handleDatagram(b []byte, addr net.Addr, now time.Time) {
	s.stats.packets.Add(1)

	h, payload, err := wire.DecodeRequest(b)
	if err != nil {
		s.stats.malformed.Add(1)
		s.log.Debug().Err(err).Stringer("from", addr).Msg("dropping malformed packet")
		return
	}
	if s.cfg.Drop.Drop(h) {
		s.stats.simulatedDrops.Add(1)
		s.log.Trace().Stringer("header", h).Msg("simulated drop")
		return
	}

	round, err := s.table.LookupOrCreate(h, now)
	if err != nil {
		s.stats.mismatched.Add(1)
		s.log.Warn().Err(err).Int32("rank", h.Rank).Stringer("from", addr).Msg("dropping chunk")
		return
	}
	if !s.table.Add(round, h.Rank, addr, payload) {
		s.stats.duplicates.Add(1)
		s.log.Debug().Int32("rank", h.Rank).Int32("offset", h.Offset).Msg("duplicate chunk")
		return
	}
	s.log.Trace().
		Int32("rank", h.Rank).
		Int32("offset", h.Offset).
		Int("received", round.Received()).
		Int32("world_size", round.WorldSize).
		Msg("chunk received")
}

func (s *Server) sweep(now time.Time) {
	for _, round := range s.table.Due(now) {
		s.closeRound(round, now)
	}
	s.stats.openRounds.Store(int64(s.table.Len()))
}

func (s *Server) closeRound(round *Round, now time.Time) {
	closed := s.table.Close(round)
	contributors := closed.Contributors()

	vecs := make([][]float32, len(contributors))
	addrs := make([]net.Addr, len(contributors))
	for i, c := range contributors {
		values, err := quant.Decode(c.Payload)
		if err != nil {
			s.stats.reduceErrors.Add(1)
			s.log.Error().Err(err).Int32("offset", closed.Offset).Msg("cannot decode contribution")
			return
		}
		vecs[i] = values
		addrs[i] = c.Addr
	}
	sum := s.cfg.Reduce(vecs...)

	codec := quant.ForReply(contributors[0].Payload.Kind)
	if n := quant.Saturated(codec, sum); n > 0 {
		s.stats.saturated.Add(int64(n))
		s.log.Warn().
			Int32("offset", closed.Offset).
			Int("elements", n).
			Msg("sum saturated")
	}
	payload, err := codec.Quantize(sum)
	if err != nil {
		s.stats.reduceErrors.Add(1)
		s.log.Error().Err(err).Int32("offset", closed.Offset).Msg("cannot encode sum")
		return
	}
	if err := s.sendReply(wire.EncodeReply(closed.Count(), payload), addrs); err != nil {
		s.stats.replyErrors.Add(1)
		s.log.Warn().Err(err).Int32("offset", closed.Offset).Msg("reply failed")
	}

	if closed.Expired {
		s.stats.roundsExpired.Add(1)
		s.log.Info().
			Int32("offset", closed.Offset).
			Int("received", closed.Count()).
			Int32("world_size", closed.WorldSize).
			Msg("round expired")
	} else {
		s.stats.roundsCompleted.Add(1)
		s.log.Debug().
			Int32("offset", closed.Offset).
			Int("received", closed.Count()).
			Msg("round complete")
	}
	s.cfg.Tracer.TraceRound(RoundRecord{
		Listener:     s.index,
		Offset:       closed.Offset,
		WorldSize:    closed.WorldSize,
		DataLength:   closed.DataLength,
		Contributors: closed.Count(),
		Duplicates:   closed.Dropped,
		Expired:      closed.Expired,
		StartedAt:    closed.StartedAt,
		ClosedAt:     now,
	})
}

func (s *Server) writeReplies(reply []byte, addrs []net.Addr) error {
	msgs := make([]ipv4.Message, len(addrs))
	for i, addr := range addrs {
		msgs[i] = ipv4.Message{Buffers: [][]byte{reply}, Addr: addr}
	}
	for len(msgs) > 0 {
		n, err := s.pconn.WriteBatch(msgs, 0)
		if err != nil {
			return err
		}
		msgs = msgs[n:]
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
