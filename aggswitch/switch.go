package aggswitch

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// A SocketSetupError is returned when a listener cannot be
// bound.
type SocketSetupError struct {
	Listener int
	Addr     string
	Err      error
}

func (s *SocketSetupError) Error() string {
	return fmt.Sprintf("listener %d (%s): %s", s.Listener, s.Addr, s.Err)
}

func (s *SocketSetupError) Unwrap() error {
	return s.Err
}

// A Switch runs one Server per listener port.
//
// Each worker thread talks to one listener, and every chunk
// offset is owned by exactly one worker thread, so the
// listeners never share a round.
type Switch struct {
	cfg     Config
	servers []*Server
	log     zerolog.Logger
}

// Listen binds every listener described by cfg.
//
// Listeners are IPv4 only.
func Listen(cfg Config) (*Switch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &Switch{cfg: cfg, log: cfg.Logger}
	for i := 0; i < cfg.NumListeners; i++ {
		port := 0
		if cfg.BasePort != 0 {
			port = cfg.BasePort + i
		}
		addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		udpAddr, err := net.ResolveUDPAddr("udp4", addr)
		if err == nil {
			var conn *net.UDPConn
			conn, err = net.ListenUDP("udp4", udpAddr)
			if err == nil {
				s.servers = append(s.servers, NewServer(i, conn, cfg))
				continue
			}
		}
		s.Close()
		return nil, &SocketSetupError{Listener: i, Addr: addr, Err: err}
	}
	return s, nil
}

// Config returns the switch configuration, with defaults
// filled in.
func (s *Switch) Config() Config {
	return s.cfg
}

// Addrs returns the bound listener addresses in order.
func (s *Switch) Addrs() []string {
	res := make([]string, len(s.servers))
	for i, server := range s.servers {
		res[i] = server.Addr().String()
	}
	return res
}

// Stats returns a snapshot of every listener's counters.
func (s *Switch) Stats() []Stats {
	res := make([]Stats, len(s.servers))
	for i, server := range s.servers {
		res[i] = server.Stats()
	}
	return res
}

// Serve runs every listener until ctx is done.
func (s *Switch) Serve(ctx context.Context) error {
	s.log.Info().
		Int("listeners", len(s.servers)).
		Bool("handle_stragglers", s.cfg.HandleStragglers).
		Dur("round_timeout", s.cfg.RoundTimeout).
		Msg("switch started")
	var g errgroup.Group
	for _, server := range s.servers {
		server := server
		g.Go(func() error {
			return server.Serve(ctx)
		})
	}
	return g.Wait()
}

// Close closes every listener socket.
func (s *Switch) Close() error {
	var firstErr error
	for _, server := range s.servers {
		if err := server.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
