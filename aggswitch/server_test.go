package aggswitch

import (
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/unixpickle/switchagg/quant"
	"github.com/unixpickle/switchagg/wire"
	gomock "go.uber.org/mock/gomock"
)

type sentReply struct {
	count  float32
	values []float32
	addrs  []net.Addr
}

func floatRequest(rank, worldSize, offset int32, values ...float32) []byte {
	h := wire.Header{
		DataLength: int32(len(values)),
		Rank:       rank,
		WorldSize:  worldSize,
		Offset:     offset,
	}
	packet, err := wire.EncodeRequest(h, wire.EncodeFloats(values))
	Expect(err).NotTo(HaveOccurred())
	return packet
}

func quantRequest(kind wire.ElementKind, rank, worldSize, offset int32, values ...float32) []byte {
	codec := quant.ForKind(kind)
	payload, err := codec.Quantize(values)
	Expect(err).NotTo(HaveOccurred())
	h := wire.Header{
		DataLength: int32(len(values)),
		Rank:       rank,
		WorldSize:  worldSize,
		Offset:     offset,
		BitWidth:   int32(kind.ElementSize() * 8),
		QuantType:  wire.QuantFixedPoint,
	}
	if kind == wire.Uint8 || kind == wire.Uint16 {
		h.QuantType = wire.QuantMinMax
	}
	packet, err := wire.EncodeRequest(h, payload)
	Expect(err).NotTo(HaveOccurred())
	return packet
}

func decodeBody(body []byte) []float32 {
	values, err := wire.DecodeFloats(body)
	Expect(err).NotTo(HaveOccurred())
	return values
}

var _ = Describe("Server", func() {
	var (
		mockCtrl *gomock.Controller
		cfg      Config
		server   *Server
		sent     []sentReply
		start    time.Time
	)

	newServer := func() {
		server = NewServer(0, nil, cfg)
		server.sendReply = func(reply []byte, addrs []net.Addr) error {
			count, body, err := wire.DecodeReply(reply)
			Expect(err).NotTo(HaveOccurred())
			sent = append(sent, sentReply{
				count:  count,
				values: decodeBody(body),
				addrs:  append([]net.Addr(nil), addrs...),
			})
			return nil
		}
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		cfg = DefaultConfig()
		sent = nil
		start = time.Unix(1000, 0)
		newServer()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should ignore short packets", func() {
		server.handleDatagram(make([]byte, wire.HeaderSize-1), testAddr(0), start)
		server.sweep(start)

		Expect(server.table.Len()).To(Equal(0))
		Expect(sent).To(BeEmpty())
		Expect(server.Stats().Malformed).To(Equal(int64(1)))
		Expect(server.Stats().Packets).To(Equal(int64(1)))
	})

	It("should ignore truncated payloads", func() {
		packet := floatRequest(0, 1, 0, 1, 2, 3)
		server.handleDatagram(packet[:len(packet)-1], testAddr(0), start)
		server.sweep(start)

		Expect(sent).To(BeEmpty())
		Expect(server.Stats().Malformed).To(Equal(int64(1)))
	})

	It("should reduce a complete round", func() {
		tracer := NewMockTracer(mockCtrl)
		cfg.Tracer = tracer
		newServer()

		var record RoundRecord
		tracer.EXPECT().TraceRound(gomock.Any()).Do(func(rec RoundRecord) {
			record = rec
		})

		server.handleDatagram(floatRequest(0, 2, 5, 1, 2), testAddr(0), start)
		server.sweep(start)
		Expect(sent).To(BeEmpty())

		server.handleDatagram(floatRequest(1, 2, 5, 10, 20), testAddr(1), start.Add(time.Millisecond))
		server.sweep(start.Add(2 * time.Millisecond))

		Expect(sent).To(HaveLen(1))
		Expect(sent[0].count).To(Equal(float32(2)))
		Expect(sent[0].values).To(Equal([]float32{11, 22}))
		Expect(sent[0].addrs).To(Equal([]net.Addr{testAddr(0), testAddr(1)}))

		Expect(record.Offset).To(Equal(int32(5)))
		Expect(record.Contributors).To(Equal(2))
		Expect(record.Expired).To(BeFalse())
		Expect(record.StartedAt).To(Equal(start))
		Expect(record.ClosedAt).To(Equal(start.Add(2 * time.Millisecond)))

		stats := server.Stats()
		Expect(stats.RoundsCompleted).To(Equal(int64(1)))
		Expect(stats.OpenRounds).To(Equal(int64(0)))
	})

	It("should wait for stragglers without a timeout", func() {
		server.handleDatagram(floatRequest(0, 2, 0, 1), testAddr(0), start)
		server.sweep(start.Add(time.Hour))

		Expect(sent).To(BeEmpty())
		Expect(server.Stats().OpenRounds).To(Equal(int64(1)))
	})

	It("should close partial rounds after the timeout", func() {
		cfg.HandleStragglers = true
		cfg.RoundTimeout = time.Second
		newServer()

		server.handleDatagram(floatRequest(0, 3, 0, 1, 2), testAddr(0), start)
		server.handleDatagram(floatRequest(2, 3, 0, 3, 4), testAddr(2), start)
		server.sweep(start.Add(500 * time.Millisecond))
		Expect(sent).To(BeEmpty())

		server.sweep(start.Add(1500 * time.Millisecond))
		Expect(sent).To(HaveLen(1))
		Expect(sent[0].count).To(Equal(float32(2)))
		Expect(sent[0].values).To(Equal([]float32{4, 6}))
		Expect(server.Stats().RoundsExpired).To(Equal(int64(1)))

		// The straggler starts a new round of its own.
		server.handleDatagram(floatRequest(1, 3, 0, 5, 5), testAddr(1), start.Add(2*time.Second))
		Expect(server.table.Len()).To(Equal(1))
		server.sweep(start.Add(4 * time.Second))
		Expect(sent).To(HaveLen(2))
		Expect(sent[1].count).To(Equal(float32(1)))
		Expect(sent[1].values).To(Equal([]float32{5, 5}))
		Expect(sent[1].addrs).To(Equal([]net.Addr{testAddr(1)}))
	})

	It("should count duplicate chunks", func() {
		server.handleDatagram(floatRequest(0, 2, 0, 1), testAddr(0), start)
		server.handleDatagram(floatRequest(0, 2, 0, 100), testAddr(0), start)
		server.handleDatagram(floatRequest(1, 2, 0, 2), testAddr(1), start)
		server.sweep(start)

		Expect(sent).To(HaveLen(1))
		Expect(sent[0].values).To(Equal([]float32{3}))
		Expect(server.Stats().Duplicates).To(Equal(int64(1)))
	})

	It("should drop chunks with mismatching parameters", func() {
		server.handleDatagram(floatRequest(0, 2, 0, 1, 1), testAddr(0), start)
		server.handleDatagram(floatRequest(1, 2, 0, 1, 1, 1), testAddr(1), start)
		server.sweep(start)

		Expect(sent).To(BeEmpty())
		Expect(server.Stats().Mismatched).To(Equal(int64(1)))
		Expect(server.table.Get(0).Received()).To(Equal(1))
	})

	It("should apply the drop policy", func() {
		drop := NewMockDropSimulationPolicy(mockCtrl)
		drop.EXPECT().Drop(gomock.Any()).DoAndReturn(func(h wire.Header) bool {
			return h.Rank == 1
		}).Times(2)
		cfg.Drop = drop
		newServer()

		server.handleDatagram(floatRequest(0, 2, 0, 1), testAddr(0), start)
		server.handleDatagram(floatRequest(1, 2, 0, 2), testAddr(1), start)
		server.sweep(start)

		Expect(sent).To(BeEmpty())
		Expect(server.Stats().SimulatedDrops).To(Equal(int64(1)))
		Expect(server.table.Get(0).Received()).To(Equal(1))
	})

	Context("with quantized chunks", func() {
		var raw []byte

		BeforeEach(func() {
			raw = nil
			server.sendReply = func(reply []byte, addrs []net.Addr) error {
				raw = reply
				return nil
			}
		})

		replySum := func(kind wire.ElementKind, n int) (float32, []float32) {
			Expect(raw).NotTo(BeNil())
			count, body, err := wire.DecodeReply(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(HaveLen(wire.PayloadSize(wire.ReplyKind(kind), n)))
			sum, err := quant.ForReply(kind).Dequantize(body, n)
			Expect(err).NotTo(HaveOccurred())
			return count, sum
		}

		It("should reduce fixed-point chunks", func() {
			server.handleDatagram(quantRequest(wire.Int16, 0, 2, 0, 0.5, -0.25), testAddr(0), start)
			server.handleDatagram(quantRequest(wire.Int16, 1, 2, 0, 0.25, 0.125), testAddr(1), start)
			server.sweep(start)

			count, sum := replySum(wire.Int16, 2)
			Expect(count).To(Equal(float32(2)))
			Expect(sum[0]).To(BeNumerically("~", 0.75, 1e-4))
			Expect(sum[1]).To(BeNumerically("~", -0.125, 1e-4))
		})

		It("should widen sums beyond the contributors' range", func() {
			// 3.0 is near the int16 limit at scale 10000, 1.0 near
			// the int8 limit at scale 100.
			for _, c := range []struct {
				kind  wire.ElementKind
				value float32
			}{
				{wire.Int16, 3},
				{wire.Int8, 1},
			} {
				raw = nil
				for rank := int32(0); rank < 3; rank++ {
					packet := quantRequest(c.kind, rank, 3, 0, c.value, -c.value)
					server.handleDatagram(packet, testAddr(rank), start)
				}
				server.sweep(start)

				count, sum := replySum(c.kind, 2)
				Expect(count).To(Equal(float32(3)))
				Expect(sum[0]).To(BeNumerically("~", 3*c.value, 1e-3), "%s", c.kind)
				Expect(sum[1]).To(BeNumerically("~", -3*c.value, 1e-3), "%s", c.kind)
			}
			Expect(server.Stats().Saturated).To(Equal(int64(0)))
		})

		It("should count saturated sums", func() {
			// Each value fits in int32 at scale 10000; their sum does not.
			server.handleDatagram(quantRequest(wire.Int32, 0, 2, 0, 150000, 1), testAddr(0), start)
			server.handleDatagram(quantRequest(wire.Int32, 1, 2, 0, 150000, 1), testAddr(1), start)
			server.sweep(start)

			_, sum := replySum(wire.Int32, 2)
			Expect(sum[0]).To(BeNumerically("~", float64(math.MaxInt32)/quant.DefaultScale, 1))
			Expect(sum[1]).To(BeNumerically("~", 2, 1e-4))
			stats := server.Stats()
			Expect(stats.Saturated).To(Equal(int64(1)))
			Expect(stats.RoundsCompleted).To(Equal(int64(1)))
		})

		It("should drop chunks with a different quantization", func() {
			server.handleDatagram(quantRequest(wire.Int16, 0, 2, 0, 1, 1), testAddr(0), start)
			server.handleDatagram(quantRequest(wire.Uint16, 1, 2, 0, 1, 1), testAddr(1), start)
			server.handleDatagram(quantRequest(wire.Int8, 1, 2, 0, 1, 1), testAddr(1), start)
			server.handleDatagram(floatRequest(1, 2, 0, 1, 1), testAddr(1), start)
			server.sweep(start)

			Expect(raw).To(BeNil())
			Expect(server.Stats().Mismatched).To(Equal(int64(3)))
			Expect(server.table.Get(0).Received()).To(Equal(1))

			server.handleDatagram(quantRequest(wire.Int16, 1, 2, 0, 1, 1), testAddr(1), start)
			server.sweep(start)
			count, sum := replySum(wire.Int16, 2)
			Expect(count).To(Equal(float32(2)))
			Expect(sum[0]).To(BeNumerically("~", 2, 1e-4))
		})
	})

	It("should close only the rounds the expiry policy selects", func() {
		expiry := NewMockExpiryPolicy(mockCtrl)
		expiry.EXPECT().Expired(gomock.Any(), gomock.Any()).DoAndReturn(func(r *Round, now time.Time) bool {
			return r.Offset == 1
		}).AnyTimes()
		cfg.Expiry = expiry
		newServer()

		for offset := int32(0); offset < 3; offset++ {
			server.handleDatagram(floatRequest(0, 2, offset, float32(offset)), testAddr(0), start)
		}
		server.sweep(start)

		Expect(sent).To(HaveLen(1))
		Expect(sent[0].count).To(Equal(float32(1)))
		Expect(sent[0].values).To(Equal([]float32{1}))
		Expect(server.table.Len()).To(Equal(2))
		Expect(server.table.Get(1)).To(BeNil())

		stats := server.Stats()
		Expect(stats.RoundsExpired).To(Equal(int64(1)))
		Expect(stats.OpenRounds).To(Equal(int64(2)))
	})

	It("should count failed replies", func() {
		server.sendReply = func(reply []byte, addrs []net.Addr) error {
			return errors.New("network unreachable")
		}
		server.handleDatagram(floatRequest(0, 1, 0, 1), testAddr(0), start)
		server.sweep(start)

		stats := server.Stats()
		Expect(stats.ReplyErrors).To(Equal(int64(1)))
		Expect(stats.RoundsCompleted).To(Equal(int64(1)))
	})

	It("should use a custom reduction", func() {
		cfg.Reduce = func(vecs ...[]float32) []float32 {
			res := append([]float32(nil), vecs[0]...)
			for _, v := range vecs[1:] {
				for i, x := range v {
					res[i] = max(res[i], x)
				}
			}
			return res
		}
		newServer()

		server.handleDatagram(floatRequest(0, 2, 0, 1, 9), testAddr(0), start)
		server.handleDatagram(floatRequest(1, 2, 0, 5, 2), testAddr(1), start)
		server.sweep(start)

		Expect(sent[0].values).To(Equal([]float32{5, 9}))
	})
})

var _ = Describe("Switch", func() {
	var (
		sw     *Switch
		cancel context.CancelFunc
		done   chan error
	)

	BeforeEach(func() {
		cfg := DefaultConfig()
		cfg.Host = "127.0.0.1"
		cfg.BasePort = 0
		cfg.NumListeners = 2
		cfg.PollInterval = 10 * time.Millisecond

		var err error
		sw, err = Listen(cfg)
		Expect(err).NotTo(HaveOccurred())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() {
			done <- sw.Serve(ctx)
		}()
	})

	AfterEach(func() {
		cancel()
		Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		sw.Close()
	})

	It("should bind one address per listener", func() {
		addrs := sw.Addrs()
		Expect(addrs).To(HaveLen(2))
		Expect(addrs[0]).NotTo(Equal(addrs[1]))
	})

	It("should answer every contributor over UDP", func() {
		addr, err := net.ResolveUDPAddr("udp4", sw.Addrs()[1])
		Expect(err).NotTo(HaveOccurred())

		var conns []*net.UDPConn
		for rank := 0; rank < 2; rank++ {
			conn, err := net.DialUDP("udp4", nil, addr)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			conns = append(conns, conn)
			_, err = conn.Write(floatRequest(int32(rank), 2, 3, float32(rank+1), 1))
			Expect(err).NotTo(HaveOccurred())
		}

		for _, conn := range conns {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			buf := make([]byte, 100)
			n, err := conn.Read(buf)
			Expect(err).NotTo(HaveOccurred())
			count, body, err := wire.DecodeReply(buf[:n])
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(float32(2)))
			Expect(decodeBody(body)).To(Equal([]float32{3, 2}))
		}

		Eventually(func() int64 {
			return sw.Stats()[1].RoundsCompleted
		}).Should(Equal(int64(1)))
		Expect(sw.Stats()[0].Packets).To(Equal(int64(0)))
	})

	It("should report bind failures", func() {
		cfg := DefaultConfig()
		cfg.Host = "127.0.0.1"
		_, port, err := net.SplitHostPort(sw.Addrs()[0])
		Expect(err).NotTo(HaveOccurred())
		cfg.BasePort, err = strconv.Atoi(port)
		Expect(err).NotTo(HaveOccurred())
		cfg.NumListeners = 1

		_, err = Listen(cfg)
		var setupErr *SocketSetupError
		Expect(errors.As(err, &setupErr)).To(BeTrue())
		Expect(setupErr.Listener).To(Equal(0))
	})
})
