package aggswitch

import (
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/unixpickle/switchagg/wire"
)

func testHeader(rank, worldSize, offset int32) wire.Header {
	return wire.Header{
		DataLength: 2,
		Rank:       rank,
		WorldSize:  worldSize,
		Offset:     offset,
	}
}

func testAddr(rank int32) net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + int(rank)}
}

func testPayload(values ...float32) wire.Payload {
	return wire.Payload{Kind: wire.Float32, Len: len(values), Data: wire.EncodeFloats(values)}
}

var _ = Describe("RoundTable", func() {
	var (
		table *RoundTable
		start time.Time
	)

	BeforeEach(func() {
		table = NewRoundTable(TimeoutExpiry{Timeout: time.Second})
		start = time.Unix(1000, 0)
	})

	It("should create one round per offset", func() {
		r1, err := table.LookupOrCreate(testHeader(0, 2, 0), start)
		Expect(err).NotTo(HaveOccurred())
		r2, err := table.LookupOrCreate(testHeader(1, 2, 0), start.Add(time.Millisecond))
		Expect(err).NotTo(HaveOccurred())
		r3, err := table.LookupOrCreate(testHeader(0, 2, 1), start)
		Expect(err).NotTo(HaveOccurred())

		Expect(r2).To(BeIdenticalTo(r1))
		Expect(r3).NotTo(BeIdenticalTo(r1))
		Expect(r1.StartedAt).To(Equal(start))
		Expect(table.Len()).To(Equal(2))
		Expect(table.Get(1)).To(BeIdenticalTo(r3))
		Expect(table.Get(7)).To(BeNil())
	})

	It("should drop duplicate ranks", func() {
		round, _ := table.LookupOrCreate(testHeader(0, 2, 0), start)
		Expect(table.Add(round, 0, testAddr(0), testPayload(1, 2))).To(BeTrue())
		Expect(table.Add(round, 0, testAddr(0), testPayload(3, 4))).To(BeFalse())

		Expect(round.Received()).To(Equal(1))
		Expect(round.Dropped).To(Equal(1))
		values, err := round.Contributors()[0].Payload.Floats()
		Expect(err).NotTo(HaveOccurred())
		Expect(values).To(Equal([]float32{1, 2}))
	})

	It("should copy payloads", func() {
		round, _ := table.LookupOrCreate(testHeader(0, 2, 0), start)
		payload := testPayload(1, 2)
		table.Add(round, 0, testAddr(0), payload)
		copy(payload.Data, wire.EncodeFloats([]float32{9, 9}))

		values, _ := round.Contributors()[0].Payload.Floats()
		Expect(values).To(Equal([]float32{1, 2}))
	})

	It("should reject chunks that disagree with the round", func() {
		round, _ := table.LookupOrCreate(testHeader(0, 2, 0), start)

		_, err := table.LookupOrCreate(testHeader(1, 3, 0), start)
		var mismatch *ProtocolMismatchError
		Expect(err).To(BeAssignableToTypeOf(mismatch))
		mismatch = err.(*ProtocolMismatchError)
		Expect(mismatch.Field).To(Equal("world size"))
		Expect(mismatch.Want).To(Equal(int32(2)))
		Expect(mismatch.Got).To(Equal(int32(3)))

		h := testHeader(1, 2, 0)
		h.DataLength = 5
		_, err = table.LookupOrCreate(h, start)
		Expect(err).To(HaveOccurred())
		Expect(err.(*ProtocolMismatchError).Field).To(Equal("data length"))

		Expect(round.WorldSize).To(Equal(int32(2)))
		Expect(round.Received()).To(Equal(0))
	})

	It("should reject chunks with a different quantization", func() {
		h := testHeader(0, 3, 0)
		h.QuantType = wire.QuantFixedPoint
		h.BitWidth = 16
		round, err := table.LookupOrCreate(h, start)
		Expect(err).NotTo(HaveOccurred())

		h = testHeader(1, 3, 0)
		h.QuantType = wire.QuantMinMax
		h.BitWidth = 16
		_, err = table.LookupOrCreate(h, start)
		Expect(err).To(HaveOccurred())
		mismatch := err.(*ProtocolMismatchError)
		Expect(mismatch.Field).To(Equal("quantization type"))
		Expect(mismatch.Want).To(Equal(wire.QuantFixedPoint))
		Expect(mismatch.Got).To(Equal(wire.QuantMinMax))

		h = testHeader(2, 3, 0)
		h.QuantType = wire.QuantFixedPoint
		h.BitWidth = 8
		_, err = table.LookupOrCreate(h, start)
		Expect(err).To(HaveOccurred())
		mismatch = err.(*ProtocolMismatchError)
		Expect(mismatch.Field).To(Equal("bit width"))
		Expect(mismatch.Want).To(Equal(int32(16)))
		Expect(mismatch.Got).To(Equal(int32(8)))

		Expect(round.QuantType).To(Equal(wire.QuantFixedPoint))
		Expect(round.BitWidth).To(Equal(int32(16)))
		Expect(round.Received()).To(Equal(0))
	})

	It("should treat float chunks of width 0 and 32 alike", func() {
		h := testHeader(0, 2, 0)
		round, err := table.LookupOrCreate(h, start)
		Expect(err).NotTo(HaveOccurred())
		Expect(round.BitWidth).To(Equal(int32(32)))

		h = testHeader(1, 2, 0)
		h.BitWidth = 32
		same, err := table.LookupOrCreate(h, start)
		Expect(err).NotTo(HaveOccurred())
		Expect(same).To(BeIdenticalTo(round))

		h = testHeader(0, 2, 1)
		h.BitWidth = 32
		other, err := table.LookupOrCreate(h, start)
		Expect(err).NotTo(HaveOccurred())
		_, err = table.LookupOrCreate(testHeader(1, 2, 1), start)
		Expect(err).NotTo(HaveOccurred())
		Expect(table.Get(1)).To(BeIdenticalTo(other))
	})

	It("should report ready and expired rounds oldest first", func() {
		older, _ := table.LookupOrCreate(testHeader(0, 2, 3), start)
		table.Add(older, 0, testAddr(0), testPayload(1, 1))
		newer, _ := table.LookupOrCreate(testHeader(0, 1, 1), start.Add(500*time.Millisecond))
		table.Add(newer, 0, testAddr(0), testPayload(1, 1))

		Expect(table.Ready(older)).To(BeFalse())
		Expect(table.Ready(newer)).To(BeTrue())
		Expect(table.Due(start.Add(100 * time.Millisecond))).To(Equal([]*Round{newer}))
		Expect(table.Due(start.Add(1100 * time.Millisecond))).To(Equal([]*Round{older, newer}))
	})

	It("should close rounds", func() {
		round, _ := table.LookupOrCreate(testHeader(0, 3, 0), start)
		table.Add(round, 0, testAddr(0), testPayload(1, 1))
		table.Add(round, 2, testAddr(2), testPayload(2, 2))
		other, _ := table.LookupOrCreate(testHeader(0, 3, 1), start)
		table.Add(other, 0, testAddr(0), testPayload(1, 1))

		closed := table.Close(round)
		Expect(closed.Expired).To(BeTrue())
		Expect(closed.Count()).To(Equal(2))
		Expect(closed.Contributors()[1].Rank).To(Equal(int32(2)))
		Expect(table.Len()).To(Equal(1))
		Expect(table.Due(start.Add(time.Hour))).To(Equal([]*Round{other}))

		reopened, _ := table.LookupOrCreate(testHeader(1, 3, 0), start.Add(time.Second))
		Expect(reopened).NotTo(BeIdenticalTo(round))
		Expect(reopened.Received()).To(Equal(0))
		Expect(table.Add(reopened, 0, testAddr(0), testPayload(1, 1))).To(BeTrue())
	})

	It("should mark complete rounds as not expired", func() {
		round, _ := table.LookupOrCreate(testHeader(0, 1, 0), start)
		table.Add(round, 0, testAddr(0), testPayload(1, 1))
		Expect(table.Close(round).Expired).To(BeFalse())
	})

	It("should panic when closing an empty round", func() {
		round, _ := table.LookupOrCreate(testHeader(0, 2, 0), start)
		Expect(func() { table.Close(round) }).To(Panic())
	})

	It("should panic when closing a round twice", func() {
		round, _ := table.LookupOrCreate(testHeader(0, 1, 0), start)
		table.Add(round, 0, testAddr(0), testPayload(1, 1))
		table.Close(round)
		Expect(func() { table.Close(round) }).To(Panic())
	})

	It("should never expire rounds without a timeout", func() {
		table = NewRoundTable(nil)
		round, _ := table.LookupOrCreate(testHeader(0, 2, 0), start)
		table.Add(round, 0, testAddr(0), testPayload(1, 1))
		Expect(table.Due(start.Add(24 * time.Hour))).To(BeEmpty())
	})
})
