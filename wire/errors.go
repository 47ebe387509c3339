package wire

import "fmt"

// A ShortPacketError is returned when a datagram is too
// small to hold a header.
type ShortPacketError struct {
	Size int
}

func (s *ShortPacketError) Error() string {
	return fmt.Sprintf("short packet: %d bytes, header needs %d", s.Size, HeaderSize)
}

// A TruncatedPayloadError is returned when a header
// declares more payload than the datagram carries.
type TruncatedPayloadError struct {
	Header    Header
	Declared  int
	Available int
}

func (t *TruncatedPayloadError) Error() string {
	return fmt.Sprintf("truncated payload (%s): declared %d bytes, have %d",
		t.Header, t.Declared, t.Available)
}

// An InvalidHeaderError is returned for headers whose
// fields cannot describe a valid chunk.
type InvalidHeaderError struct {
	Header Header
	Reason string
}

func (i *InvalidHeaderError) Error() string {
	return fmt.Sprintf("invalid header (%s): %s", i.Header, i.Reason)
}
