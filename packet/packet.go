// Package packet implements the wire codec for relaynet datagrams: a fixed
// 22-byte header followed by a variable-length payload, checksummed with
// CRC-32/IEEE over the header (checksum field zeroed) concatenated with the
// payload.
package packet

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/dkendall/relaynet/buffer"
)

// Flags that may be set on a packet.
const (
	FlagData uint8 = 0x00
	FlagCmd  uint8 = 0x01
	FlagAck  uint8 = 0x02
)

// HeaderSize is the fixed size, in bytes, of a packet header.
const HeaderSize = 22

const (
	offVer      = 0
	offFlags    = 1
	offConnID   = 2
	offSeq      = 6
	offAck      = 10
	offWin      = 14
	offLen      = 16
	offChecksum = 18
)

// ErrMalformedPacket is returned by Decode when the input is shorter than
// HeaderSize or the transmitted checksum disagrees with the recomputed one.
var ErrMalformedPacket = errors.New("packet: malformed packet")

// Header is the parsed form of a packet's fixed-size header.
type Header struct {
	Ver      uint8
	Flags    uint8
	ConnID   uint32
	Seq      uint32
	Ack      uint32
	Win      uint16
	Len      uint16
	Checksum uint32
}

// IsAck reports whether the ACK flag is set.
func (h Header) IsAck() bool { return h.Flags&FlagAck != 0 }

// IsCmd reports whether the CMD flag is set.
func (h Header) IsCmd() bool { return h.Flags&FlagCmd != 0 }

func putHeader(b []byte, ver, flags uint8, connID, seq, ack uint32, win, length uint16, checksum uint32) {
	b[offVer] = ver
	b[offFlags] = flags
	binary.BigEndian.PutUint32(b[offConnID:], connID)
	binary.BigEndian.PutUint32(b[offSeq:], seq)
	binary.BigEndian.PutUint32(b[offAck:], ack)
	binary.BigEndian.PutUint16(b[offWin:], win)
	binary.BigEndian.PutUint16(b[offLen:], length)
	binary.BigEndian.PutUint32(b[offChecksum:], checksum)
}

func checksum(headerZeroed, payload []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(headerZeroed)
	h.Write(payload)
	return h.Sum32()
}

// Encode assembles a packet: it prepends the payload, then the header, into
// a single Prependable buffer, writes the header with the checksum field
// zeroed, computes the CRC-32 over that header concatenated with payload,
// then rewrites the checksum field and returns the full packet bytes.
func Encode(ver, flags uint8, connID, seq, ack uint32, win uint16, payload []byte) []byte {
	pb := buffer.NewPrependable(HeaderSize + len(payload))
	copy(pb.Prepend(len(payload)), payload)
	putHeader(pb.Prepend(HeaderSize), ver, flags, connID, seq, ack, win, uint16(len(payload)), 0)

	buf := pb.UsedBytes()
	chk := checksum(buf[:HeaderSize], buf[HeaderSize:])
	binary.BigEndian.PutUint32(buf[offChecksum:], chk)
	return buf
}

// Decode parses a packet's header and returns it along with a view of the
// payload. It returns ErrMalformedPacket if the input is too short to
// contain a header, or if the declared length doesn't fit, or if the
// checksum doesn't verify.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrMalformedPacket
	}

	h := Header{
		Ver:      data[offVer],
		Flags:    data[offFlags],
		ConnID:   binary.BigEndian.Uint32(data[offConnID:]),
		Seq:      binary.BigEndian.Uint32(data[offSeq:]),
		Ack:      binary.BigEndian.Uint32(data[offAck:]),
		Win:      binary.BigEndian.Uint16(data[offWin:]),
		Len:      binary.BigEndian.Uint16(data[offLen:]),
		Checksum: binary.BigEndian.Uint32(data[offChecksum:]),
	}

	if HeaderSize+int(h.Len) > len(data) {
		return Header{}, nil, ErrMalformedPacket
	}
	payload := data[HeaderSize : HeaderSize+int(h.Len)]

	zeroed := make([]byte, HeaderSize)
	copy(zeroed, data[:HeaderSize])
	putHeader(zeroed, h.Ver, h.Flags, h.ConnID, h.Seq, h.Ack, h.Win, h.Len, 0)

	if checksum(zeroed, payload) != h.Checksum {
		return Header{}, nil, ErrMalformedPacket
	}

	return h, payload, nil
}
