package raknet

import (
	"encoding/binary"
	"net"

	"github.com/ventosilenzioso/raknet-gateway/internal/rakneterr"
)

// bitStream is a cursor over a byte slice with RakNet's mixed-endianness
// field helpers (24-bit sequence numbers are little-endian on the wire;
// lengths and most other multi-byte fields are big-endian). Grounded on the
// teacher's protocol.BitStream, generalized to return the package's
// sentinel errors instead of ad-hoc fmt.Errorf strings.
type bitStream struct {
	data   []byte
	offset int
}

func newBitStream(data []byte) *bitStream {
	return &bitStream{data: data}
}

func newEmptyBitStream() *bitStream {
	return &bitStream{data: make([]byte, 0, 64)}
}

func (bs *bitStream) readByte() (byte, error) {
	if bs.offset >= len(bs.data) {
		return 0, rakneterr.ErrBufferOverflow
	}
	b := bs.data[bs.offset]
	bs.offset++
	return b, nil
}

func (bs *bitStream) readBytes(n int) ([]byte, error) {
	if n < 0 || bs.offset+n > len(bs.data) {
		return nil, rakneterr.ErrBufferOverflow
	}
	out := bs.data[bs.offset : bs.offset+n]
	bs.offset += n
	return out, nil
}

func (bs *bitStream) readUint16() (uint16, error) {
	b, err := bs.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (bs *bitStream) readUint24LE() (uint32, error) {
	b, err := bs.readBytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16, nil
}

func (bs *bitStream) readUint32() (uint32, error) {
	b, err := bs.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (bs *bitStream) readString() (string, error) {
	n, err := bs.readUint16()
	if err != nil {
		return "", err
	}
	b, err := bs.readBytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (bs *bitStream) readAddress() (*net.UDPAddr, error) {
	version, err := bs.readByte()
	if err != nil {
		return nil, err
	}
	if version != 4 {
		return nil, rakneterr.ErrMalformedDatagram
	}
	raw, err := bs.readBytes(4)
	if err != nil {
		return nil, err
	}
	ipBytes := make([]byte, 4)
	for i := range raw {
		ipBytes[i] = ^raw[i]
	}
	port, err := bs.readUint16()
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: net.IPv4(ipBytes[0], ipBytes[1], ipBytes[2], ipBytes[3]), Port: int(port)}, nil
}

func (bs *bitStream) remaining() int { return len(bs.data) - bs.offset }

func (bs *bitStream) writeByte(b byte) { bs.data = append(bs.data, b) }

func (bs *bitStream) writeBytes(b []byte) { bs.data = append(bs.data, b...) }

func (bs *bitStream) writeUint16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	bs.data = append(bs.data, buf[:]...)
}

func (bs *bitStream) writeUint24LE(v uint32) {
	bs.data = append(bs.data, byte(v), byte(v>>8), byte(v>>16))
}

func (bs *bitStream) writeUint32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	bs.data = append(bs.data, buf[:]...)
}

func (bs *bitStream) writeString(s string) {
	bs.writeUint16(uint16(len(s)))
	bs.data = append(bs.data, s...)
}

func (bs *bitStream) writeAddress(addr *net.UDPAddr) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		bs.writeByte(4)
		bs.writeBytes([]byte{0, 0, 0, 0})
		bs.writeUint16(uint16(addr.Port))
		return
	}
	bs.writeByte(4)
	for i := 0; i < 4; i++ {
		bs.writeByte(^ip4[i])
	}
	bs.writeUint16(uint16(addr.Port))
}

func (bs *bitStream) bytes() []byte { return bs.data }

// readUint24LE / writeUint24LE free functions operate directly on a slice,
// used by the ACK/NAK range codec which doesn't need cursor semantics.
func readUint24LE(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func writeUint24LE(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}
