package raknet

import "github.com/ventosilenzioso/raknet-gateway/internal/rakneterr"

// Datagram header bit flags (spec §3 "Datagram"). Grounded on the teacher's
// 0x80/0xC0/0xA0 flag bytes, generalized into named bits instead of
// hardcoded constants per packet kind.
const (
	flagValid byte = 0x80
	flagACK   byte = 0x40
	flagNAK   byte = 0x20
	flagSplit byte = 0x10 // only meaningful on the per-message flags byte
)

// datagramHeader is the leading byte of every connected datagram (spec §3:
// "Header byte whose bits indicate valid, isACK, isNAK, hasSplit").
type datagramHeader struct {
	Valid    bool
	IsACK    bool
	IsNAK    bool
	HasSplit bool
}

func decodeDatagramHeader(b byte) datagramHeader {
	return datagramHeader{
		Valid:    b&flagValid != 0,
		IsACK:    b&flagACK != 0,
		IsNAK:    b&flagNAK != 0,
		HasSplit: b&flagSplit != 0,
	}
}

func (h datagramHeader) encode() byte {
	b := byte(0)
	if h.Valid {
		b |= flagValid
	}
	if h.IsACK {
		b |= flagACK
	}
	if h.IsNAK {
		b |= flagNAK
	}
	if h.HasSplit {
		b |= flagSplit
	}
	return b
}

// sequenceRange is one ACK/NAK record: either a single sequence number
// (Start == End) or an inclusive range.
type sequenceRange struct {
	Start uint32
	End   uint32
}

// encodeRanges serializes a list of sequence numbers into coalesced
// ACK/NAK ranges: 16-bit little-endian count, then per range a 1-byte flag (0x01 single,
// 0x00 range) and one or two 24-bit little-endian sequence numbers (spec
// §4.1).
func encodeRanges(seqs []uint32) []byte {
	ranges := coalesceRanges(seqs)

	buf := make([]byte, 0, 3+len(ranges)*7)
	count := uint16(len(ranges))
	buf = append(buf, byte(count), byte(count>>8))

	for _, r := range ranges {
		if r.Start == r.End {
			buf = append(buf, 0x01)
			buf = append(buf, writeUint24LE(r.Start)...)
		} else {
			buf = append(buf, 0x00)
			buf = append(buf, writeUint24LE(r.Start)...)
			buf = append(buf, writeUint24LE(r.End)...)
		}
	}
	return buf
}

// coalesceRanges groups consecutive sequence numbers into inclusive ranges,
// sorted ascending.
func coalesceRanges(seqs []uint32) []sequenceRange {
	if len(seqs) == 0 {
		return nil
	}
	sorted := append([]uint32(nil), seqs...)
	insertionSort(sorted)

	ranges := make([]sequenceRange, 0, len(sorted))
	start, end := sorted[0], sorted[0]
	for _, s := range sorted[1:] {
		if s == end || s == end+1 {
			end = s
			continue
		}
		ranges = append(ranges, sequenceRange{Start: start, End: end})
		start, end = s, s
	}
	ranges = append(ranges, sequenceRange{Start: start, End: end})
	return ranges
}

// insertionSort sorts small uint32 slices in place; the per-flush ACK queue
// is bounded by how many datagrams arrived since the last 10ms tick and
// mostly arrives already ascending, so insertion sort (near-linear on such
// input, quadratic in the worst case) is used instead of sort.Slice.
func insertionSort(s []uint32) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// decodeRanges parses the body of an ACK/NAK datagram (after the header
// byte) into the flat list of sequence numbers it covers.
func decodeRanges(data []byte) ([]uint32, error) {
	bs := newBitStream(data)
	countBytes, err := bs.readBytes(2)
	if err != nil {
		return nil, rakneterr.ErrMalformedDatagram
	}
	count := uint16(countBytes[0]) | uint16(countBytes[1])<<8

	var seqs []uint32
	for i := uint16(0); i < count; i++ {
		flag, err := bs.readByte()
		if err != nil {
			return nil, rakneterr.ErrMalformedDatagram
		}
		start, err := bs.readUint24LE()
		if err != nil {
			return nil, rakneterr.ErrMalformedDatagram
		}
		end := start
		if flag == 0x00 {
			end, err = bs.readUint24LE()
			if err != nil {
				return nil, rakneterr.ErrMalformedDatagram
			}
		}
		for s := start; ; s = (s + 1) & 0xFFFFFF {
			seqs = append(seqs, s)
			if s == end {
				break
			}
		}
	}
	return seqs, nil
}

// encodeConnectedDatagram serializes a sequence number and its encapsulated
// messages into a full connected datagram body (spec §4.1).
func encodeConnectedDatagram(seq uint32, messages []*encapsulatedMessage) []byte {
	hasSplit := false
	for _, m := range messages {
		if m.HasSplit {
			hasSplit = true
			break
		}
	}

	bs := newEmptyBitStream()
	bs.writeByte(datagramHeader{Valid: true, HasSplit: hasSplit}.encode())
	bs.writeUint24LE(seq)

	for _, m := range messages {
		flags := byte(m.Reliability) << 5
		if m.HasSplit {
			flags |= flagSplit
		}
		bs.writeByte(flags)
		bs.writeUint16(uint16(len(m.Payload) * 8))

		if m.Reliability.isReliable() {
			bs.writeUint24LE(m.MessageNum)
		}
		if m.Reliability.isOrdered() {
			bs.writeUint24LE(m.OrderIndex)
			bs.writeByte(m.OrderChannel)
		}
		if m.HasSplit {
			bs.writeUint32(m.Split.Count)
			bs.writeUint16(m.Split.ID)
			bs.writeUint32(m.Split.Index)
		}
		bs.writeBytes(m.Payload)
	}
	return bs.bytes()
}

// decodeConnectedDatagram parses a connected datagram body (after the
// header byte) into its sequence number and encapsulated messages.
func decodeConnectedDatagram(data []byte) (uint32, []*encapsulatedMessage, error) {
	bs := newBitStream(data)
	seq, err := bs.readUint24LE()
	if err != nil {
		return 0, nil, rakneterr.ErrMalformedDatagram
	}

	var messages []*encapsulatedMessage
	for bs.remaining() > 0 {
		flagsByte, err := bs.readByte()
		if err != nil {
			return 0, nil, rakneterr.ErrMalformedDatagram
		}
		m := &encapsulatedMessage{
			Reliability: Reliability((flagsByte >> 5) & 0x07),
			HasSplit:    flagsByte&flagSplit != 0,
		}

		lengthBits, err := bs.readUint16()
		if err != nil {
			return 0, nil, rakneterr.ErrMalformedDatagram
		}
		lengthBytes := int(lengthBits+7) / 8

		if m.Reliability.isReliable() {
			m.MessageNum, err = bs.readUint24LE()
			if err != nil {
				return 0, nil, rakneterr.ErrMalformedDatagram
			}
		}
		if m.Reliability.isOrdered() {
			m.OrderIndex, err = bs.readUint24LE()
			if err != nil {
				return 0, nil, rakneterr.ErrMalformedDatagram
			}
			m.OrderChannel, err = bs.readByte()
			if err != nil {
				return 0, nil, rakneterr.ErrMalformedDatagram
			}
			if m.OrderChannel >= MaxOrderingChannels {
				return 0, nil, rakneterr.ErrMalformedDatagram
			}
		}
		if m.HasSplit {
			m.Split.Count, err = bs.readUint32()
			if err != nil {
				return 0, nil, rakneterr.ErrMalformedDatagram
			}
			splitID, err := bs.readUint16()
			if err != nil {
				return 0, nil, rakneterr.ErrMalformedDatagram
			}
			m.Split.ID = splitID
			m.Split.Index, err = bs.readUint32()
			if err != nil {
				return 0, nil, rakneterr.ErrMalformedDatagram
			}
		}

		payload, err := bs.readBytes(lengthBytes)
		if err != nil {
			return 0, nil, rakneterr.ErrMalformedDatagram
		}
		m.Payload = append([]byte(nil), payload...)
		messages = append(messages, m)
	}

	return seq, messages, nil
}
