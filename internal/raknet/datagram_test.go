package raknet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDatagramHeaderRoundTrip(t *testing.T) {
	cases := []datagramHeader{
		{Valid: true},
		{Valid: true, IsACK: true},
		{Valid: true, IsNAK: true},
		{Valid: true, HasSplit: true},
	}
	for _, h := range cases {
		got := decodeDatagramHeader(h.encode())
		require.Equal(t, h, got)
	}
}

func TestCoalesceRangesMergesConsecutive(t *testing.T) {
	ranges := coalesceRanges([]uint32{5, 1, 2, 3, 10, 11, 20})
	require.Equal(t, []sequenceRange{
		{Start: 1, End: 3},
		{Start: 5, End: 5},
		{Start: 10, End: 11},
		{Start: 20, End: 20},
	}, ranges)
}

func TestEncodeDecodeRangesRoundTrip(t *testing.T) {
	seqs := []uint32{7, 8, 9, 1, 100, 101, 102, 103}
	encoded := encodeRanges(seqs)

	decoded, err := decodeRanges(encoded)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{1, 7, 8, 9, 100, 101, 102, 103}, decoded)
}

func TestEncodeRangesSingleValue(t *testing.T) {
	encoded := encodeRanges([]uint32{42})
	// 16-bit count == 1, then flag 0x01, then 24-bit LE sequence.
	require.Equal(t, []byte{0x01, 0x00, 0x01, 0x2a, 0x00, 0x00}, encoded)
}

func TestDecodeRangesMalformedTruncated(t *testing.T) {
	_, err := decodeRanges([]byte{0x01, 0x00, 0x01})
	require.Error(t, err)
}

func TestConnectedDatagramRoundTripUnreliable(t *testing.T) {
	msgs := []*encapsulatedMessage{
		{Reliability: Unreliable, Payload: []byte("ping")},
	}
	encoded := encodeConnectedDatagram(123, msgs)

	seq, decoded, err := decodeConnectedDatagram(encoded)
	require.NoError(t, err)
	require.Equal(t, uint32(123), seq)
	require.Len(t, decoded, 1)
	require.Equal(t, Unreliable, decoded[0].Reliability)
	require.Equal(t, []byte("ping"), decoded[0].Payload)
}

func TestConnectedDatagramRoundTripReliableOrdered(t *testing.T) {
	msgs := []*encapsulatedMessage{
		{
			Reliability:  ReliableOrdered,
			MessageNum:   555,
			OrderIndex:   7,
			OrderChannel: 3,
			Payload:      []byte("reliable ordered payload"),
		},
	}
	encoded := encodeConnectedDatagram(1, msgs)

	_, decoded, err := decodeConnectedDatagram(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	got := decoded[0]
	require.Equal(t, ReliableOrdered, got.Reliability)
	require.Equal(t, uint32(555), got.MessageNum)
	require.Equal(t, uint32(7), got.OrderIndex)
	require.Equal(t, uint8(3), got.OrderChannel)
	require.Equal(t, msgs[0].Payload, got.Payload)
}

func TestConnectedDatagramRoundTripSplit(t *testing.T) {
	msgs := []*encapsulatedMessage{
		{
			Reliability: Reliable,
			MessageNum:  9,
			HasSplit:    true,
			Split:       split{Count: 3, ID: 77, Index: 1},
			Payload:     []byte("fragment-1"),
		},
	}
	encoded := encodeConnectedDatagram(2, msgs)

	_, decoded, err := decodeConnectedDatagram(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	got := decoded[0]
	require.True(t, got.HasSplit)
	require.Equal(t, uint32(3), got.Split.Count)
	require.Equal(t, uint16(77), got.Split.ID)
	require.Equal(t, uint32(1), got.Split.Index)
	require.Equal(t, []byte("fragment-1"), got.Payload)
}

func TestConnectedDatagramMultipleMessages(t *testing.T) {
	msgs := []*encapsulatedMessage{
		{Reliability: Unreliable, Payload: []byte("a")},
		{Reliability: Reliable, MessageNum: 1, Payload: []byte("bb")},
		{Reliability: ReliableOrdered, MessageNum: 2, OrderIndex: 0, OrderChannel: 0, Payload: []byte("ccc")},
	}
	encoded := encodeConnectedDatagram(5, msgs)

	_, decoded, err := decodeConnectedDatagram(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for i, m := range decoded {
		require.Equal(t, msgs[i].Payload, m.Payload)
	}
}

func TestDecodeConnectedDatagramRejectsIllegalOrderingChannel(t *testing.T) {
	bs := newEmptyBitStream()
	bs.writeUint24LE(1)
	flags := byte(ReliableOrdered) << 5
	bs.writeByte(flags)
	bs.writeUint16(0)
	bs.writeUint24LE(0)  // message num
	bs.writeUint24LE(0)  // order index
	bs.writeByte(40)     // channel > 31, illegal

	_, _, err := decodeConnectedDatagram(bs.bytes())
	require.Error(t, err)
}
