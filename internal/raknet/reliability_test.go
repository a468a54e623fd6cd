package raknet

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T, onMessage OnMessageFunc) *Server {
	t.Helper()
	return NewServer(Options{
		Registerer: prometheus.NewRegistry(),
		OnMessage:  onMessage,
	})
}

func TestDeliverMessageOrderedDeliversInOrderDespiteReorderedArrival(t *testing.T) {
	var delivered []uint32
	srv := testServer(t, nil)
	sess := newSession(testAddr(1), 1400, 1)
	sess.SetHandler(func(sess *Session, msg Message) {
		delivered = append(delivered, uint32(msg.(RawMessage).Payload[0]))
	})

	msgFor := func(idx uint32) *encapsulatedMessage {
		return &encapsulatedMessage{
			Reliability:  ReliableOrdered,
			OrderChannel: 0,
			OrderIndex:   idx,
			Payload:      []byte{byte(idx), byte(idx)},
		}
	}

	srv.deliverMessage(sess, msgFor(2))
	srv.deliverMessage(sess, msgFor(0))
	srv.deliverMessage(sess, msgFor(1))

	require.Equal(t, []uint32{0, 1, 2}, delivered)
}

func TestDeliverMessageUnorderedDeliversImmediately(t *testing.T) {
	var delivered int
	srv := testServer(t, nil)
	sess := newSession(testAddr(1), 1400, 1)
	sess.SetHandler(func(sess *Session, msg Message) { delivered++ })

	srv.deliverMessage(sess, &encapsulatedMessage{Reliability: Unreliable, Payload: []byte{0xAA, 0xBB}})
	require.Equal(t, 1, delivered)
}

func TestReassembleSplitConcatenatesInIndexOrderRegardlessOfArrival(t *testing.T) {
	srv := testServer(t, nil)
	sess := newSession(testAddr(1), 1400, 1)

	base := encapsulatedMessage{Reliability: Reliable, MessageNum: 9, HasSplit: true, Split: split{Count: 3, ID: 5}}

	part := func(idx uint32, payload string) *encapsulatedMessage {
		m := base
		m.Split.Index = idx
		m.Payload = []byte(payload)
		return &m
	}

	require.Nil(t, srv.reassembleSplit(sess, part(2, "CCC")))
	require.Nil(t, srv.reassembleSplit(sess, part(0, "AAA")))
	complete := srv.reassembleSplit(sess, part(1, "BBB"))
	require.NotNil(t, complete)
	require.Equal(t, "AAABBBCCC", string(complete.Payload))
	require.False(t, complete.HasSplit)
	require.Equal(t, Reliable, complete.Reliability)
}

func TestReassembleSplitDisconnectsOnOversizedCount(t *testing.T) {
	srv := testServer(t, nil)
	sess := newSession(testAddr(1), 1400, 1)

	m := &encapsulatedMessage{
		Reliability: Reliable,
		HasSplit:    true,
		Split:       split{Count: maxSplitParts + 1, ID: 1, Index: 0},
		Payload:     []byte("x"),
	}
	require.Nil(t, srv.reassembleSplit(sess, m))
	require.Equal(t, StateEvicted, sess.State(), "an oversized split count must disconnect the session")
}

func TestReassembleSplitDisconnectsOnIndexOutOfRange(t *testing.T) {
	srv := testServer(t, nil)
	sess := newSession(testAddr(1), 1400, 1)

	first := &encapsulatedMessage{
		Reliability: Reliable,
		HasSplit:    true,
		Split:       split{Count: 2, ID: 1, Index: 0},
		Payload:     []byte("A"),
	}
	require.Nil(t, srv.reassembleSplit(sess, first))

	outOfRange := &encapsulatedMessage{
		Reliability: Reliable,
		HasSplit:    true,
		Split:       split{Count: 2, ID: 1, Index: 5},
		Payload:     []byte("B"),
	}
	require.Nil(t, srv.reassembleSplit(sess, outOfRange))
	require.Equal(t, StateEvicted, sess.State(), "a split index past Count must disconnect the session")
}

func TestHandleConnectedDatagramDropsDuplicateDeliveryButStillSchedulesAck(t *testing.T) {
	var delivered int
	srv := testServer(t, nil)
	sess := newSession(testAddr(1), 1400, 1)
	sess.SetHandler(func(sess *Session, msg Message) { delivered++ })

	// encodeConnectedDatagram's leading byte is the datagram header flags;
	// handleConnectedDatagram is invoked on the body after that byte has
	// already been stripped by the receive pipeline's dispatch step.
	encoded := encodeConnectedDatagram(1, []*encapsulatedMessage{
		{Reliability: Unreliable, Payload: []byte{0x01, 'x'}},
	})
	body := encoded[1:]

	srv.handleConnectedDatagram(sess, body)
	require.Equal(t, 1, delivered)
	require.ElementsMatch(t, []uint32{1}, sess.drainAcks())

	srv.handleConnectedDatagram(sess, body)
	require.Equal(t, 1, delivered, "duplicate datagram must not be delivered twice")
	require.ElementsMatch(t, []uint32{1}, sess.drainAcks(), "duplicate datagram must still be acked")
}

func TestEmitUsesSessionHandlerNotOnMessage(t *testing.T) {
	var viaHandler, viaOnMessage bool
	srv := testServer(t, func(sess *Session, msg Message) { viaOnMessage = true })
	sess := newSession(testAddr(1), 1400, 1)
	sess.SetHandler(func(sess *Session, msg Message) { viaHandler = true })

	srv.emit(sess, &encapsulatedMessage{Payload: []byte{0x01, 'x'}})
	require.True(t, viaHandler)
	require.False(t, viaOnMessage, "emit must never fall back to the server-wide OnMessage callback")
}

func TestEmitDropsEmptyPayload(t *testing.T) {
	var delivered int
	srv := testServer(t, func(sess *Session, msg Message) { delivered++ })
	sess := newSession(testAddr(1), 1400, 1)
	sess.SetHandler(func(*Session, Message) { delivered++ })

	srv.emit(sess, &encapsulatedMessage{Payload: nil})
	require.Equal(t, 0, delivered)
}

func TestEmitDropsWhenNoHandlerInstalled(t *testing.T) {
	var delivered int
	srv := testServer(t, func(sess *Session, msg Message) { delivered++ })
	sess := newSession(testAddr(1), 1400, 1)

	srv.emit(sess, &encapsulatedMessage{Payload: []byte{0x01, 'x'}})
	require.Equal(t, 0, delivered, "emit must drop rather than fall back when no handler is installed")
}
