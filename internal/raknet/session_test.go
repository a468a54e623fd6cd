package raknet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestSessionMarkSeenDeduplicates(t *testing.T) {
	s := newSession(testAddr(1), 1400, 1)
	require.False(t, s.markSeen(1))
	require.True(t, s.markSeen(1))
	require.False(t, s.markSeen(2))
}

func TestSessionScheduleAckDedupsAndDrains(t *testing.T) {
	s := newSession(testAddr(1), 1400, 1)
	s.scheduleAck(1)
	s.scheduleAck(2)
	s.scheduleAck(1) // duplicate, ignored

	acks := s.drainAcks()
	require.ElementsMatch(t, []uint32{1, 2}, acks)
	require.Nil(t, s.drainAcks())
}

func TestSessionNextSeqWraps(t *testing.T) {
	s := newSession(testAddr(1), 1400, 1)
	s.nextDatagramSeq = 0xFFFFFF
	require.Equal(t, uint32(0xFFFFFF), s.nextSeq())
	require.Equal(t, uint32(0), s.nextSeq())
}

func TestSessionAssignReliabilityStampsReliableAndOrdered(t *testing.T) {
	s := newSession(testAddr(1), 1400, 1)

	m1 := &encapsulatedMessage{Reliability: Reliable}
	s.assignReliability(m1, 0)
	require.Equal(t, uint32(0), m1.MessageNum)

	m2 := &encapsulatedMessage{Reliability: Reliable}
	s.assignReliability(m2, 0)
	require.Equal(t, uint32(1), m2.MessageNum)

	m3 := &encapsulatedMessage{Reliability: ReliableOrdered}
	s.assignReliability(m3, 2)
	require.Equal(t, uint8(2), m3.OrderChannel)
	require.Equal(t, uint32(0), m3.OrderIndex)

	m4 := &encapsulatedMessage{Reliability: Unreliable}
	s.assignReliability(m4, 0)
	require.Equal(t, uint32(0), m4.MessageNum) // never stamped, stays zero value
}

func TestSessionRetainAckRemovesAndReportsRTT(t *testing.T) {
	s := newSession(testAddr(1), 1400, 1)
	s.retain(1, []byte("datagram"))
	require.Equal(t, 1, s.unackedCount())

	time.Sleep(2 * time.Millisecond)
	sample, had := s.ack(1)
	require.True(t, had)
	require.GreaterOrEqual(t, sample, 0.0)
	require.Equal(t, 0, s.unackedCount())

	_, had = s.ack(1)
	require.False(t, had)
}

func TestSessionForNakReturnsBytesAndBumpsCount(t *testing.T) {
	s := newSession(testAddr(1), 1400, 1)
	s.retain(1, []byte("datagram"))

	bytes, _, ok := s.forNak(1)
	require.True(t, ok)
	require.Equal(t, []byte("datagram"), bytes)

	s.sendMu.Lock()
	count := s.unacked[1].TransmissionCount
	s.sendMu.Unlock()
	require.Equal(t, 2, count)

	_, _, ok = s.forNak(2)
	require.False(t, ok)
}

func TestSessionExpiredRetransmissionsResendsAndGivesUp(t *testing.T) {
	s := newSession(testAddr(1), 1400, 1)
	s.rtoMillis = 1 // force immediate expiry
	s.retain(1, []byte("a"))

	time.Sleep(5 * time.Millisecond)
	resend, givenUp := s.expiredRetransmissions(time.Now())
	require.Contains(t, resend, uint32(1))
	require.Empty(t, givenUp)

	s.sendMu.Lock()
	s.unacked[1].TransmissionCount = maxTransmissions + 1
	s.sendMu.Unlock()

	time.Sleep(5 * time.Millisecond)
	resend, givenUp = s.expiredRetransmissions(time.Now())
	require.Empty(t, resend)
	require.Equal(t, []uint32{1}, givenUp)
	require.Equal(t, 0, s.unackedCount())
}

func TestSessionUpdateRTTEnforcesRTOFloor(t *testing.T) {
	s := newSession(testAddr(1), 1400, 1)
	s.updateRTT(200)
	require.GreaterOrEqual(t, s.rtoMillis, s.rttMillis+4*s.rttVarMillis+minRTO-0.001)
}

func TestAbsDiff(t *testing.T) {
	require.Equal(t, 5.0, absDiff(10, 5))
	require.Equal(t, 5.0, absDiff(5, 10))
	require.Equal(t, 0.0, absDiff(5, 5))
}

func TestSessionIncrementGivenUp(t *testing.T) {
	s := newSession(testAddr(1), 1400, 1)
	require.Equal(t, 3, s.incrementGivenUp(3))
	require.Equal(t, 5, s.incrementGivenUp(2))
}
