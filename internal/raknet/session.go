package raknet

import (
	"net"
	"sync"
	"time"
)

// SessionState is the lifecycle stage of a session (spec §3 "Lifecycle").
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnecting
	StateEvicted
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// sequenceWindowSize bounds the sliding window of received datagram
// sequence numbers kept for duplicate suppression (spec §3
// "received_datagram_seqs"). 2048 datagrams at a 50ms send tick is about
// 100 seconds of history, comfortably more than any reasonable RTT*2.
const sequenceWindowSize = 2048

// retainedDatagram is one entry of Session.unacked: a transmitted datagram
// kept around for potential retransmission (spec §3 "unacked").
type retainedDatagram struct {
	Bytes            []byte
	SendTime         time.Time
	TransmissionCount int
}

// Session owns all per-peer reliability state (spec §3 "Session"). Every
// mutable field except unacked is guarded by mu; unacked is guarded by
// sendMu, which the send path holds across sequence allocation, datagram
// encoding, the unacked-map insertion and the write, so those are atomic
// (spec §5).
type Session struct {
	Addr *net.UDPAddr
	GUID uint64

	mu    sync.RWMutex
	state SessionState
	mtu   uint16

	lastActivity time.Time

	// Incoming reliability state.
	receivedSeqs    map[uint32]struct{}
	receivedSeqList []uint32 // FIFO backing receivedSeqs for window eviction
	pendingAcks     []uint32
	pendingAckSet   map[uint32]struct{}
	splitBuffers    map[uint16]*splitBuffer
	expectedOrder   [MaxOrderingChannels]uint32
	orderBuffers    [MaxOrderingChannels]map[uint32]*encapsulatedMessage

	// Outgoing reliability state.
	nextDatagramSeq uint32
	nextMessageNum  uint32
	nextOrderIndex  [MaxOrderingChannels]uint32
	nextSplitID     uint16

	sendMu sync.Mutex
	unacked map[uint32]*retainedDatagram

	rttMillis    float64
	rttVarMillis float64
	rtoMillis    float64

	givenUpCount int

	// handler is set once the upper layer's login flow completes (spec
	// §4.3 step 4: "If session has no message handler yet, drop").
	handler MessageHandler
}

// splitBuffer accumulates the parts of one split message (spec §3
// "split_buffers").
type splitBuffer struct {
	Parts    [][]byte
	Received int
	Original encapsulatedMessage // reliability/order metadata of the first part seen
}

const (
	minRTO            = 100.0 // milliseconds, the constant term in rto = rtt + 4*rttvar + 100ms
	defaultRTTMillis  = 300.0
	maxTransmissions  = 10
)

func newSession(addr *net.UDPAddr, mtu uint16, guid uint64) *Session {
	s := &Session{
		Addr:          addr,
		GUID:          guid,
		state:         StateConnecting,
		mtu:           mtu,
		lastActivity:  time.Now(),
		receivedSeqs:  make(map[uint32]struct{}, sequenceWindowSize),
		pendingAckSet: make(map[uint32]struct{}),
		splitBuffers:  make(map[uint16]*splitBuffer),
		unacked:       make(map[uint32]*retainedDatagram),
		rttMillis:     defaultRTTMillis,
		rttVarMillis:  0,
	}
	s.rtoMillis = s.rttMillis + 4*s.rttVarMillis + minRTO
	for c := range s.orderBuffers {
		s.orderBuffers[c] = make(map[uint32]*encapsulatedMessage)
	}
	return s
}

func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) MTU() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mtu
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastActivity)
}

// SetHandler installs the upper layer's message handler, transitioning a
// Connecting session to Connected (spec §3 "it transitions to Connected
// once the upper layer completes its login"; spec §4.3 step 4 and §4.7
// "install the login message handler"). The core calls this automatically
// at handshake completion when Options.OnMessage is configured; an upper
// layer with a multi-step login can instead call it later, once its own
// login exchange finishes, leaving the session in Connecting (and
// undelivered to) until then.
func (s *Session) SetHandler(h MessageHandler) {
	s.mu.Lock()
	s.handler = h
	if s.state == StateConnecting {
		s.state = StateConnected
	}
	s.mu.Unlock()
}

func (s *Session) getHandler() MessageHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// markSeen records a datagram sequence as received for duplicate
// suppression, evicting the oldest entry once the sliding window fills.
// Returns true if this sequence was already seen (a duplicate).
func (s *Session) markSeen(seq uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.receivedSeqs[seq]; dup {
		return true
	}
	s.receivedSeqs[seq] = struct{}{}
	s.receivedSeqList = append(s.receivedSeqList, seq)
	if len(s.receivedSeqList) > sequenceWindowSize {
		oldest := s.receivedSeqList[0]
		s.receivedSeqList = s.receivedSeqList[1:]
		delete(s.receivedSeqs, oldest)
	}
	return false
}

// scheduleAck enqueues a datagram sequence number for the next ACK flush
// (spec §4.4 "ACK scheduling"), deduplicating against anything already
// pending.
func (s *Session) scheduleAck(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, already := s.pendingAckSet[seq]; already {
		return
	}
	s.pendingAckSet[seq] = struct{}{}
	s.pendingAcks = append(s.pendingAcks, seq)
}

// drainAcks removes and returns all pending ACK sequence numbers.
func (s *Session) drainAcks() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingAcks) == 0 {
		return nil
	}
	out := s.pendingAcks
	s.pendingAcks = nil
	s.pendingAckSet = make(map[uint32]struct{})
	return out
}

// nextSeq allocates the next outgoing datagram sequence number.
func (s *Session) nextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.nextDatagramSeq
	s.nextDatagramSeq = (s.nextDatagramSeq + 1) & 0xFFFFFF
	return v
}

// assignReliability stamps MessageNum/OrderIndex on an outgoing message per
// its reliability level (spec §4.5 step 2/4.3 "Outgoing reliability
// state").
func (s *Session) assignReliability(m *encapsulatedMessage, channel uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Reliability.isReliable() {
		m.MessageNum = s.nextMessageNum
		s.nextMessageNum = (s.nextMessageNum + 1) & 0xFFFFFF
	}
	if m.Reliability.isOrdered() {
		m.OrderChannel = channel
		m.OrderIndex = s.nextOrderIndex[channel]
		s.nextOrderIndex[channel] = (s.nextOrderIndex[channel] + 1) & 0xFFFFFF
	}
}

// nextSplitIDValue allocates a fresh split id for a message requiring
// fragmentation (spec §4.5 step 2).
func (s *Session) nextSplitIDValue() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSplitID
	s.nextSplitID++
	return id
}

// retain stores an encoded datagram for potential retransmission (spec §3
// "unacked", §4.5 step 4).
func (s *Session) retain(seq uint32, encoded []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.unacked[seq] = &retainedDatagram{Bytes: encoded, SendTime: time.Now(), TransmissionCount: 1}
}

// ack removes a retained datagram and returns the RTT sample in
// milliseconds if it was still outstanding.
func (s *Session) ack(seq uint32) (rttSampleMillis float64, had bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	d, ok := s.unacked[seq]
	if !ok {
		return 0, false
	}
	delete(s.unacked, seq)
	return float64(time.Since(d.SendTime).Milliseconds()), true
}

// forNak returns the stored bytes for a NAKed sequence and bumps its
// transmission count, or ok=false if nothing is retained for it (already
// ACKed, or never sent).
func (s *Session) forNak(seq uint32) (bytes []byte, sendTime time.Time, ok bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	d, exists := s.unacked[seq]
	if !exists {
		return nil, time.Time{}, false
	}
	d.TransmissionCount++
	return d.Bytes, d.SendTime, true
}

// expiredRetransmissions returns, and resets the send time of, every
// retained datagram whose RTO has elapsed (spec §4.6 "RTO-driven resend").
// Datagrams whose transmission count already exceeds the cap are removed
// and returned separately as given-up sequences.
func (s *Session) expiredRetransmissions(now time.Time) (resend map[uint32][]byte, givenUp []uint32) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.RLock()
	rto := s.rtoMillis
	s.mu.RUnlock()

	for seq, d := range s.unacked {
		if now.Sub(d.SendTime).Milliseconds() < int64(rto) {
			continue
		}
		if d.TransmissionCount > maxTransmissions {
			delete(s.unacked, seq)
			givenUp = append(givenUp, seq)
			continue
		}
		d.TransmissionCount++
		d.SendTime = now
		if resend == nil {
			resend = make(map[uint32][]byte)
		}
		resend[seq] = d.Bytes
	}
	return resend, givenUp
}

// unackedCount reports how many datagrams are currently outstanding.
func (s *Session) unackedCount() int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return len(s.unacked)
}

// updateRTT applies one RTT sample to the smoothed estimators and
// recomputes rto, enforcing the invariant rto >= rtt + 4*rttvar + 100ms
// (spec §3 invariants, §4.6).
func (s *Session) updateRTT(sampleMillis float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rttVarMillis = (7.0/8.0)*s.rttVarMillis + (1.0/8.0)*absDiff(s.rttMillis, sampleMillis)
	s.rttMillis = (7.0/8.0)*s.rttMillis + (1.0/8.0)*sampleMillis
	s.rtoMillis = s.rttMillis + 4*s.rttVarMillis + minRTO
}

func (s *Session) rto() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.rtoMillis) * time.Millisecond
}

func (s *Session) rtt() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.rttMillis) * time.Millisecond
}

func absDiff(a, b float64) float64 {
	if a < b {
		return b - a
	}
	return a - b
}

func (s *Session) incrementGivenUp(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.givenUpCount += n
	return s.givenUpCount
}
