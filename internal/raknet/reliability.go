package raknet

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/raknet-gateway/internal/logging"
	"github.com/ventosilenzioso/raknet-gateway/internal/rakneterr"
)

// handleConnectedDatagram runs the full receive pipeline for a plain
// (non-ACK, non-NAK) datagram: duplicate suppression, ACK scheduling,
// per-message split reassembly, ordering-buffer drain, and delivery to the
// session's handler (spec §4.4).
func (s *Server) handleConnectedDatagram(sess *Session, body []byte) {
	seq, messages, err := decodeConnectedDatagram(body)
	if err != nil {
		s.dropMalformed(sess.Addr)
		return
	}

	if sess.markSeen(seq) {
		s.metrics.DuplicateDatagrams.Inc()
		// Still ACK a duplicate: the peer's own ACK for this sequence may
		// have been lost, and withholding it would stall its resend timer
		// forever (spec §4.4 "ACK scheduling is independent of delivery").
		sess.scheduleAck(seq)
		return
	}
	sess.scheduleAck(seq)

	for _, m := range messages {
		s.deliverMessage(sess, m)
	}
}

// deliverMessage resolves one encapsulated message through split
// reassembly (if any) and the per-channel ordering buffer (if ordered),
// then hands the finished payload to the session's handler (spec §4.4
// "split reassembly", "ordering buffer drain").
func (s *Server) deliverMessage(sess *Session, m *encapsulatedMessage) {
	if m.HasSplit {
		complete := s.reassembleSplit(sess, m)
		if complete == nil {
			return
		}
		m = complete
	}

	if !m.Reliability.isOrdered() {
		s.emit(sess, m)
		return
	}

	if s.opts.ForceOrderingForAll && s.orderingSem.TryAcquire(1) {
		// spec §6 "ForceOrderingForAll: when true, all ReliableOrdered
		// delivery is performed off the receive pool": hand the drain to a
		// dedicated ordering pool instead of running it inline on the
		// receive worker that decoded this datagram. Falls back to inline
		// if the ordering pool is momentarily saturated, same as it runs
		// when the option is off.
		go func() {
			defer s.orderingSem.Release(1)
			s.drainOrdered(sess, m)
		}()
		return
	}
	s.drainOrdered(sess, m)
}

// reassembleSplit folds one part of a split message into its buffer,
// returning the reassembled encapsulatedMessage once every part has
// arrived, or nil while parts are still outstanding (spec §3 "Split
// message", §7 "split reassembly failures").
func (s *Server) reassembleSplit(sess *Session, m *encapsulatedMessage) *encapsulatedMessage {
	sess.mu.Lock()
	buf, ok := sess.splitBuffers[m.Split.ID]
	if !ok {
		if m.Split.Count == 0 || m.Split.Count > maxSplitParts {
			sess.mu.Unlock()
			s.failSplitReassembly(sess)
			return nil
		}
		buf = &splitBuffer{Parts: make([][]byte, m.Split.Count), Original: *m}
		sess.splitBuffers[m.Split.ID] = buf
	}
	if m.Split.Index >= uint32(len(buf.Parts)) {
		delete(sess.splitBuffers, m.Split.ID)
		sess.mu.Unlock()
		s.failSplitReassembly(sess)
		return nil
	}
	if buf.Parts[m.Split.Index] == nil {
		buf.Parts[m.Split.Index] = m.Payload
		buf.Received++
	}
	complete := buf.Received == len(buf.Parts)
	if complete {
		delete(sess.splitBuffers, m.Split.ID)
	}
	sess.mu.Unlock()

	if !complete {
		return nil
	}

	total := 0
	for _, p := range buf.Parts {
		total += len(p)
	}
	payload := make([]byte, 0, total)
	for _, p := range buf.Parts {
		payload = append(payload, p...)
	}

	out := buf.Original
	out.HasSplit = false
	out.Payload = payload
	return &out
}

// maxSplitParts bounds how many fragments a session will buffer for a
// single split id, guarding against a malformed or hostile Split.Count
// from forcing an unbounded allocation.
const maxSplitParts = 4096

// failSplitReassembly handles a part-count mismatch or oversized split
// message by disconnecting the session without notifying the peer (spec §7
// "Split reassembly error ... disconnect the session").
func (s *Server) failSplitReassembly(sess *Session) {
	s.metrics.SplitReassemblyFails.Inc()
	logging.Debug("split reassembly failed for %s: %v", sess.Addr, rakneterr.ErrSplitReassemblyFailed)
	s.Disconnect(sess, ReasonSplitReassemblyError, false)
}

// drainOrdered delivers m if it is the next expected message on its
// channel, then drains any buffered successors that are now contiguous
// (spec §4.4 "ordering buffer drain").
func (s *Server) drainOrdered(sess *Session, m *encapsulatedMessage) {
	sess.mu.Lock()
	channel := m.OrderChannel
	if m.OrderIndex != sess.expectedOrder[channel] {
		if m.OrderIndex > sess.expectedOrder[channel] {
			sess.orderBuffers[channel][m.OrderIndex] = m
		}
		sess.mu.Unlock()
		return
	}

	var ready []*encapsulatedMessage
	ready = append(ready, m)
	next := sess.expectedOrder[channel] + 1
	for {
		buffered, ok := sess.orderBuffers[channel][next]
		if !ok {
			break
		}
		delete(sess.orderBuffers[channel], next)
		ready = append(ready, buffered)
		next++
	}
	sess.expectedOrder[channel] = next
	sess.mu.Unlock()

	for _, rm := range ready {
		s.emit(sess, rm)
	}
}

// emit decodes a delivered message's payload through the configured codec
// and invokes the session's handler (spec §4.3 step 4 "Hand the decoded
// message to the upper-layer message handler bound to the session"). The
// receive pipeline (handleDatagram) already drops and removes any session
// with no handler installed before a datagram reaches this far; the nil
// check here is a defensive backstop for callers that invoke the delivery
// path directly, as the tests do.
func (s *Server) emit(sess *Session, m *encapsulatedMessage) {
	if len(m.Payload) == 0 {
		return
	}
	h := sess.getHandler()
	if h == nil {
		return
	}
	msg, err := s.opts.Codec.Decode(m.Payload[0], m.Payload[1:])
	if err != nil {
		logging.WithFields(logrus.Fields{"peer": sess.Addr.String()}).Debugf("codec decode error: %v", err)
		return
	}
	h(sess, msg)
}

// handleACK applies an ACK datagram: clears retained datagrams and feeds
// the RTT estimator once for every acknowledged sequence that was still
// outstanding (spec §4.6 "ACK handling").
func (s *Server) handleACK(sess *Session, body []byte) {
	seqs, err := decodeRanges(body)
	if err != nil {
		s.dropMalformed(sess.Addr)
		return
	}
	for _, seq := range seqs {
		sample, had := sess.ack(seq)
		if had {
			sess.updateRTT(sample)
			s.metrics.RTT.Observe(sample)
		}
	}
}

// handleNAK applies a NAK datagram: every sequence it covers is
// retransmitted immediately, ahead of the periodic RTO sweep (spec §4.6
// "NAK handling").
func (s *Server) handleNAK(sess *Session, body []byte) {
	seqs, err := decodeRanges(body)
	if err != nil {
		s.dropMalformed(sess.Addr)
		return
	}
	for _, seq := range seqs {
		bytes, sendTime, ok := sess.forNak(seq)
		if !ok {
			continue
		}
		sample := float64(time.Since(sendTime).Milliseconds())
		sess.updateRTT(sample)
		s.metrics.RTT.Observe(sample)
		s.metrics.Resends.Inc()
		_, _ = s.conn.WriteToUDP(bytes, sess.Addr)
	}
}

// flushAcks runs on the ACK-flush ticker: every session with pending ACKs
// gets one coalesced ACK datagram (spec §4.4 "flush pending ACKs every
// ack_flush_interval").
func (s *Server) flushAcks() {
	for _, sess := range s.table.snapshotForCleanup() {
		if sess.State() == StateEvicted {
			continue
		}
		seqs := sess.drainAcks()
		if len(seqs) == 0 {
			continue
		}
		header := datagramHeader{Valid: true, IsACK: true}.encode()
		out := make([]byte, 0, 1+len(seqs)*7)
		out = append(out, header)
		out = append(out, encodeRanges(seqs)...)
		_, _ = s.conn.WriteToUDP(out, sess.Addr)
	}
}

// sweepRTO runs on the RTO-sweep ticker: every session's outstanding
// unacked datagrams past their RTO are retransmitted, and any that have
// exceeded the retransmission cap are counted as given up (spec §4.6
// "RTO-driven resend", §7 "retransmission cap exceeded").
func (s *Server) sweepRTO() {
	now := time.Now()
	for _, sess := range s.table.snapshotForCleanup() {
		if sess.State() == StateEvicted {
			continue
		}
		resend, givenUp := sess.expiredRetransmissions(now)
		for _, bytes := range resend {
			s.metrics.Resends.Inc()
			_, _ = s.conn.WriteToUDP(bytes, sess.Addr)
		}
		if len(givenUp) == 0 {
			continue
		}
		s.metrics.GivenUpDatagrams.Add(float64(len(givenUp)))
		total := sess.incrementGivenUp(len(givenUp))
		if total > maxGivenUpDatagrams {
			logging.Debug("session %s: %v (given up %d)", sess.Addr, rakneterr.ErrRetransmissionCapExceeded, total)
			s.Disconnect(sess, ReasonRetransmissionFailures, false)
		}
	}
}

// sendPipeline fragments payload to the session's negotiated MTU if
// needed, stamps reliability/ordering metadata, packs one or more
// encapsulated messages into a connected datagram, retains reliable
// datagrams for resend, and writes the wire bytes (spec §4.5 "Send
// pipeline").
func (s *Server) sendPipeline(sess *Session, payload []byte, reliability Reliability, channel uint8) error {
	if channel >= MaxOrderingChannels {
		channel = 0
	}

	maxPayload := int(sess.MTU()) - headerOverhead - 25 // conservative per-message header allowance
	if maxPayload < 1 {
		maxPayload = 1
	}

	var parts [][]byte
	if len(payload) <= maxPayload {
		parts = [][]byte{payload}
	} else {
		splitID := sess.nextSplitIDValue()
		for off := 0; off < len(payload); off += maxPayload {
			end := off + maxPayload
			if end > len(payload) {
				end = len(payload)
			}
			parts = append(parts, payload[off:end])
		}
		return s.sendSplit(sess, parts, splitID, reliability, channel)
	}

	m := &encapsulatedMessage{Reliability: reliability, Payload: parts[0]}
	sess.assignReliability(m, channel)
	return s.writeDatagram(sess, []*encapsulatedMessage{m})
}

// sendSplit emits one datagram per fragment, each carrying identical
// split metadata so the peer's reassembler can reconstruct the original
// payload regardless of arrival order (spec §4.5 "fragmentation").
func (s *Server) sendSplit(sess *Session, parts [][]byte, splitID uint16, reliability Reliability, channel uint8) error {
	for i, part := range parts {
		m := &encapsulatedMessage{
			Reliability: reliability,
			HasSplit:    true,
			Split:       split{Count: uint32(len(parts)), ID: splitID, Index: uint32(i)},
			Payload:     part,
		}
		sess.assignReliability(m, channel)
		if err := s.writeDatagram(sess, []*encapsulatedMessage{m}); err != nil {
			return err
		}
	}
	return nil
}

// writeDatagram assigns the next outgoing sequence number, encodes the
// datagram, retains it for resend if any message it carries is reliable,
// and writes it to the wire.
func (s *Server) writeDatagram(sess *Session, messages []*encapsulatedMessage) error {
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()

	seq := sess.nextSeq()
	encoded := encodeConnectedDatagram(seq, messages)

	for _, m := range messages {
		if m.Reliability.isReliable() {
			sess.unacked[seq] = &retainedDatagram{Bytes: encoded, SendTime: time.Now(), TransmissionCount: 1}
			break
		}
	}

	n, err := s.conn.WriteToUDP(encoded, sess.Addr)
	if err != nil {
		return err
	}
	s.metrics.PacketsSent.Inc()
	s.metrics.BytesSent.Add(float64(n))
	return nil
}
