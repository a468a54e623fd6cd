// Package rakneterr names the error kinds from spec §7 as sentinel values
// so callers can branch with errors.Is instead of matching strings, the way
// the teacher's BitStream already returns a plain wrapped error from
// ReadByte/ReadBytes.
package rakneterr

import "errors"

var (
	// ErrMalformedDatagram covers header parse failures, truncated bodies,
	// and illegal ordering channels (> 31). The datagram is dropped and the
	// peer is blacklisted.
	ErrMalformedDatagram = errors.New("raknet: malformed datagram")

	// ErrSplitReassemblyFailed covers part-count mismatches, a missing split
	// buffer on completion, or an oversized reassembled payload. The
	// session is disconnected without notifying the peer.
	ErrSplitReassemblyFailed = errors.New("raknet: split reassembly failed")

	// ErrRetransmissionCapExceeded is logged when a session has given up on
	// more retained datagrams than its cap allows; the session is then
	// disconnected.
	ErrRetransmissionCapExceeded = errors.New("raknet: retransmission cap exceeded")

	// ErrAdmissionDenied is logged when the admission controller rejects a
	// peer at handshake stage 1.
	ErrAdmissionDenied = errors.New("raknet: admission denied")

	// ErrSessionEvicted is returned by Server.Send for a session already
	// marked Evicted.
	ErrSessionEvicted = errors.New("raknet: session evicted")

	// ErrBufferOverflow is returned by the bitstream reader/codec on a
	// truncated read.
	ErrBufferOverflow = errors.New("raknet: buffer overflow")
)
