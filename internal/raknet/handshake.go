package raknet

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ventosilenzioso/raknet-gateway/internal/logging"
	"github.com/ventosilenzioso/raknet-gateway/internal/rakneterr"
)

// Offline message IDs (spec §4.3 step 3, §4.7). These are the
// application-message-enum boundary below which a datagram's first byte
// is treated as offline handshake traffic rather than connected data.
const (
	idUnconnectedPing               byte = 0x01
	idOpenConnectionRequest1        byte = 0x05
	idOpenConnectionReply1          byte = 0x06
	idOpenConnectionRequest2        byte = 0x07
	idOpenConnectionReply2          byte = 0x08
	idNoFreeIncomingConnections     byte = 0x14
	idDisconnectionNotification     byte = 0x15
	idUnconnectedPong               byte = 0x1c

	offlineBoundary byte = 0x1f // first byte <= this is offline protocol, per spec §4.3 step 3
)

func isOfflineMessageID(id byte) bool {
	return id <= offlineBoundary
}

// offlineMagic is the 16-byte constant RakNet's offline messages carry for
// protocol compatibility (spec §6 "Wire protocol": "a 16-byte 'offline
// magic' constant as part of their payload").
var offlineMagic = [16]byte{0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe, 0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78}

// inProgressEntry tracks a peer mid-handshake, between
// OpenConnectionRequest1 and OpenConnectionRequest2 (spec §4.7).
type inProgressEntry struct {
	mtu      uint16
	recorded time.Time
}

// inProgressTable is the short-lived handshake bookkeeping table keyed by
// peer address, with a fixed idempotency window (spec §4.7
// "OpenConnectionRequest1 → OpenConnectionReply1").
type inProgressTable struct {
	mu      sync.Mutex
	entries map[string]inProgressEntry
	window  time.Duration
}

func newInProgressTable(window time.Duration) *inProgressTable {
	return &inProgressTable{entries: make(map[string]inProgressEntry), window: window}
}

// recordOrDuplicate records addr as in-progress with mtu, or reports true
// if it was already recorded within the idempotency window.
func (t *inProgressTable) recordOrDuplicate(addr *net.UDPAddr, mtu uint16) (duplicate bool) {
	key := keyFor(addr)
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && now.Sub(e.recorded) < t.window {
		return true
	}
	t.entries[key] = inProgressEntry{mtu: mtu, recorded: now}
	return false
}

// remove deletes addr's in-progress entry, if any, returning the recorded
// MTU (spec §4.7 "OpenConnectionRequest2 → ... Remove from in-progress").
func (t *inProgressTable) remove(addr *net.UDPAddr) (mtu uint16, ok bool) {
	key := keyFor(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return 0, false
	}
	delete(t.entries, key)
	return e.mtu, true
}

// sweep evicts stale in-progress entries past the idempotency window,
// bounding the table's size under a handshake flood.
func (t *inProgressTable) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if now.Sub(e.recorded) >= t.window {
			delete(t.entries, k)
		}
	}
}

// handleOffline dispatches a handshake-stage datagram (spec §4.3 step 3,
// §4.7). All offline messages are fixed-format: message ID byte, then a
// payload carrying the offline magic and message-specific fields.
func (s *Server) handleOffline(data []byte, addr *net.UDPAddr) {
	id := data[0]
	body := data[1:]

	switch id {
	case idUnconnectedPing:
		s.handleUnconnectedPing(body, addr)
	case idOpenConnectionRequest1:
		s.handleOpenConnectionRequest1(body, addr)
	case idOpenConnectionRequest2:
		s.handleOpenConnectionRequest2(body, addr)
	default:
		// Unknown offline message id: ignored rather than blacklisted,
		// since plenty of legitimate RakNet clients probe with IDs this
		// server doesn't implement (query pings, NAT punch-through, etc).
	}
}

// handleUnconnectedPing replies with an UnconnectedPong carrying the
// echoed ping time, server GUID, and the MOTD provider's string (spec
// §4.7 "UnconnectedPing → UnconnectedPong").
func (s *Server) handleUnconnectedPing(body []byte, addr *net.UDPAddr) {
	bs := newBitStream(body)
	pingTime, err := bs.readUint32()
	if err != nil {
		return
	}

	info := s.ServerInfo()
	motd := s.opts.MOTD.MOTD(info, addr, s.opts.EnableEdu)

	out := newEmptyBitStream()
	out.writeByte(idUnconnectedPong)
	out.writeUint32(pingTime)
	out.writeUint32(uint32(s.guid >> 32))
	out.writeBytes(offlineMagic[:])
	out.writeString(motd)

	_, _ = s.conn.WriteToUDP(out.bytes(), addr)
}

// handleOpenConnectionRequest1 runs admission, records the peer in the
// in-progress table, and replies with OpenConnectionReply1 (spec §4.7).
func (s *Server) handleOpenConnectionRequest1(body []byte, addr *net.UDPAddr) {
	if !bytes.HasPrefix(body, offlineMagic[:]) {
		return
	}
	mtuPadding := len(body) - len(offlineMagic)
	mtu := uint16(len(offlineMagic) + 1 + 2 + mtuPadding) // best-effort echo of the client's probed MTU
	if mtu < 576 {
		mtu = 576
	}
	if mtu > 1500 {
		mtu = 1500
	}

	if !s.opts.Admission.AcceptConnection(addr) {
		s.metrics.DeniedConnections.Inc()
		logging.WithFields(logrus.Fields{"peer": addr.String()}).Debugf("admission rejected: %v", rakneterr.ErrAdmissionDenied)
		out := append([]byte{idNoFreeIncomingConnections}, offlineMagic[:]...)
		_, _ = s.conn.WriteToUDP(out, addr)
		return
	}

	s.inProgress.recordOrDuplicate(addr, mtu)

	out := newEmptyBitStream()
	out.writeByte(idOpenConnectionReply1)
	out.writeBytes(offlineMagic[:])
	out.writeUint32(uint32(s.guid >> 32))
	out.writeByte(0) // server_has_security = 0
	out.writeUint16(mtu)
	_, _ = s.conn.WriteToUDP(out.bytes(), addr)
}

// handleOpenConnectionRequest2 removes the peer from the in-progress
// table and creates (or replaces) its session (spec §4.7).
func (s *Server) handleOpenConnectionRequest2(body []byte, addr *net.UDPAddr) {
	if !bytes.HasPrefix(body, offlineMagic[:]) {
		return
	}
	rest := body[len(offlineMagic):]
	bs := newBitStream(rest)

	if _, err := bs.readAddress(); err != nil { // bound server address, echoed by convention, otherwise unused
		return
	}
	mtu, err := bs.readUint16()
	if err != nil {
		return
	}
	clientGUID, err := bs.readUint32()
	if err != nil {
		return
	}

	recordedMTU, had := s.inProgress.remove(addr)
	if had && recordedMTU != 0 {
		mtu = recordedMTU
	}

	if existing := s.table.getOrNone(addr); existing != nil {
		switch existing.State() {
		case StateConnecting:
			return // duplicate request, already handled
		default:
			s.Disconnect(existing, ReasonDuplicateHandshake, false)
		}
	}

	sess := newSession(addr, mtu, uint64(clientGUID))
	s.table.replace(addr, sess)

	// Installing the login message handler here is what spec §4.7 means by
	// "install the login message handler": the core's single on_message
	// callback is bound to the session as soon as it exists, which also
	// completes its login and flips it to Connected (Session.SetHandler). A
	// caller wanting a multi-step login instead leaves OnMessage unset and
	// calls sess.SetHandler itself once its own exchange finishes.
	if s.opts.OnMessage != nil {
		sess.SetHandler(s.opts.OnMessage)
	}

	if s.opts.OnConnect != nil {
		s.opts.OnConnect(sess)
	}

	out := newEmptyBitStream()
	out.writeByte(idOpenConnectionReply2)
	out.writeBytes(offlineMagic[:])
	out.writeUint32(uint32(s.guid >> 32))
	out.writeAddress(addr)
	out.writeUint16(mtu)
	out.writeByte(0) // encryption_enabled = 0
	_, _ = s.conn.WriteToUDP(out.bytes(), addr)

	logging.WithFields(logrus.Fields{"peer": addr.String(), "guid": clientGUID, "mtu": mtu}).Info("session opened")
}

// netErrIsClosed reports whether err is the "use of closed network
// connection" error net returns after Close, without string-matching on
// its exact message across platforms.
func netErrIsClosed(err error) bool {
	var opErr *net.OpError
	if ok := asOpError(err, &opErr); ok {
		return opErr.Err != nil && errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if opErr, ok := err.(*net.OpError); ok {
			*target = opErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
