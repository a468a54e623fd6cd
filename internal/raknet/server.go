// Package raknet implements the RakNet-style reliable-datagram transport
// core: session table, reliability engine, handshake, and send pipeline
// (spec §§1-9). Everything above the decoded Message boundary - game
// logic, per-message codecs, MOTD content, admission policy - is supplied
// by the caller through the interfaces in interfaces.go and codec.go.
package raknet

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ventosilenzioso/raknet-gateway/internal/logging"
	"github.com/ventosilenzioso/raknet-gateway/internal/metrics"
	"github.com/ventosilenzioso/raknet-gateway/internal/rakneterr"
)

const (
	headerOverhead = 4  // datagram header: 1 flags byte + 3-byte sequence
	udpReadBuffer  = 2048
	ackFlushPeriod = 10 * time.Millisecond
	rtoSweepPeriod = 250 * time.Millisecond
	cleanerPeriod  = 1 * time.Second
	maxGivenUpDatagrams = 64 // per-session cap before the session is disconnected (spec §7)
)

// Options configures a Server (spec §6 "Configuration options").
type Options struct {
	ListenAddr string

	MaxNumberOfPlayers            int
	MaxNumberOfConcurrentConnects int
	InactivityTimeout             time.Duration
	ForceOrderingForAll            bool
	EnableEdu                      bool
	EnableQuery                    bool

	ServerName string

	MOTD      MOTDProvider
	Admission AdmissionController
	Codec     MessageCodec

	OnConnect    OnConnectFunc
	OnMessage    OnMessageFunc
	OnDisconnect OnDisconnectFunc

	// Registerer, when nil, is replaced by prometheus.NewRegistry() (not
	// the global default registerer) so tests don't collide on repeated
	// runs.
	Registerer prometheus.Registerer

	// workerPoolSize sizes the receive worker pool; defaults to
	// runtime.GOMAXPROCS(0) when zero. Exposed for tests that want
	// deterministic single-worker dispatch.
	workerPoolSize int64
}

// Server is the reliable-datagram transport core (spec §1).
type Server struct {
	opts Options
	guid uint64

	conn *net.UDPConn

	table       *sessionTable
	inProgress  *inProgressTable
	metrics     *metrics.Registry

	workerSem   *semaphore.Weighted
	orderingSem *semaphore.Weighted

	ready chan struct{}
}

// NewServer constructs a Server bound to opts. It does not open the UDP
// socket; call Run to start serving.
func NewServer(opts Options) *Server {
	if opts.MOTD == nil {
		opts.MOTD = staticMOTD("A RakNet Gateway Server")
	}
	if opts.Admission == nil {
		opts.Admission = openAdmission{}
	}
	if opts.Codec == nil {
		opts.Codec = rawCodec{}
	}
	if opts.MaxNumberOfPlayers == 0 {
		opts.MaxNumberOfPlayers = 1000
	}
	if opts.MaxNumberOfConcurrentConnects == 0 {
		opts.MaxNumberOfConcurrentConnects = opts.MaxNumberOfPlayers
	}
	if opts.InactivityTimeout == 0 {
		opts.InactivityTimeout = 8500 * time.Millisecond
	}
	if opts.workerPoolSize == 0 {
		opts.workerPoolSize = int64(runtime.GOMAXPROCS(0))
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	guid := serverGUIDFromUUID(uuid.New())

	srv := &Server{
		opts:        opts,
		guid:        guid,
		table:       newSessionTable(),
		inProgress:  newInProgressTable(3 * time.Second),
		workerSem:   semaphore.NewWeighted(opts.workerPoolSize),
		orderingSem: semaphore.NewWeighted(opts.workerPoolSize),
		ready:       make(chan struct{}),
	}
	srv.metrics = metrics.New(reg, srv.table.count)
	return srv
}

// serverGUIDFromUUID folds a 16-byte UUID down to the 64-bit GUID RakNet's
// handshake messages carry, the way a from-scratch server would mint a
// stable process identity without depending on a particular UUID layout.
func serverGUIDFromUUID(id uuid.UUID) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(id[i]^id[i+8])
	}
	return v
}

// ServerInfo returns the snapshot handed to the MOTD provider.
func (s *Server) ServerInfo() ServerInfo {
	return ServerInfo{
		GUID:        s.guid,
		Name:        s.opts.ServerName,
		MaxPlayers:  s.opts.MaxNumberOfPlayers,
		PlayerCount: s.table.count,
	}
}

// LocalAddr blocks until the socket is bound and returns its address;
// used by callers (and tests) that start Run with an ephemeral port
// ("host:0") and need to learn the one actually assigned.
func (s *Server) LocalAddr() net.Addr {
	<-s.ready
	return s.conn.LocalAddr()
}

// Run opens the UDP socket and serves until ctx is canceled or an
// unrecoverable error occurs. It supervises the receive loop and the
// ACK-flush, RTO-sweep, and cleaner tickers as siblings under one
// errgroup, the way a from-scratch server coordinates its background
// loops instead of leaking ungoverned goroutines (spec §5 "Scheduling
// model").
func (s *Server) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve listen addr %q: %w", s.opts.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind udp socket: %w", err)
	}
	s.conn = conn
	defer conn.Close()
	close(s.ready)

	logging.Success("listening on %s (run=%s)", s.opts.ListenAddr, xid.New().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.tickerLoop(gctx, ackFlushPeriod, s.flushAcks) })
	g.Go(func() error { return s.tickerLoop(gctx, rtoSweepPeriod, s.sweepRTO) })
	g.Go(func() error { return s.tickerLoop(gctx, cleanerPeriod, s.cleanup) })

	go func() {
		<-gctx.Done()
		s.conn.Close()
	}()

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) tickerLoop(ctx context.Context, period time.Duration, fn func()) error {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fn()
		}
	}
}

// receiveLoop is the single dedicated thread performing blocking UDP reads
// (spec §5 "one dedicated receive thread"). Each datagram is copied and
// handed to the bounded worker pool; the receive thread never blocks on
// anything but the enqueue itself.
func (s *Server) receiveLoop(ctx context.Context) error {
	buf := make([]byte, udpReadBuffer)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isClosedConnErr(err) {
				return nil
			}
			logging.WithFields(logrus.Fields{"err": err}).Warn("udp read error")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		s.metrics.PacketsReceived.Inc()
		s.metrics.BytesReceived.Add(float64(n))

		if err := s.workerSem.Acquire(ctx, 1); err != nil {
			return nil
		}
		go func(data []byte, addr *net.UDPAddr) {
			defer s.workerSem.Release(1)
			s.handleDatagram(data, addr)
		}(data, addr)
	}
}

func isClosedConnErr(err error) bool {
	return err != nil && (netErrIsClosed(err))
}

// handleDatagram is the receive pipeline's classification step (spec
// §4.3).
func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr) {
	if len(data) == 0 {
		return
	}

	if s.opts.EnableQuery && data[0] == 0xFE {
		// Query protocol is a narrow external collaborator (spec §1); the
		// core only recognizes and routes the magic byte.
		return
	}

	if isOfflineMessageID(data[0]) {
		s.handleOffline(data, addr)
		return
	}

	sess := s.table.getOrNone(addr)
	if sess == nil {
		return
	}
	if sess.getHandler() == nil {
		// spec §4.3 step 4: a session with no message handler yet is
		// dropped and removed outright, rather than left to the cleaner's
		// inactivity sweep. In normal operation the handshake installs the
		// handler synchronously before any reply is sent, so this only
		// fires when the caller runs the core with no OnMessage configured
		// at all.
		s.table.remove(addr)
		return
	}
	if sess.State() == StateEvicted {
		return
	}
	sess.touch()

	header := decodeDatagramHeader(data[0])
	if !header.Valid {
		s.dropMalformed(addr)
		return
	}
	body := data[1:]

	switch {
	case header.IsACK:
		s.handleACK(sess, body)
	case header.IsNAK:
		s.handleNAK(sess, body)
	default:
		s.handleConnectedDatagram(sess, body)
	}
}

func (s *Server) dropMalformed(addr *net.UDPAddr) {
	s.metrics.MalformedDatagrams.Inc()
	s.opts.Admission.Blacklist(addr.IP)
	logging.WithFields(logrus.Fields{"peer": addr.String()}).Debug("dropped malformed datagram, blacklisted")
}

// Send encodes msg via the configured codec and hands it to the send
// pipeline (spec §6 "send(session_handle, message, reliability,
// channel)").
func (s *Server) Send(sess *Session, msg Message, reliability Reliability, channel uint8) error {
	if sess.State() == StateEvicted {
		return rakneterr.ErrSessionEvicted
	}
	payload := s.opts.Codec.Encode(msg)
	return s.sendPipeline(sess, payload, reliability, channel)
}

// Disconnect marks sess Evicted, optionally notifies the peer, and invokes
// OnDisconnect. Further receives for this address are dropped until the
// next handshake; the session is removed from the table on the next
// cleaner pass (spec §6 "disconnect", §5 "Disconnect is cooperative").
func (s *Server) Disconnect(sess *Session, reason DisconnectReason, notifyPeer bool) {
	if sess.State() == StateEvicted {
		return
	}
	sess.setState(StateEvicted)
	if notifyPeer {
		_ = s.sendPipeline(sess, []byte{idDisconnectionNotification}, Reliable, 0)
	}
	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(sess, reason)
	}
	logging.WithFields(logrus.Fields{"peer": sess.Addr.String(), "reason": reason.String()}).Info("session disconnected")
}

// cleanup runs the coarse-interval maintenance pass (spec §5 "Cancellation
// and timeouts"): evict inactive sessions and remove any already-Evicted
// session from the table.
func (s *Server) cleanup() {
	now := time.Now()
	for _, sess := range s.table.snapshotForCleanup() {
		switch sess.State() {
		case StateEvicted:
			s.table.remove(sess.Addr)
		default:
			if sess.idleSince(now) > s.opts.InactivityTimeout {
				s.Disconnect(sess, ReasonInactivityTimeout, false)
				s.table.remove(sess.Addr)
			}
		}
	}
	s.inProgress.sweep(now)
}
