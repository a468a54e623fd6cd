package raknet

import "net"

// DisconnectReason classifies why a session was torn down, passed to
// OnDisconnectFunc (spec §6 "on_disconnect(session_handle, reason)").
type DisconnectReason int

const (
	ReasonClientRequested DisconnectReason = iota
	ReasonInactivityTimeout
	ReasonRetransmissionFailures
	ReasonSplitReassemblyError
	ReasonServerShutdown
	ReasonDuplicateHandshake
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClientRequested:
		return "client_requested"
	case ReasonInactivityTimeout:
		return "inactivity_timeout"
	case ReasonRetransmissionFailures:
		return "retransmission_failures"
	case ReasonSplitReassemblyError:
		return "split_reassembly_error"
	case ReasonServerShutdown:
		return "server_shutdown"
	case ReasonDuplicateHandshake:
		return "duplicate_handshake"
	default:
		return "unknown"
	}
}

// MessageHandler is bound to a session via Session.SetHandler once its
// login completes (spec §4.3 step 4, §4.7 "install the login message
// handler"); the core installs Options.OnMessage automatically at
// handshake completion. The receive pipeline drops and removes a session
// outright if it still has no handler when a datagram for it arrives.
type MessageHandler func(sess *Session, msg Message)

// OnConnectFunc fires when a session enters Connecting (spec §6
// "on_connect(session_handle)").
type OnConnectFunc func(sess *Session)

// OnMessageFunc fires per delivered application message, in per-channel
// order (spec §6 "on_message(session_handle, decoded_message)").
type OnMessageFunc func(sess *Session, msg Message)

// OnDisconnectFunc fires when a session is evicted (spec §6
// "on_disconnect(session_handle, reason)").
type OnDisconnectFunc func(sess *Session, reason DisconnectReason)

// MOTDProvider supplies the message-of-the-day string for unconnected pings
// (spec §6 "MOTD provider").
type MOTDProvider interface {
	MOTD(serverInfo ServerInfo, peer *net.UDPAddr, edu bool) string
}

// ServerInfo is the subset of server identity handed to the MOTD provider
// so it can render without importing the Server type itself.
type ServerInfo struct {
	GUID           uint64
	Name           string
	MaxPlayers     int
	PlayerCount    func() int
}

// MOTDProviderFunc adapts a plain function to MOTDProvider.
type MOTDProviderFunc func(serverInfo ServerInfo, peer *net.UDPAddr, edu bool) string

func (f MOTDProviderFunc) MOTD(serverInfo ServerInfo, peer *net.UDPAddr, edu bool) string {
	return f(serverInfo, peer, edu)
}

// staticMOTD returns a fixed string regardless of peer, the simplest
// MOTDProvider a caller can plug in.
func staticMOTD(motd string) MOTDProvider {
	return MOTDProviderFunc(func(ServerInfo, *net.UDPAddr, bool) string { return motd })
}

// AdmissionController is the greylist/blacklist/rate-limit collaborator
// consulted at handshake stage 1 (spec §6 "Admission controller").
type AdmissionController interface {
	IsBlacklisted(ip net.IP) bool
	IsWhitelisted(ip net.IP) bool
	IsGreylisted(ip net.IP) bool
	AcceptConnection(peer *net.UDPAddr) bool
	Blacklist(ip net.IP)
}

// openAdmission accepts every connection and blacklists nothing; the
// default when no admission controller is supplied.
type openAdmission struct{}

func (openAdmission) IsBlacklisted(net.IP) bool       { return false }
func (openAdmission) IsWhitelisted(net.IP) bool       { return true }
func (openAdmission) IsGreylisted(net.IP) bool        { return false }
func (openAdmission) AcceptConnection(*net.UDPAddr) bool { return true }
func (openAdmission) Blacklist(net.IP)                {}
