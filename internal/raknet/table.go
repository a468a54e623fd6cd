package raknet

import (
	"net"
	"sync"
)

// tableShards is the number of independent buckets in the session table.
// Bucket-level locking means two workers processing two different peers
// never contend on the same mutex unless their addresses hash to the same
// shard (spec §4.2, §5 "bucket-level synchronization").
const tableShards = 64

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// sessionTable is the concurrent map from peer address to Session (spec
// §4.2). Every peer address maps to at most one session at any moment
// (spec §3 invariant); sessions are installed only through insertIfAbsent
// or replace (the handshake uses replace), both atomic per shard.
type sessionTable struct {
	shards [tableShards]*shard
}

func newSessionTable() *sessionTable {
	t := &sessionTable{}
	for i := range t.shards {
		t.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return t
}

func (t *sessionTable) shardFor(key string) *shard {
	h := fnv32(key)
	return t.shards[h%tableShards]
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func keyFor(addr *net.UDPAddr) string {
	return addr.String()
}

// getOrNone returns the session for addr, or nil if none exists.
func (t *sessionTable) getOrNone(addr *net.UDPAddr) *Session {
	sh := t.shardFor(keyFor(addr))
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[keyFor(addr)]
}

// insertIfAbsent atomically inserts newSession unless a session already
// exists for addr, in which case the existing session is returned and
// inserted=false.
func (t *sessionTable) insertIfAbsent(addr *net.UDPAddr, newSession *Session) (session *Session, inserted bool) {
	key := keyFor(addr)
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if existing, ok := sh.sessions[key]; ok {
		return existing, false
	}
	sh.sessions[key] = newSession
	return newSession, true
}

// replace unconditionally installs newSession for addr, used when the
// handshake must tear down and recreate a session in a later state (spec
// §4.7 OPEN_CONNECTION_REQUEST_2: "if it exists in a later state,
// disconnect it and replace").
func (t *sessionTable) replace(addr *net.UDPAddr, newSession *Session) {
	key := keyFor(addr)
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.sessions[key] = newSession
}

// remove atomically deletes the session for addr, if any.
func (t *sessionTable) remove(addr *net.UDPAddr) {
	key := keyFor(addr)
	sh := t.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, key)
}

// snapshotForCleanup returns a point-in-time copy of every session
// currently in the table, safe to iterate without holding any shard lock
// (spec §4.2 "snapshot_for_cleanup").
func (t *sessionTable) snapshotForCleanup() []*Session {
	var out []*Session
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// count returns the live table size, used only for the non-authoritative
// active-sessions telemetry gauge (spec §9).
func (t *sessionTable) count() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
