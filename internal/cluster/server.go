// Package cluster implements the server record & state machine, the pool
// registry that groups servers into 1- or 2-member replication pools, and
// the server-to-server authentication handshake.
package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/siridb/siridb-cluster/internal/packet"
	"github.com/siridb/siridb-cluster/internal/promise"
)

// Stream is the narrow capability Server needs from a stream.Stream,
// kept as an interface so this package doesn't need to import stream
// directly and tests can supply a fake.
type Stream interface {
	Write(pkt *packet.Packet) error
	Close()
	Incref()
	Decref()
	SetOrigin(origin interface{})
}

// Server is one member of a replication pool: identity, liveness flags, an
// optional live stream, and the promise table tracking its outstanding
// requests.
type Server struct {
	UUID    uuid.UUID
	Address string
	Port    uint16
	Pool    uint16
	Slot    uint8 // 0 or 1, assigned by UUID order within the pool

	// Local is true for "this" server: QUEUE_FULL, UNAVAILABLE and
	// AUTHENTICATED are never set on the local server (see Flag doc
	// comments), so Online/Available/etc. read differently for it.
	Local bool

	StartupTime time.Time
	Version     string

	mu     sync.RWMutex
	flags  Flag
	stream Stream

	Promises *promise.Table

	onDrop []func(*Server) // callbacks invoked when Drop runs, e.g. pool slot cleanup
}

// NewServer constructs a server record with no live stream and zero flags.
func NewServer(id uuid.UUID, address string, port uint16, pool uint16) *Server {
	return &Server{
		UUID:     id,
		Address:  address,
		Port:     port,
		Pool:     pool,
		Promises: promise.NewTable(),
	}
}

// NewLocalServer constructs the record for "this" process's own server.
func NewLocalServer(id uuid.UUID, address string, port uint16, pool uint16) *Server {
	s := NewServer(id, address, port, pool)
	s.Local = true
	return s
}

// Cmp totally orders servers by their 128-bit UUID, lexicographic byte
// compare, stabilizing slot assignment inside a pool.
func Cmp(a, b *Server) int {
	return bytes.Compare(a.UUID[:], b.UUID[:])
}

// Flags returns the current flag byte.
func (s *Server) Flags() Flag {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// SetFlags overwrites the flag byte outright; used when we set our own
// local flags (RUNNING on startup, cleared on shutdown), which are not
// subject to the peer-merge rule.
func (s *Server) SetFlags(f Flag) {
	s.mu.Lock()
	s.flags = f
	s.mu.Unlock()
}

// ApplyPeerFlags merges a flag byte broadcast by this (remote) server with
// the previously-observed value, preserving AUTHENTICATED and QUEUE_FULL.
func (s *Server) ApplyPeerFlags(broadcast Flag) {
	s.mu.Lock()
	s.flags = MergeFlags(s.flags, broadcast)
	s.mu.Unlock()
}

// SetAuthenticated sets (or clears) the AUTHENTICATED bit without touching
// anything else, used right after a successful/failed handshake.
func (s *Server) SetAuthenticated(ok bool) {
	s.mu.Lock()
	if ok {
		s.flags |= FlagAuthenticated
	} else {
		s.flags &^= FlagAuthenticated
	}
	s.mu.Unlock()
}

// SetQueueFull sets or clears the QUEUE_FULL bit, which removes the peer
// from Online (but not Connected) so the pool router diverts traffic to the
// other member.
func (s *Server) SetQueueFull(full bool) {
	s.mu.Lock()
	if full {
		s.flags |= FlagQueueFull
	} else {
		s.flags &^= FlagQueueFull
	}
	s.mu.Unlock()
}

// Connected reports whether the server has a live stream right now.
func (s *Server) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream != nil
}

// Online, Available, Synchronizing, Accessible read the local-vs-remote
// predicate variants depending on Server.Local.
func (s *Server) Online() bool {
	f := s.Flags()
	if s.Local {
		return f.selfOnline()
	}
	return f.Online()
}

func (s *Server) Available() bool {
	f := s.Flags()
	if s.Local {
		return f.selfAvailable()
	}
	return f.Available()
}

func (s *Server) Synchronizing() bool {
	f := s.Flags()
	if s.Local {
		return f.selfSynchronizing()
	}
	return f.Synchronizing()
}

func (s *Server) Accessible() bool {
	f := s.Flags()
	if s.Local {
		return f.selfAccessible()
	}
	return f.Accessible()
}

func (s *Server) Reindexing() bool {
	return s.Flags().Reindexing()
}

// BindStream attaches a live stream to this server record, incrementing the
// stream's reference count and pointing its origin back at this server's
// UUID for later lookup.
func (s *Server) BindStream(st Stream) {
	s.mu.Lock()
	prev := s.stream
	s.stream = st
	s.mu.Unlock()

	st.Incref()
	st.SetOrigin(s.UUID)

	if prev != nil {
		prev.Decref()
	}
}

// ClearStream detaches the current stream (e.g. on disconnect), dropping
// the reference this server held.
func (s *Server) ClearStream() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()

	if st != nil {
		st.Decref()
	}
}

// Write implements promise.Sender by submitting pkt to the bound stream.
func (s *Server) Write(pkt *packet.Packet) error {
	s.mu.RLock()
	st := s.stream
	s.mu.RUnlock()

	if st == nil {
		return errors.New("cluster: server has no live stream")
	}
	return st.Write(pkt)
}

// Send is the promise-table shortcut described in §4.4:
// siridb_server_send_pkg.
func (s *Server) Send(pkt *packet.Packet, timeout time.Duration, cb promise.Callback, flags promise.Flags) error {
	return s.Promises.Issue(s, pkt, timeout, cb, flags)
}

// SendFlags emits the current flag byte to this peer so it can merge it
// into its own observation of us (send_flags in §4.4). The flags packet is
// a single-byte payload tagged with tp; timeout is not used.
func (s *Server) SendFlags(tp packet.Type, timeout time.Duration) error {
	pkt := packet.New(0, tp, []byte{byte(s.Flags())})
	return s.Write(pkt)
}

// OnDrop registers a callback invoked when Drop runs (e.g. so the owning
// pool can clear this server's slot).
func (s *Server) OnDrop(fn func(*Server)) {
	s.onDrop = append(s.onDrop, fn)
}

// Drop removes the server from the database: stop accepting new issues,
// cancel all outstanding promises with ServerGone, and detach the stream.
func (s *Server) Drop() {
	s.SetFlags(0) // no longer Online/Available, so Issue rejects new requests
	s.Promises.CancelAll(promise.ServerGone)
	s.ClearStream()

	for _, fn := range s.onDrop {
		fn(s)
	}

	slog.Info("server dropped", "uuid", s.UUID, "pool", s.Pool)
}

// String renders "address:port" the way the original server->name field did.
func (s *Server) String() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}
