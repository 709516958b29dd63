package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/siridb/siridb-cluster/internal/packet"
	"github.com/siridb/siridb-cluster/internal/promise"
)

// RouteMode selects which pool member(s) SendPkg submits to.
type RouteMode int

const (
	// RoutePrimary sends to a single admissible member, preferring slot 0.
	RoutePrimary RouteMode = iota
	// RouteAnyAvailable sends to whichever member is admissible, picking the
	// first one found in slot order, so slot 0 wins ties.
	RouteAnyAvailable
	// RouteBoth sends to every admissible member (replication fan-out).
	RouteBoth
)

// ErrNoMembers is returned when a pool has no servers at all.
var ErrNoMembers = fmt.Errorf("cluster: pool has no members")

// ErrNoRoute is returned by SendPkg when no member is admissible.
var ErrNoRoute = fmt.Errorf("cluster: no admissible pool member for this request")

// Pool is a replication group of 1 or 2 servers, mirroring siridb/pool.h's
// fixed-size server[2] array plus len. Slot assignment is by ascending UUID
// order (cluster.Cmp), so every member of the database agrees on which
// server occupies slot 0 without a side channel.
type Pool struct {
	ID uint16

	mu      sync.RWMutex
	members [2]*Server
	count   int
}

// NewPool returns an empty pool with the given index.
func NewPool(id uint16) *Pool {
	return &Pool{ID: id}
}

// Add inserts srv into the pool, assigning its Slot by UUID order among the
// existing members. Returns an error if the pool already has 2 members.
func (p *Pool) Add(srv *Server) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count >= len(p.members) {
		return fmt.Errorf("cluster: pool %d already has %d members", p.ID, len(p.members))
	}

	srv.Pool = p.ID
	p.members[p.count] = srv
	p.count++

	p.resortLocked()

	srv.OnDrop(func(dropped *Server) { p.remove(dropped) })

	return nil
}

// resortLocked reassigns Slot 0/1 by ascending UUID so it is stable
// regardless of insertion order. Must hold p.mu.
func (p *Pool) resortLocked() {
	active := p.members[:p.count]
	sort.Slice(active, func(i, j int) bool {
		return Cmp(active[i], active[j]) < 0
	})
	for i, m := range active {
		m.Slot = uint8(i)
	}
}

// remove drops srv from the pool's member array, compacting slots.
func (p *Pool) remove(srv *Server) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.count; i++ {
		if p.members[i] == srv {
			copy(p.members[i:], p.members[i+1:p.count])
			p.members[p.count-1] = nil
			p.count--
			p.resortLocked()
			return
		}
	}
}

// Len returns the current member count (0, 1 or 2).
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

// Members returns a snapshot slice of the pool's current servers, ordered
// by slot.
func (p *Pool) Members() []*Server {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Server, p.count)
	copy(out, p.members[:p.count])
	return out
}

// Online reports whether at least one member is Online.
func (p *Pool) Online() bool {
	for _, m := range p.Members() {
		if m.Online() {
			return true
		}
	}
	return false
}

// Available reports whether at least one member is Available.
func (p *Pool) Available() bool {
	for _, m := range p.Members() {
		if m.Available() {
			return true
		}
	}
	return false
}

// Reindexing reports whether any member has the REINDEXING bit set.
func (p *Pool) Reindexing() bool {
	for _, m := range p.Members() {
		if m.Reindexing() {
			return true
		}
	}
	return false
}

// SendPkg routes pkt to this pool's member(s) according to mode, issuing one
// promise per targeted member. cb is invoked once per targeted member, or
// once with Unavailable if the pool is empty or no member is admissible —
// per §7's routing rule, cb always fires exactly once for a request that
// never reaches a member, never silently dropped. If onlyCheckOnline is
// set, admission relaxes from Available to Online, matching the
// replicate-during-synchronizing rule described for pool routing.
func (p *Pool) SendPkg(mode RouteMode, pkt *packet.Packet, timeout time.Duration, cb promise.Callback, onlyCheckOnline bool) error {
	members := p.Members()
	if len(members) == 0 {
		cb(nil, promise.Unavailable)
		return ErrNoMembers
	}

	var flags promise.Flags
	if onlyCheckOnline {
		flags |= promise.OnlyCheckOnline
	}

	admissible := func(s *Server) bool {
		if onlyCheckOnline {
			return s.Online()
		}
		return s.Available()
	}

	switch mode {
	case RoutePrimary:
		for _, m := range members { // slot order, so slot 0 wins ties
			if admissible(m) {
				return m.Send(pkt, timeout, cb, flags|promise.KeepPkg)
			}
		}
		cb(nil, promise.Unavailable)
		return ErrNoRoute

	case RouteAnyAvailable:
		for _, m := range members {
			if admissible(m) {
				return m.Send(pkt, timeout, cb, flags|promise.KeepPkg)
			}
		}
		cb(nil, promise.Unavailable)
		return ErrNoRoute

	case RouteBoth:
		sent := false
		var firstErr error
		for _, m := range members {
			if !admissible(m) {
				continue
			}
			if err := m.Send(pkt, timeout, cb, flags|promise.KeepPkg); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			sent = true
		}
		if !sent {
			if firstErr != nil {
				return firstErr
			}
			cb(nil, promise.Unavailable)
			return ErrNoRoute
		}
		return nil

	default:
		return fmt.Errorf("cluster: unknown route mode %d", mode)
	}
}

// Registry is the full set of pools known to this process, keyed by pool
// index, plus a UUID index over every server in every pool.
type Registry struct {
	mu      sync.RWMutex
	pools   map[uint16]*Pool
	byUUID  map[[16]byte]*Server
	ordered []uint16 // insertion order, for deterministic Walk
}

// NewRegistry returns an empty pool registry.
func NewRegistry() *Registry {
	return &Registry{
		pools:  make(map[uint16]*Pool),
		byUUID: make(map[[16]byte]*Server),
	}
}

// Pool returns the pool for id, creating it if it doesn't exist yet.
func (r *Registry) Pool(id uint16) *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[id]
	if !ok {
		p = NewPool(id)
		r.pools[id] = p
		r.ordered = append(r.ordered, id)
	}
	return p
}

// AddServer registers srv in the registry's UUID index and adds it to its
// target pool.
func (r *Registry) AddServer(srv *Server) error {
	r.mu.Lock()
	if _, dup := r.byUUID[srv.UUID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("cluster: server %s already registered", srv.UUID)
	}
	r.byUUID[srv.UUID] = srv
	r.mu.Unlock()

	pool := r.Pool(srv.Pool)
	if err := pool.Add(srv); err != nil {
		r.mu.Lock()
		delete(r.byUUID, srv.UUID)
		r.mu.Unlock()
		return err
	}

	srv.OnDrop(func(dropped *Server) {
		r.mu.Lock()
		delete(r.byUUID, dropped.UUID)
		r.mu.Unlock()
	})

	return nil
}

// ByUUID looks up a server by its identity.
func (r *Registry) ByUUID(id [16]byte) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byUUID[id]
	return s, ok
}

// PoolCount returns the number of known pools.
func (r *Registry) PoolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Stat is one row of Walk's output: a pool index, its member count, and the
// number of series it owns (caller-supplied, since series ownership lives
// in the data layer outside this package's scope).
type Stat struct {
	PoolIndex   uint16
	ServerCount int
	SeriesCount func() int
}

// Walk visits every pool in registration order, yielding a Stat per pool.
// SeriesCount is left for the caller to fill in against their own series
// index; this package only tracks cluster topology.
func (r *Registry) Walk(seriesCount func(poolID uint16) int) []Stat {
	r.mu.RLock()
	ids := make([]uint16, len(r.ordered))
	copy(ids, r.ordered)
	r.mu.RUnlock()

	stats := make([]Stat, 0, len(ids))
	for _, id := range ids {
		pool := r.Pool(id)
		pid := id
		stats = append(stats, Stat{
			PoolIndex:   id,
			ServerCount: pool.Len(),
			SeriesCount: func() int { return seriesCount(pid) },
		})
	}
	return stats
}
