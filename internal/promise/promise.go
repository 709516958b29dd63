// Package promise implements the per-server promise table: a map from
// packet id to a pending-reply record with a timer, guaranteeing at-most-one
// completion per issued request.
package promise

import (
	"fmt"
	"sync"
	"time"

	"github.com/siridb/siridb-cluster/internal/packet"
)

// Outcome is the result a promise callback is invoked with.
type Outcome int

const (
	// Reply means a matching response packet arrived.
	Reply Outcome = iota
	// Timeout means the timer fired before a reply arrived.
	Timeout
	// Cancelled means the promise was explicitly cancelled (e.g. shutdown).
	Cancelled
	// ServerGone means the owning server record was destroyed.
	ServerGone
	// WriteError means submission to the stream failed synchronously.
	WriteError
	// Unavailable means no admissible target existed to submit to at all
	// (e.g. an empty pool, or no member passing the admission check), so
	// the request was never written to any stream.
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Reply:
		return "reply"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case ServerGone:
		return "server-gone"
	case WriteError:
		return "write-error"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once per issued promise, with pkt set only
// when outcome == Reply.
type Callback func(pkt *packet.Packet, outcome Outcome)

// Flags control issue-time behavior.
type Flags uint8

const (
	// KeepPkg means ownership of the submitted packet remains with the
	// caller (broadcast scenarios); the default is that the stream writer
	// is the sole owner of pkt's bytes once Issue is called.
	KeepPkg Flags = 1 << iota
	// OnlyCheckOnline relaxes the admission check from "available" to
	// "online", permitting submission to a peer that is mid-synchronizing
	// (replicate-during-sync, see Pool.SendPkg in the cluster package).
	OnlyCheckOnline
)

// Sender is the narrow capability a promise table needs from whatever owns
// it (a cluster.Server) to admit and submit a request. Kept separate from
// the cluster package to avoid an import cycle: cluster.Server holds a
// *Table and also satisfies Sender for itself.
type Sender interface {
	Write(pkt *packet.Packet) error
	Online() bool
	Available() bool
}

// ErrRejected is returned by Issue when the target is not admissible.
var ErrRejected = fmt.Errorf("promise: rejected, peer not reachable")

type entry struct {
	cb       Callback
	timer    *time.Timer
	finished bool // guarded by Table.mu
}

// Table is a per-server mapping from packet id to pending promise.
type Table struct {
	mu      sync.Mutex
	entries map[uint16]*entry
	nextPid uint16
}

// NewTable returns an empty promise table.
func NewTable() *Table {
	return &Table{entries: make(map[uint16]*entry)}
}

// Issue admits pkt for submission to sender, installs a promise with a
// timeout timer, and writes the packet. On synchronous write failure the
// callback fires immediately with WriteError.
func (t *Table) Issue(sender Sender, pkt *packet.Packet, timeout time.Duration, cb Callback, flags Flags) error {
	admissible := sender.Available()
	if flags&OnlyCheckOnline != 0 {
		admissible = sender.Online()
	}
	if !admissible {
		return ErrRejected
	}

	t.mu.Lock()
	pid, ok := t.allocatePidLocked()
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("promise: no free packet id (table saturated)")
	}
	pkt.Pid = pid

	e := &entry{cb: cb}
	e.timer = time.AfterFunc(timeout, func() {
		t.complete(pid, nil, Timeout)
	})
	t.entries[pid] = e
	t.mu.Unlock()

	sendPkt := pkt
	if flags&KeepPkg != 0 {
		sendPkt = packet.Dup(pkt)
	}

	if err := sender.Write(sendPkt); err != nil {
		t.complete(pid, nil, WriteError)
		return nil // callback already informed the caller
	}

	return nil
}

// allocatePidLocked finds an unused 16-bit pid via a monotonic counter with
// wraparound, skipping any id already live in the table. Must hold t.mu.
func (t *Table) allocatePidLocked() (uint16, bool) {
	if len(t.entries) >= 1<<16 {
		return 0, false
	}
	for i := 0; i < 1<<16; i++ {
		pid := t.nextPid
		t.nextPid++
		if _, live := t.entries[pid]; !live {
			return pid, true
		}
	}
	return 0, false
}

// complete removes the entry for pid (if any) and invokes its callback
// exactly once. The entry is removed from the table before the callback
// runs, so a stray late arrival for the same pid (timer and reply racing)
// finds nothing and is silently dropped.
func (t *Table) complete(pid uint16, pkt *packet.Packet, outcome Outcome) {
	t.mu.Lock()
	e, ok := t.entries[pid]
	if !ok || e.finished {
		t.mu.Unlock()
		return
	}
	e.finished = true
	delete(t.entries, pid)
	t.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.cb(pkt, outcome)
}

// Complete is the public entry point the dispatcher calls when a reply
// packet arrives matching pid.
func (t *Table) Complete(pid uint16, pkt *packet.Packet) {
	t.complete(pid, pkt, Reply)
}

// CancelAll completes every outstanding promise with reason, used when the
// owning server record is destroyed or the process is shutting down.
func (t *Table) CancelAll(reason Outcome) {
	t.mu.Lock()
	pids := make([]uint16, 0, len(t.entries))
	for pid := range t.entries {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	for _, pid := range pids {
		t.complete(pid, nil, reason)
	}
}

// Len returns the number of outstanding promises, for diagnostics/tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
