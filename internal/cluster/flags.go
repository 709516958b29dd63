package cluster

// Flag is the compact bitfield representation of a server's liveness state.
// Bits mirror the original SERVER_FLAG_* constants exactly (siridb/server.h).
type Flag uint8

const (
	FlagRunning       Flag = 0x01
	FlagSynchronizing Flag = 0x02
	FlagReindexing    Flag = 0x04
	FlagBackupMode    Flag = 0x08
	FlagQueueFull     Flag = 0x10 // never set on the local ("this") server
	FlagUnavailable   Flag = 0x20 // never set on the local ("this") server
	FlagAuthenticated Flag = 0x40 // never set on the local ("this") server
)

// remoteOnline is RUNNING|AUTHENTICATED.
const remoteOnline = FlagRunning | FlagAuthenticated

// remoteSynchronizing is RUNNING|AUTHENTICATED|SYNCHRONIZING.
const remoteSynchronizing = remoteOnline | FlagSynchronizing

// remoteReindexing is RUNNING|AUTHENTICATED|REINDEXING.
const remoteReindexing = remoteOnline | FlagReindexing

// Has reports whether every bit in mask is set in f.
func (f Flag) Has(mask Flag) bool {
	return f&mask == mask
}

// Online is RUNNING & AUTHENTICATED & !QUEUE_FULL — a remote peer we can
// route live traffic to right now.
func (f Flag) Online() bool {
	return f.Has(remoteOnline) && f&FlagQueueFull == 0
}

// Available is true only when the flag byte is exactly RUNNING|AUTHENTICATED
// — no synchronizing/reindexing/backup/queue-full/unavailable bits at all.
func (f Flag) Available() bool {
	return f == remoteOnline
}

// Synchronizing is true only when the flag byte is exactly
// RUNNING|AUTHENTICATED|SYNCHRONIZING.
func (f Flag) Synchronizing() bool {
	return f == remoteSynchronizing
}

// Reindexing reports whether the REINDEXING bit is set, regardless of what
// else is set alongside it (used by Pool.Reindexing, which only needs to
// know whether any member is mid-reindex).
func (f Flag) Reindexing() bool {
	return f&FlagReindexing != 0
}

// Accessible is Online, or RUNNING&AUTHENTICATED&REINDEXING all present
// (regardless of what else is set alongside them, e.g. QUEUE_FULL) — a bit
// test, not an exact match, per the spec formula
// "online ∨ (RUNNING∧AUTHENTICATED∧REINDEXING)". This is reachable and
// distinct from Online: a peer reporting RUNNING|AUTHENTICATED|REINDEXING
// plus QUEUE_FULL is not Online (QUEUE_FULL excludes it) but is Accessible.
func (f Flag) Accessible() bool {
	return f.Online() || f.Has(remoteReindexing)
}

// selfOnline / selfAvailable / selfSynchronizing / selfReindexing drop
// AUTHENTICATED and QUEUE_FULL from the remote requirement, since those
// bits are never set on the local server record (see FlagQueueFull,
// FlagAuthenticated doc comments).

func (f Flag) selfOnline() bool {
	return f&FlagRunning != 0
}

func (f Flag) selfAvailable() bool {
	return f == FlagRunning
}

func (f Flag) selfSynchronizing() bool {
	return f == FlagRunning|FlagSynchronizing
}

func (f Flag) selfReindexing() bool {
	return f == FlagRunning|FlagReindexing
}

func (f Flag) selfAccessible() bool {
	return f.selfOnline() || f == FlagRunning|FlagReindexing
}

// MergeFlags applies a peer flag broadcast to our previously-observed flag
// byte for that peer: AUTHENTICATED and QUEUE_FULL are preserved from the
// prior value (those bits describe facts this side established — the
// handshake outcome and our own queue-depth observation — that a peer's
// broadcast of its own RUNNING/SYNCHRONIZING/etc. state must not clobber),
// every other bit is overwritten by the broadcast.
func MergeFlags(prior, broadcast Flag) Flag {
	return broadcast | (prior & (FlagAuthenticated | FlagQueueFull))
}

// Predicate names a single named liveness classification, per the
// macro-flag-predicates design note: an exhaustive small enum instead of a
// pile of ad-hoc booleans at call sites.
type Predicate int

const (
	PredOffline Predicate = iota
	PredAvailable
	PredOnlineOnly
	PredSynchronizing
	PredReindexing
	PredAccessible
)

func (p Predicate) String() string {
	switch p {
	case PredOffline:
		return "offline"
	case PredAvailable:
		return "available"
	case PredOnlineOnly:
		return "online-only"
	case PredSynchronizing:
		return "synchronizing"
	case PredReindexing:
		return "reindexing"
	case PredAccessible:
		return "accessible"
	default:
		return "unknown"
	}
}

// Classify returns the single predicate that best names f's remote state.
// Exactly one predicate is selected for every possible flag byte. Checks
// run most to least specific: Available, Synchronizing and exact-Reindexing
// are each one precise flag combination; Online-only catches every other
// Online byte; Accessible catches the remaining non-Online bytes that still
// carry RUNNING|AUTHENTICATED|REINDEXING (e.g. with QUEUE_FULL also set,
// which excludes Online but not Accessible — see Flag.Accessible). Without
// this ordering, Accessible's bit-presence test would always be shadowed by
// the preceding Online check and could never be selected.
func (f Flag) Classify() Predicate {
	switch {
	case f.Available():
		return PredAvailable
	case f.Synchronizing():
		return PredSynchronizing
	case f == remoteReindexing:
		return PredReindexing
	case f.Online():
		return PredOnlineOnly
	case f.Accessible():
		return PredAccessible
	default:
		return PredOffline
	}
}
