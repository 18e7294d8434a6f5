package meta

import "sync"

// LockKind distinguishes the request types of §4.7.
type LockKind uint8

const (
	LockShared LockKind = iota
	LockExclusive
	LockUnlock
)

// LockOwner identifies the holder of a lock or pending request (§4.7).
type LockOwner struct {
	Owner   uint64
	Session uint64
	ReqID   uint64
	MsgID   uint64
}

// Range is a half-open byte range [Start,End); flock uses the whole-file
// sentinel [0,1).
type Range struct {
	Start, End uint64
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

type lockEntry struct {
	Owner LockOwner
	Range Range
	Kind  LockKind
}

type pendingRequest struct {
	Owner LockOwner
	Range Range
	Kind  LockKind
	Ino   Ino
	Table *lockSet
}

// lockSet holds one inode's lock table (either the whole-file flock
// table or the posix range table, §4.7).
type lockSet struct {
	held    []lockEntry
	pending []pendingRequest
}

// LockTable implements C7: per-inode flock and posix range lock tables
// with pending queues (§4.7).
type LockTable struct {
	mu     sync.Mutex
	flock  map[Ino]*lockSet
	posix  map[Ino]*lockSet
}

// NewLockTable constructs an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{flock: map[Ino]*lockSet{}, posix: map[Ino]*lockSet{}}
}

func (t *LockTable) setFor(table map[Ino]*lockSet, ino Ino) *lockSet {
	s, ok := table[ino]
	if !ok {
		s = &lockSet{}
		table[ino] = s
	}
	return s
}

func collides(a, b lockEntry) bool {
	if !a.Range.Overlaps(b.Range) {
		return false
	}
	if a.Owner == b.Owner {
		return false
	}
	return a.Kind == LockExclusive || b.Kind == LockExclusive
}

// canGrant reports whether a request of the given kind/range can be
// granted immediately against s's currently held locks.
func canGrant(s *lockSet, owner LockOwner, r Range, kind LockKind) bool {
	candidate := lockEntry{Owner: owner, Range: r, Kind: kind}
	for _, h := range s.held {
		if collides(candidate, h) {
			return false
		}
	}
	return true
}

// request is the shared implementation behind Flock/Posix exported
// methods: it grants immediately when possible, else (if block) queues
// a pending request and returns StatusWaiting, else returns
// StatusWaiting without queuing (non-blocking probe-and-fail, §4.7).
func (t *LockTable) request(table map[Ino]*lockSet, ino Ino, owner LockOwner, r Range, kind LockKind, block bool) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.setFor(table, ino)

	if kind == LockUnlock {
		t.unlockLocked(s, owner, r)
		return StatusOK
	}

	if canGrant(s, owner, r, kind) {
		t.grantLocked(s, owner, r, kind)
		return StatusOK
	}
	if !block {
		return StatusWaiting
	}
	s.pending = append(s.pending, pendingRequest{Owner: owner, Range: r, Kind: kind, Ino: ino, Table: s})
	return StatusWaiting
}

func (t *LockTable) grantLocked(s *lockSet, owner LockOwner, r Range, kind LockKind) {
	// An exclusive-to-shared or repeat grant by the same owner replaces
	// that owner's prior entry for exactly the same range instead of
	// stacking it; entries over other, overlapping ranges are kept.
	kept := s.held[:0]
	for _, h := range s.held {
		if h.Owner == owner && h.Range == r {
			continue
		}
		kept = append(kept, h)
	}
	s.held = append(kept, lockEntry{Owner: owner, Range: r, Kind: kind})
}

// unlockLocked removes owner's lock over r and wakes any pending request
// whose range is now free, per §4.7 ("On every unlock... the table scans
// the affected range's pending queue and applies any candidate whose
// range is now free").
func (t *LockTable) unlockLocked(s *lockSet, owner LockOwner, r Range) []LockOwner {
	kept := s.held[:0]
	for _, h := range s.held {
		if h.Owner == owner && h.Range.Overlaps(r) {
			continue
		}
		kept = append(kept, h)
	}
	s.held = kept

	var woken []LockOwner
	remaining := s.pending[:0]
	for _, p := range s.pending {
		if canGrant(s, p.Owner, p.Range, p.Kind) {
			t.grantLocked(s, p.Owner, p.Range, p.Kind)
			woken = append(woken, p.Owner)
			continue
		}
		remaining = append(remaining, p)
	}
	s.pending = remaining
	return woken
}

// Flock requests a whole-file lock (§4.7).
func (t *LockTable) Flock(ino Ino, owner LockOwner, kind LockKind, block bool) Status {
	return t.request(t.flock, ino, owner, Range{0, 1}, kind, block)
}

// Posix requests a byte-range lock (§4.7).
func (t *LockTable) Posix(ino Ino, owner LockOwner, r Range, kind LockKind, block bool) Status {
	return t.request(t.posix, ino, owner, r, kind, block)
}

// Unlock releases owner's lock over r in the posix table and returns the
// set of pending owners that became grantable as a result, so the
// caller can notify them (§4.7).
func (t *LockTable) Unlock(ino Ino, owner LockOwner, r Range) []LockOwner {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.posix[ino]
	if !ok {
		return nil
	}
	return t.unlockLocked(s, owner, r)
}

// Release removes all pending entries for owner then unlocks every range
// it holds on ino, in both tables (§4.7 "release").
func (t *LockTable) Release(ino Ino, owner LockOwner) []LockOwner {
	t.mu.Lock()
	defer t.mu.Unlock()
	var woken []LockOwner
	for _, table := range []map[Ino]*lockSet{t.flock, t.posix} {
		s, ok := table[ino]
		if !ok {
			continue
		}
		var remainingPending []pendingRequest
		for _, p := range s.pending {
			if p.Owner != owner {
				remainingPending = append(remainingPending, p)
			}
		}
		s.pending = remainingPending

		var ranges []Range
		for _, h := range s.held {
			if h.Owner == owner {
				ranges = append(ranges, h.Range)
			}
		}
		for _, r := range ranges {
			woken = append(woken, t.unlockLocked(s, owner, r)...)
		}
	}
	return woken
}

// Probe returns the first lock entry colliding with a hypothetical
// request, without modifying any state (§4.7 "probe").
func (t *LockTable) Probe(ino Ino, owner LockOwner, r Range, kind LockKind) (LockOwner, Range, LockKind, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.posix[ino]
	if !ok {
		return LockOwner{}, Range{}, 0, false
	}
	candidate := lockEntry{Owner: owner, Range: r, Kind: kind}
	for _, h := range s.held {
		if collides(candidate, h) {
			return h.Owner, h.Range, h.Kind, true
		}
	}
	return LockOwner{}, Range{}, 0, false
}
