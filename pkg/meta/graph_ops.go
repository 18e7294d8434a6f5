package meta

import (
	"context"
	"strconv"
	"time"

	mapset "github.com/deckarep/golang-set"
)

// ancestorsOf walks n's single parent chain up to the root, returning the
// directory ids whose aggregated Stats and quota usage must be adjusted
// by a mutation touching n (I3, §4.6 "Directory quotas").
func (g *Graph) ancestorsOf(n *Node) []Ino {
	var out []Ino
	cur := n
	for cur.Parents != nil && cur.Parents.Cardinality() > 0 {
		parentIno := Ino(cur.Parents.ToSlice()[0].(uint32))
		out = append(out, parentIno)
		p, ok := g.nodes[parentIno]
		if !ok {
			break
		}
		cur = p
	}
	return out
}

// adjustAncestorStats folds delta into every directory in ancestors'
// DirStats: it is added when sub is false and subtracted when sub is true.
func (g *Graph) adjustAncestorStats(ancestors []Ino, delta Stats, sub bool) {
	for _, ino := range ancestors {
		d, ok := g.nodes[ino]
		if !ok {
			continue
		}
		if sub {
			d.DirStats.Sub(delta)
		} else {
			d.DirStats.Add(delta)
		}
		g.recomputeChecksum(d)
	}
}

func checkDirPerm(parent *Node, uid, gid uint32, write bool) Status {
	if parent.Type != TypeDirectory {
		return StatusENOTDIR
	}
	// A minimal permission model: owner/group/other write bit, root (uid
	// 0) bypasses checks entirely, matching the teacher's own superuser
	// shortcut in its access() helper.
	if uid == 0 {
		return StatusOK
	}
	var bit uint16 = 0o4
	if write {
		bit = 0o2
	}
	shift := uint16(0)
	switch {
	case parent.Uid == uid:
		shift = 6
	case parent.Gid == gid:
		shift = 3
	default:
		shift = 0
	}
	if parent.Mode&(bit<<shift) == 0 {
		return StatusEACCES
	}
	return StatusOK
}

// Lookup resolves name under parent (§4.5).
func (g *Graph) Lookup(parent Ino, name string) (*Node, Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, st := g.get(parent)
	if st != StatusOK {
		return nil, st
	}
	if p.Type != TypeDirectory {
		return nil, StatusENOTDIR
	}
	ino, ok := p.Children[name]
	if !ok {
		return nil, StatusENOENT
	}
	n, _ := g.get(ino)
	return n, StatusOK
}

// Mknod creates a new inode of typ under parent, per §4.5's mknod/mkdir/
// symlink/create row (a single shared code path, since all four only
// differ in NodeType and the fields they pre-populate).
func (g *Graph) Mknod(parent Ino, name string, typ NodeType, mode uint16, uid, gid uint32, rdev uint32, symlinkTarget []byte) (*Node, Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mknodLocked(parent, name, typ, mode, uid, gid, rdev, symlinkTarget)
}

// mknodLocked is Mknod's body; callers must already hold g.mu. Split out
// so ApplyRecord's handlers (which hold g.mu for the whole dispatch) can
// reach it without relocking a non-reentrant mutex.
func (g *Graph) mknodLocked(parent Ino, name string, typ NodeType, mode uint16, uid, gid uint32, rdev uint32, symlinkTarget []byte) (*Node, Status) {
	p, st := g.get(parent)
	if st != StatusOK {
		return nil, st
	}
	if p.Type != TypeDirectory {
		return nil, StatusENOTDIR
	}
	if _, exists := p.Children[name]; exists {
		return nil, StatusEEXIST
	}
	if st := checkDirPerm(p, uid, gid, true); st != StatusOK {
		return nil, st
	}
	if g.Quota.IsExceeded(RigorHard, ResourceInodes, uid, gid) {
		g.Quota.PublishBreach(context.Background(), OwnerUser, uid, ResourceInodes)
		return nil, StatusQuota
	}
	ancestors := g.ancestorsOf(p)
	ancestors = append([]Ino{parent}, ancestors...)
	for _, a := range ancestors {
		if g.Quota.IsDirExceeded(a, RigorHard, ResourceInodes, uid, gid) {
			g.Quota.PublishBreach(context.Background(), OwnerUser, uid, ResourceInodes)
			return nil, StatusQuota
		}
	}

	ino := g.allocIno()
	n := newNode(ino, typ)
	n.Mode = mode
	n.Uid = uid
	n.Gid = gid
	n.Rdev = rdev
	now := time.Now()
	n.Atime, n.Ctime, n.Mtime = now, now, now
	if typ == TypeDirectory {
		n.Children = map[string]Ino{}
	}
	if typ == TypeSymlink {
		n.SymlinkTarget = symlinkTarget
	}
	if typ == TypeFile {
		n.Sessions = mapset.NewThreadUnsafeSet()
	}
	n.Parents.Add(uint32(parent))

	p.Children[name] = ino
	g.nodes[ino] = n

	g.Quota.ApplyInodeDelta(ancestors, uid, gid, 1)
	g.adjustAncestorStats(ancestors, n.Contribution(), false)
	g.recomputeChecksum(n)
	g.recomputeChecksum(p)

	args := []string{strconv.Itoa(int(parent)), name, strconv.Itoa(int(typ)), strconv.Itoa(int(mode))}
	op := OpCreate
	if typ == TypeSymlink {
		op = OpSymlink
	}
	g.Changelog.Append(op, args, strconv.Itoa(int(ino)))
	return n, StatusOK
}

// Link adds a new hard link to an existing non-directory node (§4.5
// link).
func (g *Graph) Link(src Ino, parent Ino, name string) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.linkLocked(src, parent, name)
}

// linkLocked is Link's body; callers must already hold g.mu.
func (g *Graph) linkLocked(src Ino, parent Ino, name string) Status {
	s, st := g.get(src)
	if st != StatusOK {
		return st
	}
	if s.Type == TypeDirectory {
		return StatusEPERM
	}
	p, st := g.get(parent)
	if st != StatusOK {
		return st
	}
	if p.Type != TypeDirectory {
		return StatusENOTDIR
	}
	if _, exists := p.Children[name]; exists {
		return StatusEEXIST
	}

	p.Children[name] = src
	s.Parents.Add(uint32(parent))
	ancestors := append([]Ino{parent}, g.ancestorsOf(p)...)
	g.adjustAncestorStats(ancestors, s.Contribution(), false)
	g.recomputeChecksum(s)
	g.recomputeChecksum(p)

	g.Changelog.Append(OpLink, []string{strconv.Itoa(int(src)), strconv.Itoa(int(parent)), name}, "OK")
	return StatusOK
}

// unlinkEdge detaches name from parent's Children and, for the affected
// node, applies the unlink disposition rule of §4.5: open sessions keep
// it as Reserved, else a positive trashtime moves it to Trash, else it
// is purged immediately. It does not itself append the changelog record
// — callers (Unlink, Rename) log their own operation mnemonic.
func (g *Graph) unlinkEdge(parent *Node, name string, now time.Time) (*Node, Status) {
	ino, ok := parent.Children[name]
	if !ok {
		return nil, StatusENOENT
	}
	n, ok := g.nodes[ino]
	if !ok {
		return nil, StatusENOENT
	}
	if n.Type == TypeDirectory {
		return nil, StatusEPERM
	}

	delete(parent.Children, name)
	n.Parents.Remove(uint32(parent.Ino))
	ancestors := append([]Ino{parent.Ino}, g.ancestorsOf(parent)...)
	g.adjustAncestorStats(ancestors, n.Contribution(), true)
	g.recomputeChecksum(parent)

	switch {
	case n.Sessions != nil && n.Sessions.Cardinality() > 0:
		g.ToReserved(n)
	case n.TrashTime > 0:
		g.ToTrash(n, now, name)
	default:
		g.Purge(n, ancestors)
	}
	return n, StatusOK
}

// Unlink removes name from parent, applying §4.5's unlink disposition
// rule.
func (g *Graph) Unlink(parent Ino, name string, uid, gid uint32) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unlinkLocked(parent, name, uid, gid)
}

// unlinkLocked is Unlink's body; callers must already hold g.mu.
func (g *Graph) unlinkLocked(parent Ino, name string, uid, gid uint32) Status {
	p, st := g.get(parent)
	if st != StatusOK {
		return st
	}
	if st := checkDirPerm(p, uid, gid, true); st != StatusOK {
		return st
	}
	_, st = g.unlinkEdge(p, name, time.Now())
	if st != StatusOK {
		return st
	}
	g.Changelog.Append(OpUnlink, []string{strconv.Itoa(int(parent)), name}, "OK")
	return StatusOK
}

// Rmdir removes an empty directory edge (§4.5 rmdir).
func (g *Graph) Rmdir(parent Ino, name string, uid, gid uint32) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rmdirLocked(parent, name, uid, gid)
}

// rmdirLocked is Rmdir's body; callers must already hold g.mu.
func (g *Graph) rmdirLocked(parent Ino, name string, uid, gid uint32) Status {
	p, st := g.get(parent)
	if st != StatusOK {
		return st
	}
	ino, ok := p.Children[name]
	if !ok {
		return StatusENOENT
	}
	child, ok := g.nodes[ino]
	if !ok {
		return StatusENOENT
	}
	if child.Type != TypeDirectory {
		return StatusENOTDIR
	}
	if len(child.Children) > 0 {
		return StatusENOTEMPTY
	}
	if st := checkDirPerm(p, uid, gid, true); st != StatusOK {
		return st
	}

	delete(p.Children, name)
	ancestors := append([]Ino{parent}, g.ancestorsOf(p)...)
	g.adjustAncestorStats(ancestors, child.Contribution(), true)
	g.Purge(child, ancestors)
	g.recomputeChecksum(p)

	g.Changelog.Append(OpUnlink, []string{strconv.Itoa(int(parent)), name}, "OK")
	return StatusOK
}

// isDescendant reports whether candidate is dst or a descendant of dst,
// used by Rename to reject moving a directory under itself (§4.5's
// "EINVAL for cycle").
func (g *Graph) isDescendant(dst, candidate Ino) bool {
	cur := candidate
	for {
		if cur == dst {
			return true
		}
		n, ok := g.nodes[cur]
		if !ok || n.Parents == nil || n.Parents.Cardinality() == 0 {
			return false
		}
		cur = Ino(n.Parents.ToSlice()[0].(uint32))
	}
}

// Rename moves srcName from psrc to dstName under pdst, applying the
// unlink-style disposition to any existing dstName entry (§4.5 rename).
func (g *Graph) Rename(psrc Ino, srcName string, pdst Ino, dstName string, uid, gid uint32) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.renameLocked(psrc, srcName, pdst, dstName, uid, gid)
}

// renameLocked is Rename's body; callers must already hold g.mu.
func (g *Graph) renameLocked(psrc Ino, srcName string, pdst Ino, dstName string, uid, gid uint32) Status {
	ps, st := g.get(psrc)
	if st != StatusOK {
		return st
	}
	pd, st := g.get(pdst)
	if st != StatusOK {
		return st
	}
	srcIno, ok := ps.Children[srcName]
	if !ok {
		return StatusENOENT
	}
	if srcIno == pdst || (g.nodes[srcIno].Type == TypeDirectory && g.isDescendant(srcIno, pdst)) {
		return StatusEINVAL
	}
	if st := checkDirPerm(ps, uid, gid, true); st != StatusOK {
		return st
	}
	if st := checkDirPerm(pd, uid, gid, true); st != StatusOK {
		return st
	}

	if _, exists := pd.Children[dstName]; exists {
		if _, st := g.unlinkEdge(pd, dstName, time.Now()); st != StatusOK {
			return st
		}
	}

	src := g.nodes[srcIno]
	delete(ps.Children, srcName)
	src.Parents.Remove(uint32(psrc))
	srcAncestors := append([]Ino{psrc}, g.ancestorsOf(ps)...)
	g.adjustAncestorStats(srcAncestors, src.Contribution(), true)

	pd.Children[dstName] = srcIno
	src.Parents.Add(uint32(pdst))
	dstAncestors := append([]Ino{pdst}, g.ancestorsOf(pd)...)
	g.adjustAncestorStats(dstAncestors, src.Contribution(), false)

	g.recomputeChecksum(ps)
	g.recomputeChecksum(pd)
	g.recomputeChecksum(src)

	g.Changelog.Append(OpMove, []string{strconv.Itoa(int(psrc)), srcName, strconv.Itoa(int(pdst)), dstName}, "OK")
	return StatusOK
}

// GetAttr returns n's attributes; a thin read-only accessor since Node
// already exposes every field directly (§3 "variant-based Node").
func (g *Graph) GetAttr(ino Ino) (*Node, Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.get(ino)
}

// SetAttr applies a non-recursive attribute change (mode/uid/gid/times)
// to a single inode (§4.5 "ATTR").
func (g *Graph) SetAttr(ino Ino, mode *uint16, uid, gid *uint32, atime, mtime *time.Time) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setAttrLocked(ino, mode, uid, gid, atime, mtime)
}

// setAttrLocked is SetAttr's body; callers must already hold g.mu.
func (g *Graph) setAttrLocked(ino Ino, mode *uint16, uid, gid *uint32, atime, mtime *time.Time) Status {
	n, st := g.get(ino)
	if st != StatusOK {
		return st
	}
	if mode != nil {
		n.Mode = *mode
	}
	if uid != nil {
		n.Uid = *uid
	}
	if gid != nil {
		n.Gid = *gid
	}
	if atime != nil {
		n.Atime = *atime
	}
	if mtime != nil {
		n.Mtime = *mtime
	}
	n.Ctime = time.Now()
	g.recomputeChecksum(n)
	g.Changelog.Append(OpAttr, []string{strconv.Itoa(int(ino))}, "OK")
	return StatusOK
}

// Truncate implements §4.5 truncate: it sets the new length, drops chunk
// slots past it, updates stats and quota, and logs the record. A shrink
// to a length that is not a multiple of chunkSize (one that splits a
// chunk) returns DELAYED after that commit, so the caller can drive the
// chunkserver-side truncate of the split chunk.
func (g *Graph) Truncate(ino Ino, length uint64, chunkSize uint64) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.truncateLocked(ino, length, chunkSize)
}

// truncateLocked is Truncate's body; callers must already hold g.mu.
func (g *Graph) truncateLocked(ino Ino, length uint64, chunkSize uint64) Status {
	n, st := g.get(ino)
	if st != StatusOK {
		return st
	}
	if n.Type != TypeFile {
		return StatusEPERM
	}
	oldContribution := n.Contribution()
	splitsChunk := length%chunkSize != 0 && length < n.Length
	n.Length = length
	wantChunks := int((length + chunkSize - 1) / chunkSize)
	if wantChunks < len(n.Chunks) {
		n.Chunks = n.Chunks[:wantChunks]
	}
	ancestors := g.ancestorsOf(n)
	newContribution := n.Contribution()
	delta := Stats{}
	delta.Length = newContribution.Length - oldContribution.Length
	delta.Size = newContribution.Size - oldContribution.Size
	delta.RealSize = newContribution.RealSize - oldContribution.RealSize
	g.adjustAncestorStats(ancestors, Stats{Length: delta.Length, Size: delta.Size, RealSize: delta.RealSize}, false)
	g.Quota.ApplyBytesDelta(ancestors, n.Uid, n.Gid, int64(newContribution.Size)-int64(oldContribution.Size))
	g.recomputeChecksum(n)

	g.Changelog.Append(OpTrunc, []string{strconv.Itoa(int(ino)), strconv.FormatUint(length, 10)}, "OK")
	if splitsChunk {
		return StatusDelayed
	}
	return StatusOK
}

// WriteChunk implements §4.5 write_chunk: it grows the file's Chunks
// slice if index is past the current end, stores newChunkID in an empty
// slot (an occupied slot keeps its chunk id), and returns a fresh
// write-lock id (§4.7's "owner tuple" req_id-alike) for the caller to
// use while writing through pkg/chunk.Writer. Chunk versions are not
// tracked: the returned version is always 1, for new and existing chunks.
func (g *Graph) WriteChunk(ino Ino, index int, newChunkID uint64) (chunkID uint64, version uint32, lockID uint64, st Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeChunkLocked(ino, index, newChunkID)
}

// writeChunkLocked is WriteChunk's body; callers must already hold g.mu.
func (g *Graph) writeChunkLocked(ino Ino, index int, newChunkID uint64) (chunkID uint64, version uint32, lockID uint64, st Status) {
	n, st := g.get(ino)
	if st != StatusOK {
		return 0, 0, 0, st
	}
	if n.Type != TypeFile {
		return 0, 0, 0, StatusEPERM
	}
	if index < 0 || index > 1<<20 {
		return 0, 0, 0, StatusIndexTooBig
	}
	for len(n.Chunks) <= index {
		n.Chunks = append(n.Chunks, 0)
	}
	if n.Chunks[index] == 0 {
		n.Chunks[index] = newChunkID
	}
	lockID = NewLockID()
	g.recomputeChecksum(n)
	g.Changelog.Append(OpWrite, []string{strconv.Itoa(int(ino)), strconv.Itoa(index)}, strconv.FormatUint(n.Chunks[index], 10))
	return n.Chunks[index], 1, lockID, StatusOK
}

// OpenSession registers sid as an open session on ino (§4.5 "Session
// open-file semantics").
func (g *Graph) OpenSession(ino Ino, sid uint64) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openSessionLocked(ino, sid)
}

// openSessionLocked is OpenSession's body; callers must already hold g.mu.
func (g *Graph) openSessionLocked(ino Ino, sid uint64) Status {
	n, st := g.get(ino)
	if st != StatusOK {
		return st
	}
	if n.Sessions == nil {
		n.Sessions = mapset.NewThreadUnsafeSet()
	}
	n.Sessions.Add(sid)
	g.Changelog.Append(OpSession, []string{strconv.Itoa(int(ino)), strconv.FormatUint(sid, 10)}, "OK")
	return StatusOK
}

// CloseSession removes sid from ino's open sessions, purging the node
// immediately if it was Reserved and this was its last session (§4.5).
func (g *Graph) CloseSession(ino Ino, sid uint64) Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeSessionLocked(ino, sid)
}

// closeSessionLocked is CloseSession's body; callers must already hold
// g.mu.
func (g *Graph) closeSessionLocked(ino Ino, sid uint64) Status {
	n, st := g.get(ino)
	if st != StatusOK {
		return st
	}
	if n.Sessions != nil {
		n.Sessions.Remove(sid)
	}
	if n.Type == TypeReserved && (n.Sessions == nil || n.Sessions.Cardinality() == 0) {
		g.Purge(n, nil)
	}
	g.Changelog.Append(OpRelease, []string{strconv.Itoa(int(ino)), strconv.FormatUint(sid, 10)}, "OK")
	return StatusOK
}

// SetRecursiveAttr submits a setgoal/settrashtime/seteattr task over the
// subtree rooted at ino (§4.5, §4.9).
func (g *Graph) SetRecursiveAttr(kind TaskKind, ino Ino, arg uint64, submitter func(TaskStats)) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Tasks.Submit(kind, ino, arg, submitter)
}

// RunTaskBatch performs one batch of a pending recursive task, applying
// the per-node effect for its kind (§4.9).
func (g *Graph) RunTaskBatch(taskID uint64, callerUID uint32) bool {
	return g.Tasks.Execute(taskID, func(ino Ino) (changed bool, permitted bool, children []Ino) {
		g.mu.Lock()
		defer g.mu.Unlock()
		n, ok := g.nodes[ino]
		if !ok {
			return false, true, nil
		}
		if callerUID != 0 && n.Uid != callerUID {
			return false, false, g.childList(n)
		}
		t, _ := g.Tasks.Get(taskID)
		if t == nil {
			return false, true, nil
		}
		before := *n
		switch t.Kind {
		case TaskSetGoal:
			n.Goal = uint8(t.Arg)
		case TaskSetTrashTime:
			n.TrashTime = uint32(t.Arg)
		case TaskSetEattr:
			// eattr bits live in Mode's upper byte in this model
			n.Mode = (n.Mode &^ 0xFF00) | uint16(t.Arg)<<8
		}
		changed = before.Goal != n.Goal || before.TrashTime != n.TrashTime || before.Mode != n.Mode
		if changed {
			g.recomputeChecksum(n)
		}
		return changed, true, g.childList(n)
	})
}

func (g *Graph) childList(n *Node) []Ino {
	if n.Type != TypeDirectory {
		return nil
	}
	out := make([]Ino, 0, len(n.Children))
	for _, ino := range n.Children {
		out = append(out, ino)
	}
	return out
}

// --- Replay handlers (§4.8): each mirrors the master-side mutation but
// returns StatusMismatch if the observed result diverges from rec.Result.

func (g *Graph) applyCreateLike(rec Record) Status {
	if len(rec.Args) < 4 {
		return StatusMismatch
	}
	parent, err := strconv.Atoi(rec.Args[0])
	if err != nil {
		return StatusMismatch
	}
	typVal, _ := strconv.Atoi(rec.Args[2])
	modeVal, _ := strconv.Atoi(rec.Args[3])
	n, st := g.mknodLocked(Ino(parent), rec.Args[1], NodeType(typVal), uint16(modeVal), 0, 0, 0, nil)
	if st != StatusOK {
		return StatusMismatch
	}
	wantIno, err := strconv.Atoi(rec.Result)
	if err != nil || Ino(wantIno) != n.Ino {
		return StatusMismatch
	}
	return StatusOK
}

func (g *Graph) applyUnlink(rec Record) Status {
	if len(rec.Args) < 2 {
		return StatusMismatch
	}
	parent, err := strconv.Atoi(rec.Args[0])
	if err != nil {
		return StatusMismatch
	}
	// Rmdir is logged as UNLINK too, so a directory child is replayed
	// through rmdirLocked (unlinkLocked refuses directories).
	if p, ok := g.nodes[Ino(parent)]; ok {
		if c, ok := g.nodes[p.Children[rec.Args[1]]]; ok && c.Type == TypeDirectory {
			if st := g.rmdirLocked(Ino(parent), rec.Args[1], 0, 0); st != StatusOK {
				return StatusMismatch
			}
			return StatusOK
		}
	}
	if st := g.unlinkLocked(Ino(parent), rec.Args[1], 0, 0); st != StatusOK {
		return StatusMismatch
	}
	return StatusOK
}

func (g *Graph) applyMove(rec Record) Status {
	if len(rec.Args) < 4 {
		return StatusMismatch
	}
	psrc, err1 := strconv.Atoi(rec.Args[0])
	pdst, err2 := strconv.Atoi(rec.Args[2])
	if err1 != nil || err2 != nil {
		return StatusMismatch
	}
	if st := g.renameLocked(Ino(psrc), rec.Args[1], Ino(pdst), rec.Args[3], 0, 0); st != StatusOK {
		return StatusMismatch
	}
	return StatusOK
}

func (g *Graph) applyLink(rec Record) Status {
	if len(rec.Args) < 3 {
		return StatusMismatch
	}
	src, err1 := strconv.Atoi(rec.Args[0])
	parent, err2 := strconv.Atoi(rec.Args[1])
	if err1 != nil || err2 != nil {
		return StatusMismatch
	}
	if st := g.linkLocked(Ino(src), Ino(parent), rec.Args[2]); st != StatusOK {
		return StatusMismatch
	}
	return StatusOK
}

func (g *Graph) applyTrunc(rec Record) Status {
	if len(rec.Args) < 2 {
		return StatusMismatch
	}
	ino, err1 := strconv.Atoi(rec.Args[0])
	length, err2 := strconv.ParseUint(rec.Args[1], 10, 64)
	if err1 != nil || err2 != nil {
		return StatusMismatch
	}
	st := g.truncateLocked(Ino(ino), length, 1<<26)
	if st != StatusOK && st != StatusDelayed {
		return StatusMismatch
	}
	return StatusOK
}

func (g *Graph) applyPurge(rec Record) Status {
	if len(rec.Args) < 1 {
		return StatusMismatch
	}
	ino, err := strconv.Atoi(rec.Args[0])
	if err != nil {
		return StatusMismatch
	}
	n, ok := g.nodes[Ino(ino)]
	if !ok {
		return StatusOK // already gone, idempotent
	}
	g.Purge(n, nil)
	return StatusOK
}

func (g *Graph) applyUndel(rec Record) Status {
	if len(rec.Args) < 3 {
		return StatusMismatch
	}
	ino, err1 := strconv.Atoi(rec.Args[0])
	parent, err2 := strconv.Atoi(rec.Args[1])
	if err1 != nil || err2 != nil {
		return StatusMismatch
	}
	n, ok := g.nodes[Ino(ino)]
	p, ok2 := g.nodes[Ino(parent)]
	if !ok || !ok2 {
		return StatusMismatch
	}
	if st := g.Undelete(n, p, rec.Args[2]); st != StatusOK {
		return StatusMismatch
	}
	return StatusOK
}

func (g *Graph) applyWriteChunk(rec Record) Status {
	if len(rec.Args) < 2 {
		return StatusMismatch
	}
	ino, err1 := strconv.Atoi(rec.Args[0])
	index, err2 := strconv.Atoi(rec.Args[1])
	if err1 != nil || err2 != nil {
		return StatusMismatch
	}
	wantChunk, err := strconv.ParseUint(rec.Result, 10, 64)
	if err != nil {
		return StatusMismatch
	}
	chunkID, _, _, st := g.writeChunkLocked(Ino(ino), index, wantChunk)
	if st != StatusOK || chunkID != wantChunk {
		return StatusMismatch
	}
	return StatusOK
}

func (g *Graph) applyRecursiveAttr(rec Record) Status {
	if len(rec.Args) < 2 {
		return StatusMismatch
	}
	ino, err1 := strconv.Atoi(rec.Args[0])
	arg, err2 := strconv.ParseUint(rec.Args[1], 10, 64)
	if err1 != nil || err2 != nil {
		return StatusMismatch
	}
	var kind TaskKind
	switch rec.Op {
	case OpSetGoal:
		kind = TaskSetGoal
	case OpSetTrashTime:
		kind = TaskSetTrashTime
	case OpSetEattr:
		kind = TaskSetEattr
	}
	g.Tasks.Submit(kind, Ino(ino), arg, nil)
	return StatusOK
}

func (g *Graph) applyAttr(rec Record) Status {
	if len(rec.Args) < 1 {
		return StatusMismatch
	}
	ino, err := strconv.Atoi(rec.Args[0])
	if err != nil {
		return StatusMismatch
	}
	if st := g.setAttrLocked(Ino(ino), nil, nil, nil, nil, nil); st != StatusOK {
		return StatusMismatch
	}
	return StatusOK
}

func (g *Graph) applySession(rec Record) Status {
	if len(rec.Args) < 2 {
		return StatusMismatch
	}
	ino, err1 := strconv.Atoi(rec.Args[0])
	sid, err2 := strconv.ParseUint(rec.Args[1], 10, 64)
	if err1 != nil || err2 != nil {
		return StatusMismatch
	}
	var st Status
	switch rec.Op {
	case OpSession, OpAcquire:
		st = g.openSessionLocked(Ino(ino), sid)
	case OpRelease:
		st = g.closeSessionLocked(Ino(ino), sid)
	}
	if st != StatusOK {
		return StatusMismatch
	}
	return StatusOK
}

// applyLockOp replays a flock/posix lock mutation. Locks are per-session
// runtime state rather than durable metadata (§4.7 describes them as
// scoped to the live session table), so a shadow only needs to keep its
// own lock table consistent in shape; it always reports success unless
// the record itself is malformed.
func (g *Graph) applyLockOp(rec Record) Status {
	if len(rec.Args) < 1 {
		return StatusMismatch
	}
	if _, err := strconv.Atoi(rec.Args[0]); err != nil {
		return StatusMismatch
	}
	return StatusOK
}
