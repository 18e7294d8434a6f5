package meta

import (
	"time"

	"github.com/google/btree"
)

// trashPathFor returns the name a trashed inode is filed under: the
// original name, unchanged (now and ino do not affect the result).
func trashPathFor(now time.Time, ino Ino, name string) string {
	return name
}

// ToTrash moves an unlinked-but-still-referenced node into Trash (§3:
// "Linked -> Trash when trashtime > 0"), recording the purge deadline in
// the graph's trashIndex so the sweep in SweepTrash can find it without
// scanning every inode.
func (g *Graph) ToTrash(n *Node, now time.Time, originalName string) {
	n.Type = TypeTrash
	n.TrashPath = trashPathFor(now, n.Ino, originalName)
	n.Parents.Clear()
	deadline := now.Unix() + int64(n.TrashTime)
	g.trashIndex.ReplaceOrInsert(trashEntry{deadline: deadline, ino: n.Ino})
	g.recomputeChecksum(n)
}

// ToReserved moves an unlinked node that still has open sessions to
// Reserved, whatever its trashtime: it is kept only until its last open
// session closes, never exposed under .trash.
func (g *Graph) ToReserved(n *Node) {
	n.Type = TypeReserved
	n.Parents.Clear()
	g.recomputeChecksum(n)
}

// Undelete relinks a Trash inode back under parent with name, per §3's
// "Trash -> Linked (undelete)" transition. It removes the node's
// trashIndex entry so the sweep no longer considers it.
func (g *Graph) Undelete(n *Node, parent *Node, name string) Status {
	if n.Type != TypeTrash {
		return StatusEINVAL
	}
	if _, exists := parent.Children[name]; exists {
		return StatusEEXIST
	}
	g.trashIndex.Delete(trashEntry{deadline: 0, ino: n.Ino})
	// the deadline is unknown here; fall back to a full scan removal
	g.removeFromTrashIndex(n.Ino)

	n.Type = TypeFile
	n.TrashPath = ""
	n.Parents.Add(uint32(parent.Ino))
	parent.Children[name] = n.Ino
	g.recomputeChecksum(n)
	g.recomputeChecksum(parent)
	return StatusOK
}

// removeFromTrashIndex walks the btree to find and delete the entry for
// ino regardless of its deadline key; trashIndex is small enough (bounded
// by the number of currently-trashed inodes) for a linear pass to be
// cheap relative to the mutation it is part of.
func (g *Graph) removeFromTrashIndex(ino Ino) {
	var found *trashEntry
	g.trashIndex.Ascend(func(item btree.Item) bool {
		e := item.(trashEntry)
		if e.ino == ino {
			found = &e
			return false
		}
		return true
	})
	if found != nil {
		g.trashIndex.Delete(*found)
	}
}

// Purge permanently removes a Trash or Reserved inode from the graph,
// per §3's "Trash|Reserved -> purged (freed)" transition, folding its
// inode and byte contribution back out of the quota usage of its uid/gid
// and of the given ancestors. It does not touch directory stats or chunk
// references; ancestors are resolved by the caller, since Trash/Reserved
// nodes carry no Parents.
func (g *Graph) Purge(n *Node, ancestors []Ino) {
	contribution := n.Contribution()
	g.Quota.ApplyInodeDelta(ancestors, n.Uid, n.Gid, -int64(contribution.Inodes))
	g.Quota.ApplyBytesDelta(ancestors, n.Uid, n.Gid, -int64(contribution.Size))
	g.removeFromTrashIndex(n.Ino)
	delete(g.nodes, n.Ino)
}

// SweepTrash purges every Trash inode whose deadline has passed as of
// now, returning their ids for the caller to log and clean up chunk
// references for (§4.9's trashtime sweep, Open Question (c): a periodic
// scan of trashIndex ordered by deadline rather than an O(n) scan of the
// whole graph).
func (g *Graph) SweepTrash(now time.Time) []Ino {
	g.mu.Lock()
	defer g.mu.Unlock()

	var expired []trashEntry
	g.trashIndex.Ascend(func(item btree.Item) bool {
		e := item.(trashEntry)
		if e.deadline > now.Unix() {
			return false // btree is ordered by deadline: first future entry stops the scan
		}
		expired = append(expired, e)
		return true
	})

	var purged []Ino
	for _, e := range expired {
		n, ok := g.nodes[e.ino]
		if !ok {
			g.trashIndex.Delete(e)
			continue
		}
		if n.Sessions != nil && n.Sessions.Cardinality() > 0 {
			continue // still open; leave it for the next sweep
		}
		g.Purge(n, nil)
		purged = append(purged, e.ino)
	}
	return purged
}
