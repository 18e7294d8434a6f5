package meta

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	cl, err := Open(t.TempDir(), 0, 0, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return NewGraph(Config{}, cl)
}

func TestMknodCreatesChildUnderParent(t *testing.T) {
	g := newTestGraph(t)
	// uid 10 is neither root's owner nor in its group: open the root up
	// so the create passes the parent write-permission check.
	rootMode := uint16(0777)
	require.Equal(t, StatusOK, g.SetAttr(RootIno, &rootMode, nil, nil, nil, nil))

	n, st := g.Mknod(RootIno, "a.txt", TypeFile, 0644, 10, 20, 0, nil)
	require.Equal(t, StatusOK, st)
	require.NotNil(t, n)

	got, st := g.Lookup(RootIno, "a.txt")
	require.Equal(t, StatusOK, st)
	assert.Equal(t, n.Ino, got.Ino)
	assert.EqualValues(t, 10, got.Uid)
	assert.EqualValues(t, 20, got.Gid)
}

func TestMknodRejectsDuplicateName(t *testing.T) {
	g := newTestGraph(t)
	_, st := g.Mknod(RootIno, "dup", TypeFile, 0644, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)

	_, st = g.Mknod(RootIno, "dup", TypeFile, 0644, 0, 0, 0, nil)
	assert.Equal(t, StatusEEXIST, st)
}

func TestLinkAddsSecondNameForSameInode(t *testing.T) {
	g := newTestGraph(t)
	n, st := g.Mknod(RootIno, "first", TypeFile, 0644, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)

	st = g.Link(n.Ino, RootIno, "second")
	require.Equal(t, StatusOK, st)

	got, st := g.Lookup(RootIno, "second")
	require.Equal(t, StatusOK, st)
	assert.Equal(t, n.Ino, got.Ino)
	assert.True(t, got.Parents.Contains(uint32(RootIno)))
}

func TestLinkRejectsDirectory(t *testing.T) {
	g := newTestGraph(t)
	dir, st := g.Mknod(RootIno, "d", TypeDirectory, 0755, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)

	st = g.Link(dir.Ino, RootIno, "d2")
	assert.Equal(t, StatusEPERM, st)
}

func TestRenameMovesEntryAndUpdatesParents(t *testing.T) {
	g := newTestGraph(t)
	srcDir, st := g.Mknod(RootIno, "src", TypeDirectory, 0755, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)
	dstDir, st := g.Mknod(RootIno, "dst", TypeDirectory, 0755, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)
	f, st := g.Mknod(srcDir.Ino, "f", TypeFile, 0644, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)

	st = g.Rename(srcDir.Ino, "f", dstDir.Ino, "f", 0, 0)
	require.Equal(t, StatusOK, st)

	_, st = g.Lookup(srcDir.Ino, "f")
	assert.Equal(t, StatusENOENT, st)

	got, st := g.Lookup(dstDir.Ino, "f")
	require.Equal(t, StatusOK, st)
	assert.Equal(t, f.Ino, got.Ino)
	assert.True(t, got.Parents.Contains(uint32(dstDir.Ino)))
	assert.False(t, got.Parents.Contains(uint32(srcDir.Ino)))
}

func TestRenameRejectsMovingDirectoryUnderItself(t *testing.T) {
	g := newTestGraph(t)
	parent, st := g.Mknod(RootIno, "p", TypeDirectory, 0755, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)
	child, st := g.Mknod(parent.Ino, "c", TypeDirectory, 0755, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)

	st = g.Rename(RootIno, "p", child.Ino, "p-under-c", 0, 0)
	assert.Equal(t, StatusEINVAL, st)
}

func TestTruncateShrinkAdjustsLengthAndChunks(t *testing.T) {
	const chunkSize = 1 << 26
	g := newTestGraph(t)
	f, st := g.Mknod(RootIno, "f", TypeFile, 0644, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)

	_, _, _, st = g.WriteChunk(f.Ino, 0, 100)
	require.Equal(t, StatusOK, st)
	_, _, _, st = g.WriteChunk(f.Ino, 1, 200)
	require.Equal(t, StatusOK, st)

	st = g.Truncate(f.Ino, chunkSize, chunkSize)
	require.Equal(t, StatusOK, st)

	got, st := g.GetAttr(f.Ino)
	require.Equal(t, StatusOK, st)
	assert.EqualValues(t, chunkSize, got.Length)
	assert.Len(t, got.Chunks, 1)
}

func TestTruncateMidChunkReturnsDelayed(t *testing.T) {
	const chunkSize = 1 << 26
	g := newTestGraph(t)
	f, st := g.Mknod(RootIno, "f", TypeFile, 0644, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)

	_, _, _, st = g.WriteChunk(f.Ino, 0, 100)
	require.Equal(t, StatusOK, st)
	st = g.Truncate(f.Ino, chunkSize, chunkSize)
	require.Equal(t, StatusOK, st)

	st = g.Truncate(f.Ino, chunkSize/2, chunkSize)
	assert.Equal(t, StatusDelayed, st)
}

// TestChangelogReplayAppliesEveryMutationWithoutDeadlocking drives a
// sequence of Graph mutations through the changelog and replays it into
// a fresh graph via ApplyRecord. ApplyRecord holds g.mu for its entire
// dispatch, so any replay handler that re-entered a locking public method
// (rather than its *Locked variant) would hang this test forever instead
// of failing it — a timeout-guarded channel catches that case instead of
// wedging the test run.
func TestChangelogReplayAppliesEveryMutationWithoutDeadlocking(t *testing.T) {
	srcDataDir := t.TempDir()
	srcLog, err := Open(srcDataDir, 0, 0, "")
	require.NoError(t, err)
	src := NewGraph(Config{}, srcLog)

	dir, st := src.Mknod(RootIno, "dir", TypeDirectory, 0777, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)
	f, st := src.Mknod(dir.Ino, "f", TypeFile, 0644, 1, 1, 0, nil)
	require.Equal(t, StatusOK, st)
	st = src.Link(f.Ino, RootIno, "f-link")
	require.Equal(t, StatusOK, st)
	_, _, _, st = src.WriteChunk(f.Ino, 0, 42)
	require.Equal(t, StatusOK, st)
	st = src.SetAttr(f.Ino, nil, nil, nil, nil, nil)
	require.Equal(t, StatusOK, st)
	st = src.OpenSession(f.Ino, 7)
	require.Equal(t, StatusOK, st)
	st = src.CloseSession(f.Ino, 7)
	require.Equal(t, StatusOK, st)
	_, st = src.Mknod(RootIno, "other", TypeDirectory, 0755, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)
	st = src.Rename(RootIno, "other", dir.Ino, "other", 0, 0)
	require.Equal(t, StatusOK, st)
	_, st = src.Mknod(RootIno, "standalone", TypeFile, 0644, 0, 0, 0, nil)
	require.Equal(t, StatusOK, st)
	st = src.Unlink(RootIno, "standalone", 0, 0)
	require.Equal(t, StatusOK, st)
	require.NoError(t, srcLog.Close())

	contents, err := os.ReadFile(filepath.Join(srcDataDir, "changelog.0.lfs"))
	require.NoError(t, err)

	dst := newTestGraph(t)

	done := make(chan error, 1)
	go func() {
		_, err := Replay(strings.NewReader(string(contents)), dst)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Replay did not return within the deadline — likely ApplyRecord re-entering a locked method")
	}

	gotDir, st := dst.Lookup(RootIno, "dir")
	require.Equal(t, StatusOK, st)
	_, st = dst.Lookup(gotDir.Ino, "f")
	require.Equal(t, StatusOK, st)
	_, st = dst.Lookup(RootIno, "f-link")
	assert.Equal(t, StatusOK, st, "link replayed")
	_, st = dst.Lookup(gotDir.Ino, "other")
	assert.Equal(t, StatusOK, st, "rename replayed into the new parent")
	_, st = dst.Lookup(RootIno, "standalone")
	assert.Equal(t, StatusENOENT, st, "unlink replayed")
}
