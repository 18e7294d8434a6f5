package replicate

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lizardfs/lizardfs/pkg/chunk"
)

type fakeFetcher struct {
	mu      sync.Mutex
	block   []byte
	failFor map[string]bool
	calls   int
}

func (f *fakeFetcher) FetchBlock(ctx context.Context, src Source, chunkID uint64, version uint32, block int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFor[src.Address] {
		return nil, assert.AnError
	}
	return f.block, nil
}

// keyedFetcher returns a deterministic, per-(part,block) byte pattern so
// XOR reconstruction can be checked against a hand-computed expectation.
type keyedFetcher struct{}

func (f *keyedFetcher) FetchBlock(ctx context.Context, src Source, chunkID uint64, version uint32, block int) ([]byte, error) {
	tag := byte(0x10 * src.Part.Piece)
	return bytes.Repeat([]byte{tag + byte(block)}, chunk.BlockSize), nil
}

type capturingWriter struct {
	mu     sync.Mutex
	blocks map[int][]byte
	done   bool
}

func newCapturingWriter() *capturingWriter {
	return &capturingWriter{blocks: map[int][]byte{}}
}

func (w *capturingWriter) WriteLocalBlock(ctx context.Context, part chunk.Part, block int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	w.blocks[block] = cp
	return nil
}

func (w *capturingWriter) Finalize(ctx context.Context, part chunk.Part) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	return nil
}

func TestReplicateStandardPartFromSingleSource(t *testing.T) {
	const totalBlocks = 2
	block := bytes.Repeat([]byte{0xAB}, chunk.BlockSize)
	fetch := &fakeFetcher{block: block, failFor: map[string]bool{}}
	write := newCapturingWriter()

	r := New(0, fetch, write, Config{})
	sources := []Source{{Address: "cs1:9422", Part: chunk.StandardPart}}

	err := r.Replicate(context.Background(), 42, 1, sources, chunk.StandardPart, totalBlocks)
	require.NoError(t, err)

	assert.True(t, write.done)
	require.Len(t, write.blocks, totalBlocks)
	for i := 0; i < totalBlocks; i++ {
		assert.Equal(t, block, write.blocks[i])
	}
}

func TestReplicateFailsWhenNoSourceSurvives(t *testing.T) {
	const totalBlocks = 1
	fetch := &fakeFetcher{
		block:   bytes.Repeat([]byte{0x01}, chunk.BlockSize),
		failFor: map[string]bool{"cs1:9422": true},
	}
	write := newCapturingWriter()

	r := New(0, fetch, write, Config{})
	sources := []Source{{Address: "cs1:9422", Part: chunk.StandardPart}}

	err := r.Replicate(context.Background(), 1, 1, sources, chunk.StandardPart, totalBlocks)
	assert.Error(t, err)
	assert.False(t, write.done)
}

func TestReplicateGivesUpWhenItsOnlySourceFails(t *testing.T) {
	const totalBlocks = 1
	block := bytes.Repeat([]byte{0x7F}, chunk.BlockSize)
	fetch := &fakeFetcher{block: block, failFor: map[string]bool{"bad:9422": true}}
	write := newCapturingWriter()

	r := New(0, fetch, write, Config{})
	sources := []Source{
		{Address: "bad:9422", Part: chunk.StandardPart},
	}

	// a single, permanently failing source for a Standard goal has no
	// alternate cover to fall back to; Replicate must give up rather
	// than loop forever once every candidate source is in the avoid set.
	err := r.Replicate(context.Background(), 7, 1, sources, chunk.StandardPart, totalBlocks)
	assert.Error(t, err)
	assert.False(t, write.done)
}

func TestReplicateRespectsDeadline(t *testing.T) {
	fetch := &fakeFetcher{failFor: map[string]bool{"cs1:9422": true}}
	write := newCapturingWriter()

	r := New(0, fetch, write, Config{Deadline: 1})
	sources := []Source{{Address: "cs1:9422", Part: chunk.StandardPart}}

	err := r.Replicate(context.Background(), 1, 1, sources, chunk.StandardPart, 1)
	assert.Error(t, err)
}

func TestReplicateXorParityFromDataPieces(t *testing.T) {
	const level = 2
	const totalBlocks = 3 // one full stripe plus a short trailing stripe

	fetch := &keyedFetcher{}
	write := newCapturingWriter()
	r := New(level, fetch, write, Config{})

	sources := []Source{
		{Address: "cs1:9422", Part: chunk.XorPart(level, 1)},
		{Address: "cs2:9422", Part: chunk.XorPart(level, 2)},
	}
	want := chunk.XorPart(level, level+1) // parity piece

	err := r.Replicate(context.Background(), 99, 1, sources, want, totalBlocks)
	require.NoError(t, err)
	require.True(t, write.done)
	require.Len(t, write.blocks, 2) // ceil(3/2) stripes

	// stripe 0 covers logical blocks 0 (piece1) and 1 (piece2): both
	// contribute, so parity is their XOR.
	piece1Stripe0 := byte(0x10 * 1)
	piece2Stripe0 := byte(0x10*2 + 0)
	assert.Equal(t, piece1Stripe0^piece2Stripe0, write.blocks[0][0])

	// stripe 1 only covers logical block 2 (piece1); piece2 has no block
	// in the short trailing stripe, so parity is just piece1's block.
	piece1Stripe1 := byte(0x10*1 + 1)
	assert.Equal(t, piece1Stripe1, write.blocks[1][0])
}

func TestReplicateXorDataPieceUsesPieceLocalIndex(t *testing.T) {
	const level = 2
	const totalBlocks = 3

	fetch := &keyedFetcher{}
	write := newCapturingWriter()
	r := New(level, fetch, write, Config{})

	sources := []Source{
		{Address: "cs1:9422", Part: chunk.XorPart(level, 1)},
		{Address: "cs2:9422", Part: chunk.XorPart(level, 2)},
	}
	want := chunk.XorPart(level, 2) // data piece 2, which only covers logical block 1

	err := r.Replicate(context.Background(), 100, 1, sources, want, totalBlocks)
	require.NoError(t, err)
	require.Len(t, write.blocks, 1) // ceil((3-1)/2) == 1 block in piece 2

	expected := byte(0x10*2 + 0)
	assert.Equal(t, expected, write.blocks[0][0])
}
