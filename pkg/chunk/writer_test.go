package chunk

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu     sync.Mutex
	reads  map[string]map[int][]byte
	writes map[string]map[int][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: map[string]map[int][]byte{}, writes: map[string]map[int][]byte{}}
}

func (f *fakeTransport) ReadBlock(ctx context.Context, target Target, chunkID uint64, version uint32, block int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.reads[target.Address][block]
	if !ok {
		return nil, errors.Errorf("fakeTransport: no data for %s block %d", target.Address, block)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeTransport) WriteBlock(ctx context.Context, target Target, chunkID uint64, version uint32, writeID uint64, block int, from, to uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes[target.Address] == nil {
		f.writes[target.Address] = map[int][]byte{}
	}
	f.writes[target.Address][block] = append([]byte(nil), data...)
	return nil
}

func xorBytesCopy(a, b []byte) []byte {
	out := make([]byte, len(a))
	copy(out, a)
	for i := range out {
		if i < len(b) {
			out[i] ^= b[i]
		}
	}
	return out
}

func TestComputeParityXorsAllDataPieces(t *testing.T) {
	w := &Writer{level: 3}
	a := bytes.Repeat([]byte{0x01}, BlockSize)
	b := bytes.Repeat([]byte{0x02}, BlockSize)
	c := bytes.Repeat([]byte{0x04}, BlockSize)

	parity := w.computeParity(map[int][]byte{1: a, 2: b, 3: c})
	assert.Equal(t, xorBytesCopy(xorBytesCopy(a, b), c), parity)
}

func TestComputeParitySkipsAbsentPieces(t *testing.T) {
	w := &Writer{level: 3}
	a := bytes.Repeat([]byte{0x10}, BlockSize)
	c := bytes.Repeat([]byte{0x20}, BlockSize)

	parity := w.computeParity(map[int][]byte{1: a, 3: c})
	assert.Equal(t, xorBytesCopy(a, c), parity)
}

func TestComputeParityStandardGoalReturnsNil(t *testing.T) {
	w := &Writer{level: 0}
	assert.Nil(t, w.computeParity(map[int][]byte{1: bytes.Repeat([]byte{1}, BlockSize)}))
}

func TestDataBlocksByTargetGroupsByPieceAtByteRange(t *testing.T) {
	w := &Writer{level: 2}
	full := bytes.Repeat([]byte{0xAA}, BlockSize)
	partial := bytes.Repeat([]byte{0xBB}, 10)
	op := &operation{
		blocks: map[int]WriteRequest{
			0: {BlockIndex: 0, From: 0, To: BlockSize, Data: full},
			1: {BlockIndex: 1, From: 10, To: 20, Data: partial},
		},
	}

	out := w.dataBlocksByTarget(op, 0, 2)
	require.Contains(t, out, 1) // PieceForBlock(2, 0) == (1, 0)
	require.Contains(t, out, 2) // PieceForBlock(2, 1) == (2, 0)
	assert.Equal(t, full, out[1])
	assert.Equal(t, partial, out[2][10:20])
	assert.Equal(t, make([]byte, 10), out[2][:10])
}

// TestFillMissingReconstructsFromParity builds a level-2 write operation
// directly with one data block and an absent sibling in the same combined stripe,
// and checks the RMW path reconstructs the missing block from parity XOR
// the surviving data piece rather than failing.
func TestFillMissingReconstructsFromParity(t *testing.T) {
	const level = 2
	piece1 := bytes.Repeat([]byte{0x11}, BlockSize)
	piece2 := bytes.Repeat([]byte{0x22}, BlockSize)
	parity := xorBytesCopy(piece1, piece2)

	transport := newFakeTransport()
	transport.reads["cs1"] = map[int][]byte{0: piece1}
	transport.reads["cs3"] = map[int][]byte{0: parity}

	targets := []Target{
		{Address: "cs1", Part: XorPart(level, 1)},
		{Address: "cs2", Part: XorPart(level, 2)},
		{Address: "cs3", Part: XorPart(level, level+1)},
	}
	w := NewWriter(1, 1, targets, level, transport, nil, 0)

	op := &operation{
		stripeIndex: 0,
		stripeSize:  w.combinedSize,
		blocks: map[int]WriteRequest{
			0: {BlockIndex: 0, From: 0, To: BlockSize, Data: piece1},
		},
	}

	err := w.fillMissing(context.Background(), op, 0, 2)
	require.NoError(t, err)

	require.Contains(t, op.blocks, 1)
	assert.Equal(t, piece2, op.blocks[1].Data)
	assert.Equal(t, 0, int(op.blocks[1].From))
	assert.Equal(t, BlockSize, int(op.blocks[1].To))
}

// TestWriterFlushReconstructsAndWritesParity exercises the full
// Submit -> Flush -> execute path for a partial combined stripe: only
// piece 1's block is submitted, so Flush must read-modify-write piece 2's
// block via parity reconstruction before dispatching the completed
// stripe, including freshly computed parity, to every target.
func TestWriterFlushReconstructsAndWritesParity(t *testing.T) {
	const level = 2
	piece1 := bytes.Repeat([]byte{0x33}, BlockSize)
	piece2 := bytes.Repeat([]byte{0x44}, BlockSize)
	parity := xorBytesCopy(piece1, piece2)

	transport := newFakeTransport()
	transport.reads["cs1"] = map[int][]byte{0: piece1}
	transport.reads["cs3"] = map[int][]byte{0: parity}

	targets := []Target{
		{Address: "cs1", Part: XorPart(level, 1)},
		{Address: "cs2", Part: XorPart(level, 2)},
		{Address: "cs3", Part: XorPart(level, level+1)},
	}
	w := NewWriter(1, 1, targets, level, transport, nil, 0)

	require.NoError(t, w.Submit(context.Background(), WriteRequest{BlockIndex: 0, From: 0, To: BlockSize, Data: piece1}))
	require.NoError(t, w.Flush(context.Background(), 2))

	assert.Equal(t, piece1, transport.writes["cs1"][0])
	assert.Equal(t, piece2, transport.writes["cs2"][0])
	assert.Equal(t, parity, transport.writes["cs3"][0])
}
