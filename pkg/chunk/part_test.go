package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPieceForBlockRoundRobinsAcrossDataPieces(t *testing.T) {
	piece, stripe := PieceForBlock(3, 0)
	assert.Equal(t, 1, piece)
	assert.Equal(t, 0, stripe)

	piece, stripe = PieceForBlock(3, 4)
	assert.Equal(t, 2, piece)
	assert.Equal(t, 1, stripe)
}

func TestDataPieceBlocksSumsToChunkSize(t *testing.T) {
	level := 5
	total := ParityBlocks(level) // parity mirrors the widest data piece's stripe count
	var dataTotal int
	for piece := 1; piece <= level; piece++ {
		dataTotal += DataPieceBlocks(level, piece)
	}
	assert.Equal(t, BlocksPerChunk, dataTotal)
	assert.Equal(t, StripeCount(level), total)
}

func TestXorPartPanicsOutOfRange(t *testing.T) {
	assert.Panics(t, func() { XorPart(1, 1) })
	assert.Panics(t, func() { XorPart(3, 5) })
	assert.NotPanics(t, func() { XorPart(3, 4) }) // parity piece of a level-3 stripe
}

func TestIsParityIsData(t *testing.T) {
	p := XorPart(4, 5)
	assert.True(t, p.IsParity())
	assert.False(t, p.IsData())

	d := XorPart(4, 1)
	assert.False(t, d.IsParity())
	assert.True(t, d.IsData())
}

func TestStripesOverlappingSingleBlock(t *testing.T) {
	first, count := StripesOverlapping(3, BlockRange{First: 4, Count: 1})
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, count)
}

func TestBlockRangeOverlaps(t *testing.T) {
	a := BlockRange{First: 0, Count: 10}
	b := BlockRange{First: 9, Count: 5}
	c := BlockRange{First: 10, Count: 5}
	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(c))
}
