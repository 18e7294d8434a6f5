package chunk

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lizardfs/lizardfs/pkg/utils"
)

var logger = utils.GetLogger("chunk")

// Target is one chunkserver participating in a chunk's goal: it stores
// the part identified by Part.
type Target struct {
	Address string
	Part    Part
}

// BlockTransport abstracts the connector (C10) dependency the writer
// needs: read and write a block range of a specific part on a specific
// chunkserver. Implementations are expected to retry transient
// connection loss internally per §7; WriteBlock returns a non-nil error
// only for a non-OK status or unrecoverable connection loss.
type BlockTransport interface {
	ReadBlock(ctx context.Context, target Target, chunkID uint64, version uint32, block int) ([]byte, error)
	WriteBlock(ctx context.Context, target Target, chunkID uint64, version uint32, writeID uint64, block int, from, to uint32, data []byte) error
}

// WriteRequest is one block write submitted by the caller (§4.3):
// BlockIndex is the logical block index inside the chunk; From/To are
// the byte offsets within that block actually written; Data holds
// exactly To-From bytes.
type WriteRequest struct {
	BlockIndex int
	From, To   uint32
	Data       []byte
}

// RecoverableWrite signals a failure the caller may retry with a fresh
// chunk allocation (§4.3 "Completion & file-length update").
type RecoverableWrite struct {
	Cause error
}

func (e *RecoverableWrite) Error() string { return "recoverable write failure: " + e.Cause.Error() }
func (e *RecoverableWrite) Unwrap() error { return e.Cause }

// LengthLocator is consulted by the writer when an operation's end
// offset exceeds the previously known file length, so the metadata
// layer (C5) can extend the file (§4.3).
type LengthLocator interface {
	UpdateFileLength(ctx context.Context, endOffset uint64) error
}

// operation is a group of writes that fall in one combined-stripe
// window, share (From,To), and have distinct block indices within the
// window (§4.3).
type operation struct {
	id          uint64
	stripeIndex int
	from, to    uint32
	blocks      map[int]WriteRequest // keyed by position within the combined stripe
	stripeSize  int                  // combined stripe width, in logical blocks
	expandable  bool
	done        chan struct{}
	err         error
}

func (o *operation) isFull(chunkBlocks int) bool {
	width := o.stripeSize
	base := o.stripeIndex * o.stripeSize
	if base+width > chunkBlocks {
		width = chunkBlocks - base // truncated last stripe of a chunk (§4.3)
	}
	return len(o.blocks) >= width
}

func (o *operation) collidesWith(other *operation) bool {
	return o.stripeIndex == other.stripeIndex
}

func (o *operation) endOffset() uint64 {
	maxBlock := 0
	for pos := range o.blocks {
		if pos > maxBlock {
			maxBlock = pos
		}
	}
	base := o.stripeIndex*o.stripeSize + maxBlock
	return uint64(base)*BlockSize + uint64(o.to)
}

// Writer executes block writes across a chain of chunkservers for one
// chunk, preserving append order (§4.3, §5).
type Writer struct {
	ChunkID   uint64
	Version   uint32
	Targets   []Target
	Transport BlockTransport
	Locator   LengthLocator

	level         int // 0 for standard-only goals
	combinedSize  int // combined stripe width in logical blocks

	mu          sync.Mutex
	pending     []*operation
	nextOpID    uint64
	writeOwner  map[uint64]uint64 // write_id -> operation id, per §4.3
	maxPending  int               // backpressure limit (§5)
	pendingSema chan struct{}
}

// NewWriter builds a Writer for a chunk with the given goal targets.
// level is the XOR level shared by every Xor target (0 if every target
// is Standard). maxPendingOps bounds in-flight operations (§5
// backpressure); 0 means unbounded.
func NewWriter(chunkID uint64, version uint32, targets []Target, level int, transport BlockTransport, locator LengthLocator, maxPendingOps int) *Writer {
	combined := 1
	for _, t := range targets {
		if t.Part.Kind == Xor {
			combined = lcm(combined, level)
		}
	}
	w := &Writer{
		ChunkID:      chunkID,
		Version:      version,
		Targets:      targets,
		Transport:    transport,
		Locator:      locator,
		level:        level,
		combinedSize: combined,
		writeOwner:   map[uint64]uint64{},
		maxPending:   maxPendingOps,
	}
	if maxPendingOps > 0 {
		w.pendingSema = make(chan struct{}, maxPendingOps)
	}
	return w
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Submit accepts one write request, grouping it into an in-flight
// operation or starting a new one. Operations are kept in insertion
// order (§4.3 "Start ordering").
func (w *Writer) Submit(ctx context.Context, wr WriteRequest) error {
	w.mu.Lock()
	stripeIndex := wr.BlockIndex / w.combinedSize
	pos := wr.BlockIndex % w.combinedSize

	var target *operation
	for i := len(w.pending) - 1; i >= 0; i-- {
		op := w.pending[i]
		if op.expandable && op.stripeIndex == stripeIndex && op.from == wr.From && op.to == wr.To {
			if _, exists := op.blocks[pos]; !exists {
				target = op
				break
			}
		}
	}
	if target == nil {
		w.nextOpID++
		target = &operation{
			id:          w.nextOpID,
			stripeIndex: stripeIndex,
			from:        wr.From,
			to:          wr.To,
			blocks:      map[int]WriteRequest{},
			stripeSize:  w.combinedSize,
			expandable:  true,
			done:        make(chan struct{}),
		}
		w.pending = append(w.pending, target)
	}
	target.blocks[pos] = wr
	w.mu.Unlock()
	return nil
}

// Flush seals the current (possibly partial) final operation and
// executes every pending operation respecting combined-stripe collision
// ordering (§4.3, §5: "At most one write operation per combined stripe
// position may be in flight").
func (w *Writer) Flush(ctx context.Context, chunkBlocks int) error {
	w.mu.Lock()
	for _, op := range w.pending {
		op.expandable = false
	}
	ops := append([]*operation(nil), w.pending...)
	w.pending = nil
	w.mu.Unlock()

	completed := map[uint64]*operation{}
	for _, op := range ops {
		for _, prior := range ops {
			if prior == op {
				break
			}
			if _, done := completed[prior.id]; !done && op.collidesWith(prior) {
				if err := w.execute(ctx, prior, chunkBlocks); err != nil {
					return err
				}
				completed[prior.id] = prior
			}
		}
		if _, done := completed[op.id]; !done {
			if err := w.execute(ctx, op, chunkBlocks); err != nil {
				return err
			}
			completed[op.id] = op
		}
	}
	return nil
}

// execute runs one operation: read-modify-write for partial stripes,
// parity generation, dispatch to every target, and completion handling.
func (w *Writer) execute(ctx context.Context, op *operation, chunkBlocks int) error {
	if w.pendingSema != nil {
		w.pendingSema <- struct{}{}
		defer func() { <-w.pendingSema }()
	}

	width := op.stripeSize
	base := op.stripeIndex * op.stripeSize
	if base+width > chunkBlocks {
		width = chunkBlocks - base
	}

	if !op.isFull(chunkBlocks) {
		if err := w.fillMissing(ctx, op, base, width); err != nil {
			return err
		}
	}

	dataByPiece := w.dataBlocksByTarget(op, base, width)
	parityBuf := w.computeParity(dataByPiece)

	var wg sync.WaitGroup
	errCh := make(chan error, len(w.Targets))
	for _, t := range w.Targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.sendTarget(ctx, op, t, base, width, dataByPiece, parityBuf); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return &RecoverableWrite{Cause: err}
		}
	}

	if w.Locator != nil {
		end := op.endOffset()
		if err := w.Locator.UpdateFileLength(ctx, end); err != nil {
			return errors.Wrap(err, "update file length")
		}
	}
	close(op.done)
	return nil
}

// fillMissing performs the partial-stripe read-before-write (§4.3),
// following the preference order: standard replica, then lowest-level
// parity (reconstructing via XOR of the remaining data pieces), then the
// data piece itself.
func (w *Writer) fillMissing(ctx context.Context, op *operation, base, width int) error {
	for pos := 0; pos < width; pos++ {
		if _, ok := op.blocks[pos]; ok {
			continue
		}
		blockIndex := base + pos
		data, err := w.readMissingBlock(ctx, blockIndex)
		if err != nil {
			return errors.Wrapf(err, "read-modify-write block %d", blockIndex)
		}
		op.blocks[pos] = WriteRequest{BlockIndex: blockIndex, From: 0, To: BlockSize, Data: data}
	}
	return nil
}

func (w *Writer) readMissingBlock(ctx context.Context, blockIndex int) ([]byte, error) {
	for _, t := range w.Targets {
		if t.Part.Kind == Standard {
			return w.Transport.ReadBlock(ctx, t, w.ChunkID, w.Version, blockIndex)
		}
	}
	if w.level > 0 {
		piece, stripe := PieceForBlock(w.level, blockIndex)
		var parityTarget *Target
		for i := range w.Targets {
			if w.Targets[i].Part.IsParity() {
				parityTarget = &w.Targets[i]
				break
			}
		}
		if parityTarget != nil {
			parity, err := w.Transport.ReadBlock(ctx, *parityTarget, w.ChunkID, w.Version, stripe)
			if err == nil {
				result := append([]byte(nil), parity...)
				for _, t := range w.Targets {
					if t.Part.Kind == Xor && t.Part.Piece != piece && !t.Part.IsParity() {
						other, err := w.Transport.ReadBlock(ctx, t, w.ChunkID, w.Version, stripe)
						if err != nil {
							return nil, errors.Wrap(err, "reconstruct via parity: missing second data piece")
						}
						xorInto(result, other)
					}
				}
				return result, nil
			}
		}
		for _, t := range w.Targets {
			if t.Part.Kind == Xor && t.Part.Piece == piece {
				return w.Transport.ReadBlock(ctx, t, w.ChunkID, w.Version, stripe)
			}
		}
	}
	return nil, errors.New("no source available for missing block")
}

// dataBlocksByTarget groups the (now-complete) operation's blocks by the
// data piece they belong to, as raw byte slices indexed by stripe
// position, ready for parity computation.
func (w *Writer) dataBlocksByTarget(op *operation, base, width int) map[int][]byte {
	out := map[int][]byte{}
	for pos := 0; pos < width; pos++ {
		wr := op.blocks[pos]
		piece := 1
		if w.level > 0 {
			piece, _ = PieceForBlock(w.level, base+pos)
		}
		buf, ok := out[piece]
		if !ok {
			buf = make([]byte, BlockSize)
			out[piece] = buf
		}
		copy(buf[wr.From:wr.To], wr.Data)
	}
	return out
}

// computeParity XORs the substripe buffers together, seeding each with
// the first data block mapping into it (§4.3 "Parity generation").
func (w *Writer) computeParity(dataByPiece map[int][]byte) []byte {
	if w.level == 0 {
		return nil
	}
	var parity []byte
	first := true
	for piece := 1; piece <= w.level; piece++ {
		buf, ok := dataByPiece[piece]
		if !ok {
			continue
		}
		if first {
			parity = append([]byte(nil), buf...)
			first = false
			continue
		}
		xorInto(parity, buf)
	}
	return parity
}

func xorInto(dst, src []byte) {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// sendTarget dispatches the operation's relevant bytes to one target,
// tagging each write with a fresh write_id (§4.3).
func (w *Writer) sendTarget(ctx context.Context, op *operation, t Target, base, width int, dataByPiece map[int][]byte, parity []byte) error {
	writeID := newWriteID()
	w.mu.Lock()
	w.writeOwner[writeID] = op.id
	w.mu.Unlock()

	if t.Part.IsParity() {
		stripe := op.stripeIndex
		return w.Transport.WriteBlock(ctx, t, w.ChunkID, w.Version, writeID, stripe, 0, uint32(len(parity)), parity)
	}
	piece := 1
	if w.level > 0 {
		piece = t.Part.Piece
	}
	buf, ok := dataByPiece[piece]
	if !ok {
		return nil // this target's piece has no blocks in this stripe window
	}
	stripe := op.stripeIndex
	if w.level == 0 {
		stripe = base
	}
	return w.Transport.WriteBlock(ctx, t, w.ChunkID, w.Version, writeID, stripe, 0, uint32(len(buf)), buf)
}

func newWriteID() uint64 {
	id := uuid.New()
	// fold the 128-bit UUID into a 64-bit write id; collisions across a
	// single writer's lifetime are astronomically unlikely and, per
	// §4.3, only need to be unique for the writeOwner map's lifetime.
	var v uint64
	b, _ := id.MarshalBinary()
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
