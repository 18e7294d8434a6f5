package chunk

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrNoCover is returned when the available part set cannot cover the
// requested block range under any combination.
var ErrNoCover = errors.New("chunk: no available part set covers the requested range")

// PostProcessKind distinguishes the two post-processing primitives a
// ReadPlan can emit (§4.2).
type PostProcessKind uint8

const (
	// PostCopy copies Blocks blocks from a single scratch source to the
	// logical output.
	PostCopy PostProcessKind = iota
	// PostXor XORs Blocks blocks from every source in Sources together
	// into the logical output (stripe reconstruction).
	PostXor
)

// ReadOperation is one parallel fetch: read Blocks.Count blocks starting
// at Blocks.First (in the *part's own* block indexing — see
// partBlockRange) from Part, landing at BufferOffset in the plan's
// scratch buffer.
type ReadOperation struct {
	Part         Part
	Blocks       BlockRange
	BufferOffset int
}

// ByteLen returns the byte length this operation reads.
func (o ReadOperation) ByteLen() int { return o.Blocks.Count * BlockSize }

// PostProcessOperation transforms scratch contents into contiguous
// logical output.
type PostProcessOperation struct {
	Kind    PostProcessKind
	Sources []int // scratch buffer offsets, in block-sized units already applied
	Dest    int   // scratch buffer offset inside the output area that follows the read areas
	Blocks  int   // number of blocks this op covers
}

// ReadPlan is the planner's output: the reads to issue and how to turn
// their results into contiguous logical bytes (§4.2).
type ReadPlan struct {
	RequiredBufferSize       int
	BasicReadOperations      []ReadOperation
	AdditionalReadOperations []ReadOperation
	PostProcessOperations    []PostProcessOperation

	// Finished reports, given the set of basic operation indices that
	// have completed successfully, whether enough data is present to
	// satisfy the read without issuing any additional operation. Set
	// only by PlanReadAll (§4.2's "read-from-all-XOR-parts variant");
	// nil for ordinary plans, where all basic operations are required.
	Finished func(completedBasic map[int]bool) bool
}

// Planner produces ReadPlans for chunks of a fixed XOR level (Level==0
// meaning a plain, non-erasure-coded chunk with Standard replicas).
type Planner struct {
	Level int
}

// NewPlanner returns a planner for the given XOR level (0 for standard
// replication).
func NewPlanner(level int) *Planner {
	return &Planner{Level: level}
}

func sortParts(parts []Part) []Part {
	out := append([]Part(nil), parts...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.Piece < b.Piece
	})
	return out
}

func containsPart(set []Part, p Part) bool {
	for _, q := range set {
		if q.Equal(p) {
			return true
		}
	}
	return false
}

// Plan builds a ReadPlan for the logical block range r given the set of
// currently available parts and (optionally) a score map and an avoid
// set populated by earlier failures. Plans are deterministic for
// identical inputs modulo the stable ordering imposed by sortParts.
func (p *Planner) Plan(available []Part, scores map[Part]float64, avoid map[Part]bool, r BlockRange) (*ReadPlan, error) {
	if r.Count <= 0 {
		return &ReadPlan{}, nil
	}
	usable := sortParts(filterAvoided(available, avoid))

	if p.Level == 0 {
		return p.planStandard(usable, scores, r)
	}
	return p.planXor(usable, scores, r)
}

func filterAvoided(available []Part, avoid map[Part]bool) []Part {
	if len(avoid) == 0 {
		return available
	}
	out := make([]Part, 0, len(available))
	for _, a := range available {
		if !avoid[a] {
			out = append(out, a)
		}
	}
	return out
}

// planStandard implements the "Standard chunk" policy (§4.2): any
// available standard replica is used directly, with no post-processing.
func (p *Planner) planStandard(usable []Part, scores map[Part]float64, r BlockRange) (*ReadPlan, error) {
	var standards []Part
	for _, part := range usable {
		if part.Kind == Standard {
			standards = append(standards, part)
		}
	}
	if len(standards) == 0 {
		return nil, ErrNoCover
	}
	best := bestScoring(standards, scores)
	size := r.Count * BlockSize
	plan := &ReadPlan{
		RequiredBufferSize: size,
		BasicReadOperations: []ReadOperation{
			{Part: best, Blocks: r, BufferOffset: 0},
		},
	}
	for _, s := range standards {
		if !s.Equal(best) {
			plan.AdditionalReadOperations = append(plan.AdditionalReadOperations, ReadOperation{
				Part: s, Blocks: r, BufferOffset: 0,
			})
		}
	}
	return plan, nil
}

// bestScoring returns the candidate with the lowest score (best RTT/error
// rate); unscored candidates are treated as score 0 (best), preserving
// sortParts' ordering as the tie-break so results stay deterministic.
func bestScoring(candidates []Part, scores map[Part]float64) Part {
	best := candidates[0]
	bestScore, ok := scores[best]
	if !ok {
		bestScore = 0
	}
	for _, c := range candidates[1:] {
		s, ok := scores[c]
		if !ok {
			s = 0
		}
		if s < bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// worstScoring returns the candidate with the highest score, preferring
// (on ties) one that is not in essential — the tie-break demanded by
// §4.2's getWorstPart: "prefer to avoid a part not in the optimal cover".
func worstScoring(candidates []Part, scores map[Part]float64, essential map[Part]bool) (Part, bool) {
	if len(candidates) == 0 {
		return Part{}, false
	}
	worst := candidates[0]
	worstScore, ok := scores[worst]
	if !ok {
		worstScore = 0
	}
	for _, c := range candidates[1:] {
		s, ok := scores[c]
		if !ok {
			s = 0
		}
		switch {
		case s > worstScore:
			worst, worstScore = c, s
		case s == worstScore && essential[worst] && !essential[c]:
			worst = c
		}
	}
	return worst, true
}

// planXor implements the XOR-chunk policies of §4.2: the full-data-set
// path, the bad-piece-score avoidance path, and builds the additional
// (reconstruction) operations that let a failed basic read be recovered
// from parity. When a needed data piece is genuinely unavailable (not
// merely avoided by score), the basic plan itself reads parity plus
// every other data piece over the affected stripes and reconstructs the
// missing piece by XOR — there is no optimistic direct read to attempt.
func (p *Planner) planXor(usable []Part, scores map[Part]float64, r BlockRange) (*ReadPlan, error) {
	level := p.Level
	firstStripe, stripeCount := StripesOverlapping(level, r)
	lastStripe := firstStripe + stripeCount - 1

	needed := neededDataPieces(level, r)

	availableSet := map[Part]bool{}
	for _, u := range usable {
		availableSet[u] = true
	}

	var parityPart Part
	haveParity := false
	for _, u := range usable {
		if u.IsParity() {
			parityPart = u
			haveParity = true
			break
		}
	}

	var missingPiece int
	hasMissing := false
	for _, piece := range needed {
		if !availableSet[XorPart(level, piece)] {
			if hasMissing {
				// A second concurrently-missing data piece cannot be
				// recovered from a single parity piece.
				return nil, ErrNoCover
			}
			missingPiece = piece
			hasMissing = true
		}
	}
	if hasMissing && !haveParity {
		return nil, ErrNoCover
	}

	scratchOffset := 0
	buildOp := func(piece int) ReadOperation {
		blocks := BlockRange{First: firstStripe, Count: stripeCount}
		op := ReadOperation{Part: XorPart(level, piece), Blocks: blocks, BufferOffset: scratchOffset}
		scratchOffset += blocks.Count * BlockSize
		return op
	}

	if hasMissing {
		// Must read parity and every other data piece over the full
		// overlapping stripe range to reconstruct missingPiece.
		var ops []ReadOperation
		var pieces []int
		for piece := 1; piece <= level; piece++ {
			if piece == missingPiece {
				continue
			}
			ops = append(ops, buildOp(piece))
			pieces = append(pieces, piece)
		}
		parityOp := ReadOperation{Part: parityPart, Blocks: BlockRange{First: firstStripe, Count: stripeCount}, BufferOffset: scratchOffset}
		scratchOffset += parityOp.ByteLen()
		ops = append(ops, parityOp)

		outputOffset := scratchOffset
		post := gatherPostOpsWithReconstruction(level, r, firstStripe, missingPiece, ops, pieces, parityOp, outputOffset)
		return &ReadPlan{
			RequiredBufferSize:    outputOffset + r.Count*BlockSize,
			BasicReadOperations:   ops,
			PostProcessOperations: post,
		}, nil
	}

	// essential = pieces that must be read verbatim (no substitute other
	// than full-stripe reconstruction); used for getWorstPart's tie-break.
	essential := map[Part]bool{}
	for _, piece := range needed {
		essential[XorPart(level, piece)] = true
	}

	basicPieces := append([]int(nil), needed...)

	// Bad-piece-score avoidance: find the worst-scoring part among all
	// usable candidates (including parity/extra pieces not essential),
	// and if dropping it from the basic set still leaves a coverable
	// plan (i.e. it's either non-essential, or essential but
	// reconstructible via parity), drop it to the additional pool.
	if haveParity {
		if worst, ok := worstScoring(usable, scores, essential); ok && essential[worst] {
			remaining := removePiece(basicPieces, worst.Piece)
			if len(remaining) == level-1 { // still reconstructible via parity
				basicPieces = remaining
			}
		}
	}

	var basicOps []ReadOperation
	for _, piece := range basicPieces {
		blocks := BlockRange{First: firstStripe, Count: stripeCount}
		basicOps = append(basicOps, ReadOperation{Part: XorPart(level, piece), Blocks: blocks, BufferOffset: scratchOffset})
		scratchOffset += blocks.Count * BlockSize
	}

	// Additional operations: parity (if not already basic) plus every
	// data piece not already in basicPieces, each covering the same
	// stripe range — sufficient, combined with a proper subset of the
	// basic set, to reconstruct via XOR (§4.2).
	var additional []ReadOperation
	inBasic := map[int]bool{}
	for _, piece := range basicPieces {
		inBasic[piece] = true
	}
	if haveParity {
		additional = append(additional, buildOp2(&scratchOffset, parityPart, firstStripe, stripeCount))
	}
	for piece := 1; piece <= level; piece++ {
		if inBasic[piece] {
			continue
		}
		if !availableSet[XorPart(level, piece)] {
			continue
		}
		additional = append(additional, buildOp2(&scratchOffset, XorPart(level, piece), firstStripe, stripeCount))
	}

	outputOffset := scratchOffset
	outputSize := r.Count * BlockSize
	post := gatherPostOps(level, r, firstStripe, lastStripe, basicOps, basicPieces, outputOffset)

	return &ReadPlan{
		RequiredBufferSize:       outputOffset + outputSize,
		BasicReadOperations:      basicOps,
		AdditionalReadOperations: additional,
		PostProcessOperations:    post,
	}, nil
}

func buildOp2(scratchOffset *int, part Part, firstStripe, stripeCount int) ReadOperation {
	blocks := BlockRange{First: firstStripe, Count: stripeCount}
	op := ReadOperation{Part: part, Blocks: blocks, BufferOffset: *scratchOffset}
	*scratchOffset += blocks.Count * BlockSize
	return op
}

// gatherPostOpsWithReconstruction builds the copy/XOR sequence when one
// needed data piece (missingPiece) must be reconstructed from parity and
// every other data piece, all read over the full overlapping stripe
// range starting at firstStripe.
func gatherPostOpsWithReconstruction(level int, r BlockRange, firstStripe, missingPiece int, ops []ReadOperation, pieces []int, parityOp ReadOperation, outputOffset int) []PostProcessOperation {
	pieceOffset := map[int]int{}
	for i, piece := range pieces {
		pieceOffset[piece] = ops[i].BufferOffset
	}
	var post []PostProcessOperation
	for k := r.First; k < r.End(); k++ {
		piece, stripe := PieceForBlock(level, k)
		dst := outputOffset + (k-r.First)*BlockSize
		if piece != missingPiece {
			src := pieceOffset[piece] + (stripe-firstStripe)*BlockSize
			post = append(post, PostProcessOperation{Kind: PostCopy, Sources: []int{src}, Dest: dst, Blocks: 1})
			continue
		}
		var sources []int
		sources = append(sources, parityOp.BufferOffset+(stripe-firstStripe)*BlockSize)
		for _, piece := range pieces {
			sources = append(sources, pieceOffset[piece]+(stripe-firstStripe)*BlockSize)
		}
		post = append(post, PostProcessOperation{Kind: PostXor, Sources: sources, Dest: dst, Blocks: 1})
	}
	return post
}

// PlanReadAll implements the "read-from-all-XOR-parts variant" (§4.2):
// issues every available part as a basic operation; Finished reports
// true once at most one is still outstanding, since any L of L+1 parts
// suffice to reconstruct a full stripe set.
func (p *Planner) PlanReadAll(available []Part, r BlockRange) (*ReadPlan, error) {
	if p.Level == 0 {
		return p.Plan(available, nil, nil, r)
	}
	level := p.Level
	firstStripe, stripeCount := StripesOverlapping(level, r)
	lastStripe := firstStripe + stripeCount - 1
	needed := neededDataPieces(level, r)

	usable := sortParts(available)
	availableSet := map[Part]bool{}
	for _, u := range usable {
		availableSet[u] = true
	}
	have := 0
	for _, piece := range needed {
		if availableSet[XorPart(level, piece)] {
			have++
		}
	}
	haveParity := availableSet[XorPart(level, level+1)]
	if haveParity {
		have++
	}
	if have < len(needed) {
		return nil, ErrNoCover
	}

	var ops []ReadOperation
	offset := 0
	var pieces []int
	for _, piece := range needed {
		if !availableSet[XorPart(level, piece)] {
			continue
		}
		blocks := partBlockRangeForStripes(piece, firstStripe, stripeCount)
		ops = append(ops, ReadOperation{Part: XorPart(level, piece), Blocks: blocks, BufferOffset: offset})
		offset += blocks.Count * BlockSize
		pieces = append(pieces, piece)
	}
	if haveParity {
		blocks := BlockRange{First: firstStripe, Count: stripeCount}
		ops = append(ops, ReadOperation{Part: XorPart(level, level+1), Blocks: blocks, BufferOffset: offset})
		offset += blocks.Count * BlockSize
	}

	outputOffset := offset
	post := gatherPostOps(level, r, firstStripe, lastStripe, ops, pieces, outputOffset)

	minRequired := len(needed)
	return &ReadPlan{
		RequiredBufferSize:    outputOffset + r.Count*BlockSize,
		BasicReadOperations:   ops,
		PostProcessOperations: post,
		Finished: func(completed map[int]bool) bool {
			n := 0
			for i := range ops {
				if completed[i] {
					n++
				}
			}
			return n >= minRequired
		},
	}, nil
}

func neededDataPieces(level int, r BlockRange) []int {
	set := map[int]bool{}
	for k := r.First; k < r.End(); k++ {
		piece, _ := PieceForBlock(level, k)
		set[piece] = true
	}
	pieces := make([]int, 0, len(set))
	for piece := 1; piece <= level; piece++ {
		if set[piece] {
			pieces = append(pieces, piece)
		}
	}
	return pieces
}

// partBlockRangeForStripes returns the block range, in the given piece's
// own indexing, covering stripe positions [first, first+count).
func partBlockRangeForStripes(piece, first, count int) BlockRange {
	return BlockRange{First: first, Count: count}
}

func removePiece(pieces []int, piece int) []int {
	out := make([]int, 0, len(pieces))
	for _, p := range pieces {
		if p != piece {
			out = append(out, p)
		}
	}
	return out
}

// gatherPostOps builds the copy/XOR sequence that reconstructs the
// contiguous logical range r from the scratch buffer populated by ops
// (each op reading the full stripe range [first,last] of one piece in
// `pieces`, parallel-indexed with ops up to len(pieces)).
func gatherPostOps(level int, r BlockRange, firstStripe, lastStripe int, ops []ReadOperation, pieces []int, outputOffset int) []PostProcessOperation {
	pieceOffset := map[int]int{}
	for i, piece := range pieces {
		pieceOffset[piece] = ops[i].BufferOffset
	}
	var post []PostProcessOperation
	for k := r.First; k < r.End(); k++ {
		piece, stripe := PieceForBlock(level, k)
		dst := outputOffset + (k-r.First)*BlockSize
		if off, ok := pieceOffset[piece]; ok {
			src := off + (stripe-firstStripe)*BlockSize
			post = append(post, PostProcessOperation{Kind: PostCopy, Sources: []int{src}, Dest: dst, Blocks: 1})
		}
	}
	return post
}
