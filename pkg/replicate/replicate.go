// Package replicate implements the chunkserver-side replicator (C4,
// §4.4): copying chunk parts between chunkservers when the master orders
// replication or rebalancing.
package replicate

import (
	"context"
	"io"
	"time"

	"github.com/DataDog/zstd"
	"github.com/pkg/errors"

	"github.com/lizardfs/lizardfs/pkg/chunk"
	"github.com/lizardfs/lizardfs/pkg/utils"
)

var logger = utils.GetLogger("replicate")

// Source is one candidate chunkserver holding a part of the chunk being
// replicated, as ordered by the master (§2 "the destination uses C2 to
// plan, C10 to fetch").
type Source struct {
	Address string
	Part    chunk.Part
}

// Fetcher reads a block of a part from a source chunkserver; LocalWriter
// writes a block of the locally-produced part to local storage. Both are
// satisfied by the connector/local-storage collaborators, named but not
// implemented here per §1 ("chunkserver on-disk container format" is out
// of scope).
type Fetcher interface {
	FetchBlock(ctx context.Context, src Source, chunkID uint64, version uint32, block int) ([]byte, error)
}

type LocalWriter interface {
	WriteLocalBlock(ctx context.Context, part chunk.Part, block int, data []byte) error
	Finalize(ctx context.Context, part chunk.Part) error
}

// Config tunes optional stream compression between chunkservers and the
// deadline the whole replication attempt must finish within.
type Config struct {
	Deadline     time.Duration
	UseCompression bool
}

// Replicator drives one chunk's replication onto a destination
// chunkserver (§4.4).
type Replicator struct {
	Fetch   Fetcher
	Write   LocalWriter
	Config  Config
	Planner *chunk.Planner
}

// New builds a Replicator for chunks of the given XOR level (0 for
// standard goals).
func New(level int, fetch Fetcher, write LocalWriter, cfg Config) *Replicator {
	return &Replicator{Fetch: fetch, Write: write, Config: cfg, Planner: chunk.NewPlanner(level)}
}

// Replicate copies chunkID/version's `want` part from the given sources
// onto the destination, selecting one complete cover via the planner and
// replanning with a source marked avoided on failure. It succeeds iff
// some cover completes within the configured deadline (§4.4).
func (r *Replicator) Replicate(ctx context.Context, chunkID uint64, version uint32, sources []Source, want chunk.Part, totalBlocks int) error {
	if r.Config.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Config.Deadline)
		defer cancel()
	}

	avoid := map[string]bool{} // source addresses that failed
	full := chunk.BlockRange{First: 0, Count: totalBlocks}

	for attempt := 0; ; attempt++ {
		available := make([]chunk.Part, 0, len(sources))
		bySource := map[chunk.Part]Source{}
		for _, s := range sources {
			if avoid[s.Address] {
				continue
			}
			if _, dup := bySource[s.Part]; dup {
				continue // first surviving source of a part is used
			}
			available = append(available, s.Part)
			bySource[s.Part] = s
		}

		plan, err := r.Planner.Plan(available, nil, nil, full)
		if err != nil {
			return errors.Wrapf(err, "replicate chunk %d: no cover for %s after %d attempts", chunkID, want, attempt)
		}

		buf := make([]byte, plan.RequiredBufferSize)
		failedSource := Source{}
		failed := false
		for _, op := range plan.BasicReadOperations {
			src, ok := bySource[op.Part]
			if !ok {
				continue
			}
			if err := r.fetchInto(ctx, src, chunkID, version, op, buf); err != nil {
				logger.Warnf("replicate chunk %d: fetch %s from %s failed: %s", chunkID, op.Part, src.Address, err)
				failedSource = src
				failed = true
				break
			}
		}
		if failed {
			avoid[failedSource.Address] = true
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "replicate deadline exceeded")
			default:
			}
			continue
		}

		if err := r.materialize(ctx, want, plan, buf, totalBlocks); err != nil {
			return errors.Wrap(err, "materialize local part")
		}
		return r.Write.Finalize(ctx, want)
	}
}

func (r *Replicator) fetchInto(ctx context.Context, src Source, chunkID uint64, version uint32, op chunk.ReadOperation, buf []byte) error {
	for i := 0; i < op.Blocks.Count; i++ {
		block := op.Blocks.First + i
		data, err := r.Fetch.FetchBlock(ctx, src, chunkID, version, block)
		if err != nil {
			return err
		}
		if r.Config.UseCompression {
			if decompressed, derr := zstd.Decompress(nil, data); derr == nil {
				data = decompressed
			}
		}
		copy(buf[op.BufferOffset+i*chunk.BlockSize:], data)
	}
	return nil
}

// materialize runs the plan's post-process steps to reconstruct the
// chunk's logical blocks [0, totalBlocks), then writes out only the
// blocks `want`'s own piece holds, at `want`'s piece-local block index
// (§4.1: a data piece's local index s holds logical block s*level+(p-1);
// the parity piece's local index s holds the XOR of every data piece's
// block in stripe s). For a Standard part this is the identity mapping,
// since PieceBlocks() covers the whole chunk.
func (r *Replicator) materialize(ctx context.Context, want chunk.Part, plan *chunk.ReadPlan, buf []byte, totalBlocks int) error {
	out := make([]byte, totalBlocks*chunk.BlockSize)
	// post-process Dest offsets index the plan's scratch buffer, whose
	// output area is its last totalBlocks blocks.
	base := plan.RequiredBufferSize - len(out)
	for _, op := range plan.BasicReadOperations {
		if !op.Part.Equal(want) {
			continue
		}
		copy(out, buf[op.BufferOffset:op.BufferOffset+op.ByteLen()])
	}
	for _, post := range plan.PostProcessOperations {
		switch post.Kind {
		case chunk.PostCopy:
			copy(out[post.Dest-base:post.Dest-base+post.Blocks*chunk.BlockSize], buf[post.Sources[0]:])
		case chunk.PostXor:
			dst := out[post.Dest-base : post.Dest-base+post.Blocks*chunk.BlockSize]
			for _, src := range post.Sources {
				xorBytes(dst, buf[src:src+post.Blocks*chunk.BlockSize])
			}
		}
	}

	level := r.Planner.Level
	if level == 0 || want.Kind == chunk.Standard {
		for i := 0; i < totalBlocks; i++ {
			block := out[i*chunk.BlockSize : (i+1)*chunk.BlockSize]
			if err := r.Write.WriteLocalBlock(ctx, want, i, block); err != nil {
				return err
			}
		}
		return nil
	}

	// want.PieceBlocks() assumes a full BlocksPerChunk-sized chunk; this
	// replication may cover a short last chunk, so the piece's own block
	// count is derived from totalBlocks instead.
	pieceBlocks := ceilDiv(totalBlocks, level)
	if want.IsData() {
		pieceBlocks = ceilDiv(totalBlocks-(want.Piece-1), level)
	}
	for s := 0; s < pieceBlocks; s++ {
		var block []byte
		if want.IsParity() {
			block = make([]byte, chunk.BlockSize)
			first := true
			for piece := 1; piece <= level; piece++ {
				k := s*level + (piece - 1)
				if k >= totalBlocks {
					continue
				}
				data := out[k*chunk.BlockSize : (k+1)*chunk.BlockSize]
				if first {
					copy(block, data)
					first = false
					continue
				}
				xorBytes(block, data)
			}
		} else {
			k := s*level + (want.Piece - 1)
			if k >= totalBlocks {
				continue
			}
			block = out[k*chunk.BlockSize : (k+1)*chunk.BlockSize]
		}
		if err := r.Write.WriteLocalBlock(ctx, want, s, block); err != nil {
			return err
		}
	}
	return nil
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func xorBytes(dst, src []byte) {
	for i := range dst {
		if i >= len(src) {
			return
		}
		dst[i] ^= src[i]
	}
}

// ReaderFetcher adapts an io.Reader-returning backend (e.g. the
// connector) into a Fetcher for tests and simple deployments.
type ReaderFetcher func(ctx context.Context, src Source, chunkID uint64, version uint32, block int) (io.Reader, error)

func (f ReaderFetcher) FetchBlock(ctx context.Context, src Source, chunkID uint64, version uint32, block int) ([]byte, error) {
	r, err := f(ctx, src, chunkID, version, block)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, chunk.BlockSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf[:n], nil
}
