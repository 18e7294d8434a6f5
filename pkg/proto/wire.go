// Package proto implements the binary packet framing and compound wire
// types shared by every direction of the LizardFS protocol family
// (§6): CLTOMA/MATOCL, CLTOCS/CSTOCL, CSTOMA/MATOCS, CSTOCS, MLTOMA/MATOML.
//
// Every packet is <u32 type><u32 payload_length><payload>. Payloads are
// sequences of fixed-width big-endian integers and length-prefixed byte
// strings; this package only handles the envelope and the handful of
// compound types named in §6 — individual message bodies live next to
// the component that produces/consumes them.
package proto

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// PacketType namespaces a message by the two endpoints that exchange it.
type PacketType uint32

// Packet type namespaces, per §6. Values are partitioned into disjoint
// ranges so a misrouted packet is detectable without extra framing.
const (
	// CLTOMA / MATOCL — client <-> master
	CLTOMABase PacketType = 0x00000
	MATOCLBase PacketType = 0x01000

	// CLTOCS / CSTOCL — client <-> chunkserver
	CLTOCSBase PacketType = 0x02000
	CSTOCLBase PacketType = 0x03000

	// CSTOMA / MATOCS — chunkserver <-> master
	CSTOMABase PacketType = 0x04000
	MATOCSBase PacketType = 0x05000

	// CSTOCS — chunkserver <-> chunkserver
	CSTOCSBase PacketType = 0x06000

	// MLTOMA / MATOML — metalogger <-> master
	MLTOMABase PacketType = 0x07000
	MATOMLBase PacketType = 0x08000
)

// Concrete message identifiers used by the core components described in
// this spec. Non-core messages (diagnostics, tape collaborators, etc.)
// are out of scope per §1 and are omitted.
const (
	CLTOMALookup   = CLTOMABase + 1
	MATOCLLookup   = MATOCLBase + 1
	CLTOMAWriteChunk = CLTOMABase + 2
	MATOCLWriteChunk = MATOCLBase + 2

	CLTOCSReadBlock  = CLTOCSBase + 1
	CSTOCLReadStatus = CSTOCLBase + 1
	CLTOCSWriteBlock = CLTOCSBase + 2
	CSTOCLWriteStatus = CSTOCLBase + 2

	CSTOMARegister       = CSTOMABase + 1
	MATOCSSetVersion     = MATOCSBase + 1
	MATOCSDeleteChunk    = MATOCSBase + 2
	MATOCSReplicateChunk = MATOCSBase + 3

	CSTOCSGetChunkBlocks = CSTOCSBase + 1
	CSTOCSTestChunk      = CSTOCSBase + 2

	MLTOMAChangelog = MLTOMABase + 1
)

const headerLen = 8

// MaxPayload bounds payload_length to guard against a corrupt or hostile
// peer claiming an unbounded allocation; 64 MiB matches the chunk size
// (§3), the largest legitimate payload (a full chunk part transfer still
// goes block-by-block, never as one packet).
const MaxPayload = 64 << 20

// Packet is a decoded protocol frame.
type Packet struct {
	Type    PacketType
	Payload []byte
}

// WritePacket frames and writes a packet to w.
func WritePacket(w io.Writer, typ PacketType, payload []byte) error {
	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(typ))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write packet header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(err, "write packet payload")
		}
	}
	return nil
}

// ReadPacket reads and decodes one packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, errors.Wrap(err, "read packet header")
	}
	typ := PacketType(binary.BigEndian.Uint32(hdr[0:4]))
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > MaxPayload {
		return Packet{}, errors.Errorf("packet payload too large: %d", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Packet{}, errors.Wrap(err, "read packet payload")
		}
	}
	return Packet{Type: typ, Payload: payload}, nil
}

// NetworkAddress is an IPv4 address + port, as exchanged in chunkserver
// location lists (§6).
type NetworkAddress struct {
	IP   uint32
	Port uint16
}

// Encode appends the wire form of a to dst and returns the result.
func (a NetworkAddress) Encode(dst []byte) []byte {
	var b [6]byte
	binary.BigEndian.PutUint32(b[0:4], a.IP)
	binary.BigEndian.PutUint16(b[4:6], a.Port)
	return append(dst, b[:]...)
}

// DecodeNetworkAddress reads a NetworkAddress from the front of b,
// returning the remaining bytes.
func DecodeNetworkAddress(b []byte) (NetworkAddress, []byte, error) {
	if len(b) < 6 {
		return NetworkAddress{}, nil, errors.New("short buffer for NetworkAddress")
	}
	a := NetworkAddress{
		IP:   binary.BigEndian.Uint32(b[0:4]),
		Port: binary.BigEndian.Uint16(b[4:6]),
	}
	return a, b[6:], nil
}

// SliceType distinguishes a standard replica from an XOR piece on the
// wire, mirroring pkg/chunk.PartKind without importing pkg/chunk (proto
// stays a leaf package).
type SliceType uint8

const (
	SliceTypeStandard SliceType = 0
	SliceTypeXor       SliceType = 1
)

// ChunkPartType is the wire encoding of a chunk part identity (§4.1,
// §6): a slice type tag plus a piece index, one byte each, with Piece
// written as-is (the XOR level is not encoded).
type ChunkPartType struct {
	SliceType SliceType
	Piece     uint8
}

// Encode appends the wire form of t to dst.
func (t ChunkPartType) Encode(dst []byte) []byte {
	return append(dst, byte(t.SliceType), t.Piece)
}

// DecodeChunkPartType reads a ChunkPartType from the front of b.
func DecodeChunkPartType(b []byte) (ChunkPartType, []byte, error) {
	if len(b) < 2 {
		return ChunkPartType{}, nil, errors.New("short buffer for ChunkPartType")
	}
	return ChunkPartType{SliceType: SliceType(b[0]), Piece: b[1]}, b[2:], nil
}

// ChunkTypeWithAddress pairs a chunkserver location with the part type it
// holds and the chunkserver's protocol version, per §6.
type ChunkTypeWithAddress struct {
	Address           NetworkAddress
	Part              ChunkPartType
	ChunkserverVersion uint32
}

// Encode appends the wire form of c to dst.
func (c ChunkTypeWithAddress) Encode(dst []byte) []byte {
	dst = c.Address.Encode(dst)
	dst = c.Part.Encode(dst)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], c.ChunkserverVersion)
	return append(dst, v[:]...)
}

// DecodeChunkTypeWithAddress reads a ChunkTypeWithAddress from the front
// of b, returning the remaining bytes.
func DecodeChunkTypeWithAddress(b []byte) (ChunkTypeWithAddress, []byte, error) {
	addr, b, err := DecodeNetworkAddress(b)
	if err != nil {
		return ChunkTypeWithAddress{}, nil, err
	}
	part, b, err := DecodeChunkPartType(b)
	if err != nil {
		return ChunkTypeWithAddress{}, nil, err
	}
	if len(b) < 4 {
		return ChunkTypeWithAddress{}, nil, errors.New("short buffer for ChunkTypeWithAddress version")
	}
	ver := binary.BigEndian.Uint32(b[0:4])
	return ChunkTypeWithAddress{Address: addr, Part: part, ChunkserverVersion: ver}, b[4:], nil
}
