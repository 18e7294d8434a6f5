package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadPacketRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("lookup-payload")
	require.NoError(t, WritePacket(&buf, CLTOMALookup, payload))

	pkt, err := ReadPacket(&buf)
	require.NoError(t, err)
	assert.Equal(t, PacketType(CLTOMALookup), pkt.Type)
	assert.Equal(t, payload, pkt.Payload)
}

func TestReadPacketRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, headerLen)
	hdr[4] = 0xFF // absurd length in the high byte of the length field
	buf.Write(hdr)
	_, err := ReadPacket(&buf)
	assert.Error(t, err)
}

func TestChunkTypeWithAddressRoundTrip(t *testing.T) {
	want := ChunkTypeWithAddress{
		Address:            NetworkAddress{IP: 0x7f000001, Port: 9422},
		Part:               ChunkPartType{SliceType: SliceTypeXor, Piece: 4},
		ChunkserverVersion: 42,
	}
	encoded := want.Encode(nil)
	got, rest, err := DecodeChunkTypeWithAddress(encoded)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, want, got)
}
