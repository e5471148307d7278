// Package wire implements the VST chunk and message framing described in
// spec §3 and §4.1/§4.2. Chunk parsing follows the same "small fixed-size
// scratch buffers, explicit byte counts" style as
// alxayo-rtmp-go/internal/rtmp/chunk's basic/message header parser, adapted
// from RTMP's FMT0-3 basic headers to VST's fixed 16/24-byte chunk headers.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
	"github.com/duzhanyuan/fuerte/pkg/fuerteerr"
)

const (
	// shortHeaderLength is the header size for a single chunk or any
	// non-first chunk of a multi-chunk message: chunk_length(4) +
	// chunk_x(4) + message_id(8).
	shortHeaderLength = 16
	// longHeaderLength additionally carries total_message_length(8) and is
	// only used by the first chunk of a multi-chunk message.
	longHeaderLength = 24

	// DefaultMaxChunkSize is used when ConnectionConfiguration.MaxChunkSize
	// is zero, per spec §6.
	DefaultMaxChunkSize = 30000
)

// ChunkHeader is the parsed form of a VST chunk header, per spec §3.
type ChunkHeader struct {
	ChunkLength        uint32
	ChunkHeaderLength  int
	MessageID          fuerte.MessageId
	NumberOfChunks     uint32
	ChunkIndex         uint32
	IsFirst            bool
	IsSingle           bool
	TotalMessageLength uint64 // only valid when IsFirst && NumberOfChunks > 1
	ChunkPayloadLength uint32
}

// Chunk is a single framing unit ready to be written to the wire: header
// bytes followed immediately by its payload slice.
type Chunk struct {
	Header  []byte
	Payload []byte
}

// Bytes returns the chunk as a single contiguous wire-ready buffer.
func (c Chunk) Bytes() []byte {
	buf := make([]byte, 0, len(c.Header)+len(c.Payload))
	buf = append(buf, c.Header...)
	buf = append(buf, c.Payload...)
	return buf
}

// EncodeChunks splits message (the concatenation of the header document and
// payload bytes per spec §4.2) into one or more chunks no larger than
// maxChunkSize, per spec §4.1.
func EncodeChunks(id fuerte.MessageId, message []byte, maxChunkSize int) []Chunk {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}

	if len(message)+shortHeaderLength <= maxChunkSize {
		header := make([]byte, shortHeaderLength)
		binary.LittleEndian.PutUint32(header[0:4], uint32(shortHeaderLength+len(message)))
		binary.LittleEndian.PutUint32(header[4:8], chunkX(1, true, 0))
		binary.LittleEndian.PutUint64(header[8:16], uint64(id))
		return []Chunk{{Header: header, Payload: message}}
	}

	// Multi-chunk: the first chunk carries total_message_length and uses the
	// 24-byte header; every subsequent chunk uses the 16-byte header.
	firstPayloadCap := maxChunkSize - longHeaderLength
	restPayloadCap := maxChunkSize - shortHeaderLength

	remaining := len(message)
	var sizes []int
	firstTake := min(firstPayloadCap, remaining)
	sizes = append(sizes, firstTake)
	remaining -= firstTake
	for remaining > 0 {
		take := min(restPayloadCap, remaining)
		sizes = append(sizes, take)
		remaining -= take
	}
	numberOfChunks := uint32(len(sizes))

	chunks := make([]Chunk, 0, numberOfChunks)
	offset := 0
	for i, size := range sizes {
		payload := message[offset : offset+size]
		offset += size

		if i == 0 {
			header := make([]byte, longHeaderLength)
			binary.LittleEndian.PutUint32(header[0:4], uint32(longHeaderLength+size))
			binary.LittleEndian.PutUint32(header[4:8], chunkX(numberOfChunks, true, 0))
			binary.LittleEndian.PutUint64(header[8:16], uint64(id))
			binary.LittleEndian.PutUint64(header[16:24], uint64(len(message)))
			chunks = append(chunks, Chunk{Header: header, Payload: payload})
			continue
		}

		header := make([]byte, shortHeaderLength)
		binary.LittleEndian.PutUint32(header[0:4], uint32(shortHeaderLength+size))
		binary.LittleEndian.PutUint32(header[4:8], chunkX(uint32(i), false, uint32(i)))
		binary.LittleEndian.PutUint64(header[8:16], uint64(id))
		chunks = append(chunks, Chunk{Header: header, Payload: payload})
	}
	return chunks
}

// chunkX packs number_of_chunks or chunk_index into the high bits and the
// is_first flag into bit 0, per spec §3's ChunkHeader. numberOfChunks is
// only meaningful when isFirst is true; index is only meaningful otherwise.
func chunkX(numberOfChunks uint32, isFirst bool, index uint32) uint32 {
	if isFirst {
		return (numberOfChunks << 1) | 1
	}
	return index << 1
}

// IsChunkComplete reports whether a full chunk is available at the front of
// buf, per spec §4.1: at least 4 bytes present and chunk_length <= len(buf).
func IsChunkComplete(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	chunkLength := binary.LittleEndian.Uint32(buf[0:4])
	return uint32(len(buf)) >= chunkLength
}

// ReadChunkHeader parses the header prefix of buf, per spec §4.1. buf must
// contain at least a complete chunk (callers should check IsChunkComplete
// first).
func ReadChunkHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) < shortHeaderLength {
		return ChunkHeader{}, fuerteerr.New(fuerteerr.ProtocolError,
			fmt.Errorf("wire: chunk shorter than minimum header size %d", shortHeaderLength))
	}

	chunkLength := binary.LittleEndian.Uint32(buf[0:4])
	if chunkLength < shortHeaderLength {
		return ChunkHeader{}, fuerteerr.New(fuerteerr.ProtocolError,
			fmt.Errorf("wire: chunk_length %d below minimum header size", chunkLength))
	}

	x := binary.LittleEndian.Uint32(buf[4:8])
	isFirst := x&1 != 0
	messageID := fuerte.MessageId(binary.LittleEndian.Uint64(buf[8:16]))

	h := ChunkHeader{
		ChunkLength: chunkLength,
		MessageID:   messageID,
		IsFirst:     isFirst,
	}

	if isFirst {
		h.NumberOfChunks = x >> 1
	} else {
		h.ChunkIndex = x >> 1
	}
	h.IsSingle = isFirst && h.NumberOfChunks == 1

	if isFirst && h.NumberOfChunks > 1 {
		if len(buf) < longHeaderLength {
			return ChunkHeader{}, fuerteerr.New(fuerteerr.ProtocolError,
				fmt.Errorf("wire: first multi-chunk shorter than %d bytes", longHeaderLength))
		}
		h.ChunkHeaderLength = longHeaderLength
		h.TotalMessageLength = binary.LittleEndian.Uint64(buf[16:24])
	} else {
		h.ChunkHeaderLength = shortHeaderLength
	}

	if uint32(h.ChunkHeaderLength) > chunkLength {
		return ChunkHeader{}, fuerteerr.New(fuerteerr.ProtocolError,
			fmt.Errorf("wire: chunk_length %d smaller than header length %d", chunkLength, h.ChunkHeaderLength))
	}
	h.ChunkPayloadLength = chunkLength - uint32(h.ChunkHeaderLength)

	return h, nil
}
