// RequestItem: per-request state held by a VstConnection, per spec §3/§4.3.
package vst

import (
	"github.com/duzhanyuan/fuerte/pkg/fuerte"
)

// requestItem is the internal aggregate owned by the connection for the
// duration of a request's lifecycle (spec §4.3). It is handed between the
// send queue and the in-flight map by single-owner move, never copied.
type requestItem struct {
	messageID fuerte.MessageId
	request   *fuerte.Request
	onError   fuerte.OnError
	onSuccess fuerte.OnSuccess

	// requestBuffer holds the encoded wire bytes (header document + payload,
	// chunked) until the write completes, at which point it is released.
	requestBuffer []byte

	// responseBuffer grows as chunks are appended during reassembly.
	responseBuffer []byte

	// responseLength is the declared total length from the first chunk of a
	// multi-chunk message; zero/unused for single-chunk messages.
	responseLength uint64

	// responseChunks is the expected chunk count for a multi-chunk message.
	responseChunks uint32

	// responseChunk is the number of chunks consumed so far. Per the
	// supplemented decision in SPEC_FULL.md §12.2 (Design Note iii), this is a
	// 1-based running count: it is 1 after the first chunk and the message is
	// complete when it equals responseChunks. Before a continuation chunk is
	// consumed it also equals that chunk's expected 0-based wire chunk_index,
	// which consumeChunk checks.
	responseChunk uint32
}

func newRequestItem(id fuerte.MessageId, request *fuerte.Request, onError fuerte.OnError, onSuccess fuerte.OnSuccess, encoded []byte) *requestItem {
	return &requestItem{
		messageID:     id,
		request:       request,
		onError:       onError,
		onSuccess:     onSuccess,
		requestBuffer: encoded,
	}
}

// appendPayload appends a chunk's payload bytes to the reassembly buffer.
func (it *requestItem) appendPayload(payload []byte) {
	it.responseBuffer = append(it.responseBuffer, payload...)
}

// releaseRequestBuffer drops the encoded wire bytes once the write
// completes, per spec §3's invariant that request_buffer is released before
// the success callback runs.
func (it *requestItem) releaseRequestBuffer() {
	it.requestBuffer = nil
}
