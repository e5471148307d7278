// Package vst implements the pipelined, chunked-framing transport described
// in spec §4.1-§4.4: a single TCP (optionally TLS) socket shared by many
// concurrently in-flight requests, with a strict single-writer/single-reader
// discipline enforced by dispatching all socket-completion handling through
// one reactor strand keyed on the connection itself.
//
// The state machine and locking discipline are grounded on the teacher's
// scheduling.loader: a guarded queue plus a guarded map, each protected by
// its own mutex, with a documented lock-acquisition order
// (send queue before in-flight map) to avoid the classic two-mutex deadlock.
// Where the teacher uses a channel-held single token as its guard, this
// connection uses sync.Mutex directly, since the VST read/write loops are
// driven by the reactor's strand rather than by goroutines blocking on a
// channel receive.
package vst

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
	"github.com/duzhanyuan/fuerte/pkg/fuerteerr"
	"github.com/duzhanyuan/fuerte/pkg/fuertelog"
	"github.com/duzhanyuan/fuerte/pkg/internal/bufpool"
	"github.com/duzhanyuan/fuerte/pkg/reactor"
	"github.com/duzhanyuan/fuerte/pkg/wire"
)

// connState is the VstConnection lifecycle state from spec §4.4.
type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateHandshaking
	stateConnected
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateHandshaking:
		return "handshaking"
	case stateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// handshakeTimeout bounds the optional TLS handshake, per spec §6's 60s
// deadline for connection setup.
const handshakeTimeout = 60 * time.Second

// readDeadline bounds a single outstanding read, per spec §4.4 "Timeouts": a
// deadline timer is armed with 30s whenever a read is outstanding. (The TCP
// dial is bounded by ConnectionTimeout and the TLS handshake by
// handshakeTimeout.) Expiry surfaces through conn.Read's timeout error and
// is treated the same as any other read error: restart_connection.
const readDeadline = 30 * time.Second

// readBufferSize is the chunk of bytes requested per socket read.
const readBufferSize = 32 * 1024

type counters struct {
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	requestsSent     atomic.Uint64
	requestsFinished atomic.Uint64
	reconnects       atomic.Uint64
}

// Connection is a single pipelined VST socket. It satisfies fuerte.Connection.
type Connection struct {
	cfg fuerte.ConnectionConfiguration
	log fuertelog.Logger
	rx  *reactor.Reactor

	ownsReactor bool

	idCounter  atomic.Uint64
	state      atomic.Int32
	generation atomic.Uint64
	writing    atomic.Bool
	reading    atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once

	// sendMu guards sendQueue. Lock order: sendMu before mapMu, never the
	// reverse — matching the teacher's loader's documented guard ordering.
	sendMu    sync.Mutex
	sendQueue []*requestItem

	mapMu    sync.Mutex
	inFlight map[fuerte.MessageId]*requestItem

	connMu sync.Mutex
	conn   net.Conn

	// recvBuf is owned exclusively by the reactor strand while handling a
	// read completion; this is what makes "single reader" true despite reads
	// being issued from background goroutines.
	recvBuf []byte

	stats counters
}

var _ fuerte.Connection = (*Connection)(nil)

// New creates a Connection and immediately begins connecting. If rx is nil, a
// private single-worker Reactor is created and owned by this connection (it
// is stopped on Close).
func New(cfg fuerte.ConnectionConfiguration, log fuertelog.Logger, rx *reactor.Reactor) *Connection {
	if log == nil {
		log = fuertelog.Default()
	}
	ownsReactor := rx == nil
	if ownsReactor {
		rx = reactor.New(1)
	}

	c := &Connection{
		cfg:         cfg,
		log:         fuertelog.Component(log, "vst"),
		rx:          rx,
		ownsReactor: ownsReactor,
		inFlight:    make(map[fuerte.MessageId]*requestItem),
	}
	c.state.Store(int32(stateDisconnected))

	if ownsReactor {
		go func() { _ = rx.Run(context.Background()) }()
	}
	c.initSocket()
	return c
}

// initSocket transitions Disconnected -> Connecting and starts a background
// dial+handshake, per spec §4.4. It is a no-op unless currently disconnected.
func (c *Connection) initSocket() {
	if !c.state.CompareAndSwap(int32(stateDisconnected), int32(stateConnecting)) {
		return
	}
	gen := c.generation.Add(1)
	go c.connectAndHandshake(gen)
}

func (c *Connection) connectAndHandshake(gen uint64) {
	timeout := c.cfg.ConnectionTimeout
	if timeout < time.Second {
		timeout = time.Second
	}

	addr := net.JoinHostPort(c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		c.rx.Dispatch(c, func() {
			c.handleConnectComplete(gen, nil, fuerteerr.New(fuerteerr.CouldNotConnect, err))
		})
		return
	}

	if c.cfg.SSL {
		c.state.Store(int32(stateHandshaking))
		tlsConn := tls.Client(conn, &tls.Config{ServerName: c.cfg.Host})
		hctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			conn.Close()
			c.rx.Dispatch(c, func() {
				c.handleConnectComplete(gen, nil, fuerteerr.New(fuerteerr.CouldNotConnect, err))
			})
			return
		}
		conn = tlsConn
	}

	c.rx.Dispatch(c, func() { c.handleConnectComplete(gen, conn, nil) })
}

func (c *Connection) handleConnectComplete(gen uint64, conn net.Conn, err error) {
	if gen != c.generation.Load() {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state.Store(int32(stateDisconnected))
		c.log.WithError(err).Warn("vst connect failed")
		c.failQueuedAndInFlight(fuerteerr.CouldNotConnect, err)
		return
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.state.Store(int32(stateConnected))
	c.log.Info("vst connection established")

	c.startWrite()
	c.startRead()
}

// SendRequest implements fuerte.Connection. Encoding and chunking happen
// synchronously on the caller's goroutine; only socket I/O is asynchronous.
func (c *Connection) SendRequest(req *fuerte.Request, onError fuerte.OnError, onSuccess fuerte.OnSuccess) fuerte.MessageId {
	id := fuerte.MessageId(c.idCounter.Add(1))
	req.MessageID = id

	if c.closed.Load() {
		if onError != nil {
			onError(fuerteerr.VstCanceledDuringReset, req, nil)
		}
		return id
	}

	encoded := wire.EncodeRequest(req, c.cfg.Authentication)
	chunks := wire.EncodeChunks(id, encoded, c.cfg.MaxChunkSize)

	var wireBytes []byte
	for _, ch := range chunks {
		wireBytes = append(wireBytes, ch.Bytes()...)
	}

	item := newRequestItem(id, req, onError, onSuccess, wireBytes)

	c.sendMu.Lock()
	c.sendQueue = append(c.sendQueue, item)
	wasEmpty := len(c.sendQueue) == 1
	c.sendMu.Unlock()

	c.stats.requestsSent.Add(1)

	if connState(c.state.Load()) == stateDisconnected {
		c.initSocket()
	}
	if wasEmpty {
		c.rx.Dispatch(c, c.startWrite)
	}
	return id
}

// SendRequestSync implements fuerte.Connection by bridging the async
// callback pair onto a buffered channel, per the supplemented feature in
// SPEC_FULL.md §12.1.
func (c *Connection) SendRequestSync(req *fuerte.Request) (*fuerte.Response, error) {
	type outcome struct {
		resp *fuerte.Response
		err  error
	}
	ch := make(chan outcome, 1)

	c.SendRequest(req,
		func(code fuerteerr.Code, _ *fuerte.Request, resp *fuerte.Response) {
			ch <- outcome{resp, fuerteerr.New(code, nil)}
		},
		func(_ *fuerte.Request, resp *fuerte.Response) {
			ch <- outcome{resp, nil}
		},
	)

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-time.After(timeout):
		return nil, fuerteerr.ErrTimeout
	}
}

// RequestsLeft implements fuerte.Connection.
func (c *Connection) RequestsLeft() int {
	c.sendMu.Lock()
	nq := len(c.sendQueue)
	c.sendMu.Unlock()
	c.mapMu.Lock()
	nf := len(c.inFlight)
	c.mapMu.Unlock()
	return nq + nf
}

// Stats implements fuerte.Connection.
func (c *Connection) Stats() fuerte.Stats {
	return fuerte.Stats{
		BytesSent:        c.stats.bytesSent.Load(),
		BytesReceived:    c.stats.bytesReceived.Load(),
		RequestsSent:     c.stats.requestsSent.Load(),
		RequestsFinished: c.stats.requestsFinished.Load(),
		Reconnects:       c.stats.reconnects.Load(),
	}
}

// Close implements fuerte.Connection. It is idempotent. Unlike a transient
// shutdownConnection (which leaves send_queue intact for the next
// reconnect, per spec §4.4), Close is permanent: nothing will ever dial
// again, so any still-queued requests are also failed here.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.shutdownConnection(fuerteerr.VstCanceledDuringReset, nil)
		c.sendMu.Lock()
		queued := c.sendQueue
		c.sendQueue = nil
		c.sendMu.Unlock()
		for _, item := range queued {
			c.failItem(item, fuerteerr.VstCanceledDuringReset, nil)
		}
		if c.ownsReactor {
			c.rx.Stop()
		}
	})
	return nil
}

// --- write discipline: always dispatched on the c-keyed strand -----------

// startWrite pops the head of the send queue, moves it into the in-flight
// map, and issues exactly one background write. Guarded by c.writing so at
// most one write is ever outstanding on the socket at a time.
func (c *Connection) startWrite() {
	if connState(c.state.Load()) != stateConnected {
		return
	}
	if !c.writing.CompareAndSwap(false, true) {
		return
	}

	c.sendMu.Lock()
	if len(c.sendQueue) == 0 {
		c.sendMu.Unlock()
		c.writing.Store(false)
		return
	}
	item := c.sendQueue[0]
	c.sendQueue = c.sendQueue[1:]
	c.sendMu.Unlock()

	c.mapMu.Lock()
	c.inFlight[item.messageID] = item
	c.mapMu.Unlock()

	// A request is about to go in-flight; make sure a read is outstanding to
	// pick up its response even if the read loop had gone idle.
	c.startRead()

	gen := c.generation.Load()
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	buf := item.requestBuffer

	go func() {
		var n int
		var err error
		if conn == nil {
			err = fmt.Errorf("vst: write with no live socket")
		} else {
			n, err = conn.Write(buf)
		}
		c.rx.Dispatch(c, func() { c.handleWriteComplete(gen, item, n, err) })
	}()
}

func (c *Connection) handleWriteComplete(gen uint64, item *requestItem, n int, err error) {
	c.writing.Store(false)
	if gen != c.generation.Load() {
		return
	}
	if err != nil {
		// Per spec §4.4 and original_source/src/VstConnection.cpp:591, only
		// the item actually being written gets VstWriteError; it is failed
		// and removed from in_flight_map here, before the subsequent reset
		// fails every other in-flight item with VstCanceledDuringReset.
		c.mapMu.Lock()
		delete(c.inFlight, item.messageID)
		c.mapMu.Unlock()
		c.failItem(item, fuerteerr.VstWriteError, err)
		c.shutdownConnection(fuerteerr.VstWriteError, err)
		return
	}
	item.releaseRequestBuffer()
	c.stats.bytesSent.Add(uint64(n))
	c.startWrite()
}

// --- read discipline: always dispatched on the c-keyed strand -------------

func (c *Connection) startRead() {
	if connState(c.state.Load()) != stateConnected {
		return
	}
	if !c.reading.CompareAndSwap(false, true) {
		return
	}
	c.issueRead()
}

func (c *Connection) issueRead() {
	gen := c.generation.Load()
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		c.reading.Store(false)
		return
	}

	conn.SetReadDeadline(time.Now().Add(readDeadline))

	buf := bufpool.Get(readBufferSize)
	go func() {
		n, err := conn.Read(buf)
		c.rx.Dispatch(c, func() { c.handleReadComplete(gen, buf, n, err) })
	}()
}

func (c *Connection) handleReadComplete(gen uint64, buf []byte, n int, err error) {
	if gen != c.generation.Load() {
		bufpool.Put(buf)
		return
	}
	if err != nil {
		bufpool.Put(buf)
		c.reading.Store(false)
		reason := fuerteerr.VstReadError
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			reason = fuerteerr.Timeout
		}
		c.shutdownConnection(reason, err)
		return
	}

	c.recvBuf = append(c.recvBuf, buf[:n]...)
	bufpool.Put(buf)
	c.stats.bytesReceived.Add(uint64(n))

	for wire.IsChunkComplete(c.recvBuf) {
		header, perr := wire.ReadChunkHeader(c.recvBuf)
		if perr != nil {
			c.shutdownConnection(fuerteerr.ProtocolError, perr)
			return
		}
		payload := c.recvBuf[header.ChunkHeaderLength:header.ChunkLength]
		if !c.consumeChunk(header, payload) {
			return
		}
		c.recvBuf = c.recvBuf[header.ChunkLength:]
	}

	c.sendMu.Lock()
	moreQueued := len(c.sendQueue) > 0
	c.sendMu.Unlock()
	c.mapMu.Lock()
	moreInFlight := len(c.inFlight) > 0
	c.mapMu.Unlock()

	if !moreQueued && !moreInFlight {
		c.reading.Store(false)
		return
	}
	c.issueRead()
}

// consumeChunk folds one complete chunk into its message's reassembly
// buffer, per spec §4.4's 1-based response_chunk convention (Design Note
// iii in SPEC_FULL.md §12.2). It returns false if shutdownConnection was
// triggered (e.g. an unknown message id), in which case the caller must stop
// processing recvBuf immediately.
func (c *Connection) consumeChunk(header wire.ChunkHeader, payload []byte) bool {
	c.mapMu.Lock()
	item, ok := c.inFlight[header.MessageID]
	c.mapMu.Unlock()
	if !ok {
		c.shutdownConnection(fuerteerr.ProtocolError,
			fmt.Errorf("vst: chunk references unknown message id %d", header.MessageID))
		return false
	}

	// expectedChunkIndex is the wire chunk_index of the next continuation
	// chunk this item should see: one per chunk already consumed, including
	// the first. Captured before the increment below moves responseChunk on.
	expectedChunkIndex := item.responseChunk

	item.appendPayload(payload)
	item.responseChunk++

	var complete bool
	switch {
	case header.IsSingle:
		complete = true
	case header.IsFirst:
		item.responseChunks = header.NumberOfChunks
		item.responseLength = header.TotalMessageLength
		complete = item.responseChunks == item.responseChunk
	default:
		// spec §4.4 item 5: a continuation chunk must carry the index the
		// reassembler expects next; anything else is a protocol violation.
		if header.ChunkIndex != expectedChunkIndex {
			c.shutdownConnection(fuerteerr.ProtocolError,
				fmt.Errorf("vst: message %d expected chunk_index %d, got %d", header.MessageID, expectedChunkIndex, header.ChunkIndex))
			return false
		}
		complete = item.responseChunks != 0 && item.responseChunk == item.responseChunks
	}
	if !complete {
		return true
	}

	c.mapMu.Lock()
	delete(c.inFlight, header.MessageID)
	c.mapMu.Unlock()
	c.stats.requestsFinished.Add(1)
	c.finishItem(item)
	return true
}

func (c *Connection) finishItem(item *requestItem) {
	if item.responseLength > 0 && uint64(len(item.responseBuffer)) > item.responseLength {
		item.responseBuffer = item.responseBuffer[:item.responseLength]
	}
	respHeader, offset, err := wire.ExtractResponseHeader(item.responseBuffer)
	if err != nil {
		c.log.WithError(err).Warn("vst: malformed response header")
		if item.onError != nil {
			item.onError(fuerteerr.ProtocolError, item.request, nil)
		}
		return
	}

	resp := &fuerte.Response{
		Header:    respHeader,
		MessageID: item.messageID,
		Payload:   item.responseBuffer[offset:],
		Document:  true,
	}

	c.log.WithField("digest", digest.FromBytes(resp.Payload).String()).
		Debug("vst: response complete")

	if item.onSuccess != nil {
		item.onSuccess(item.request, resp)
	}
}

// shutdownConnection implements spec §4.4's reset path: it invalidates the
// current socket generation so stray background I/O completions are
// ignored, closes the socket, and fails every in-flight request exactly
// once. Per spec §4.4 ("Connected → Disconnected: on socket error, deadline
// expiry, or explicit shutdown; all in_flight_map entries complete via
// on_error(VstCanceledDuringReset)") every in-flight item is reported to its
// callback as VstCanceledDuringReset regardless of the triggering cause;
// reason is only a log field identifying what actually went wrong
// (read/write/protocol error, timeout, ...) — it is never the code the
// application sees here. The one narrow exception, the item that itself
// failed to write, is handled directly by handleWriteComplete before this
// runs (original_source/src/VstConnection.cpp:591). Per spec §4.4,
// send_queue is deliberately NOT drained here — queued items remain for the
// next connection attempt, triggered by the next send_request. It is
// idempotent.
func (c *Connection) shutdownConnection(reason fuerteerr.Code, cause error) {
	if connState(c.state.Swap(int32(stateDisconnected))) == stateDisconnected {
		return
	}
	c.generation.Add(1)
	c.writing.Store(false)
	c.reading.Store(false)
	c.recvBuf = nil

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.stats.reconnects.Add(1)

	if cause != nil {
		c.log.WithError(cause).WithField("reason", reason.String()).Warn("vst: connection reset")
	}
	c.failInFlight(fuerteerr.VstCanceledDuringReset, cause)
}

func (c *Connection) failInFlight(code fuerteerr.Code, cause error) {
	c.mapMu.Lock()
	inFlight := c.inFlight
	c.inFlight = make(map[fuerte.MessageId]*requestItem)
	c.mapMu.Unlock()

	for _, item := range inFlight {
		c.failItem(item, code, cause)
	}
}

// failQueuedAndInFlight additionally drains send_queue; used only by a
// connect failure (handleConnectComplete), where the queue items were never
// written and there is no "next connection" yet racing to pick them up
// safely — initSocket re-arms on the next send_request regardless.
func (c *Connection) failQueuedAndInFlight(code fuerteerr.Code, cause error) {
	c.failInFlight(code, cause)

	c.sendMu.Lock()
	queued := c.sendQueue
	c.sendQueue = nil
	c.sendMu.Unlock()

	for _, item := range queued {
		c.failItem(item, code, cause)
	}
}

func (c *Connection) failItem(item *requestItem, code fuerteerr.Code, cause error) {
	item.releaseRequestBuffer()
	if cause != nil {
		c.log.WithError(cause).WithField("code", code.String()).Debug("vst: failing request")
	}
	if item.onError != nil {
		item.onError(code, item.request, nil)
	}
}
