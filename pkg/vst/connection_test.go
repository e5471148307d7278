package vst

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
	"github.com/duzhanyuan/fuerte/pkg/fuerteerr"
	"github.com/duzhanyuan/fuerte/pkg/fuertelog"
	"github.com/duzhanyuan/fuerte/pkg/reactor"
	"github.com/duzhanyuan/fuerte/pkg/wire"
)

// newConnectedForTest wires a Connection directly to the client end of a
// net.Pipe, skipping initSocket's real dial — the same trick the teacher's
// transport tests use by constructing against an in-memory listener.
func newConnectedForTest(t *testing.T, conn net.Conn, maxChunkSize int) *Connection {
	t.Helper()
	rx := reactor.New(4)
	go func() { _ = rx.Run(context.Background()) }()
	t.Cleanup(rx.Stop)

	c := &Connection{
		cfg:      fuerte.ConnectionConfiguration{MaxChunkSize: maxChunkSize, RequestTimeout: 2 * time.Second},
		log:      fuertelog.Default(),
		rx:       rx,
		inFlight: make(map[fuerte.MessageId]*requestItem),
	}
	c.state.Store(int32(stateConnecting))

	done := make(chan struct{})
	c.rx.Dispatch(c, func() {
		c.handleConnectComplete(c.generation.Add(1), conn, nil)
		close(done)
	})
	<-done
	return c
}

// reassembler mirrors Connection.consumeChunk's completion logic so the fake
// server side of these tests can decide when it has a full request message.
type reassembler struct {
	bufs     map[fuerte.MessageId][]byte
	expected map[fuerte.MessageId]uint32
	seen     map[fuerte.MessageId]uint32
}

func newReassembler() *reassembler {
	return &reassembler{
		bufs:     make(map[fuerte.MessageId][]byte),
		expected: make(map[fuerte.MessageId]uint32),
		seen:     make(map[fuerte.MessageId]uint32),
	}
}

func (r *reassembler) feed(h wire.ChunkHeader, payload []byte) ([]byte, fuerte.MessageId, bool) {
	r.bufs[h.MessageID] = append(r.bufs[h.MessageID], payload...)
	r.seen[h.MessageID]++

	var complete bool
	switch {
	case h.IsSingle:
		complete = true
	case h.IsFirst:
		r.expected[h.MessageID] = h.NumberOfChunks
		complete = r.expected[h.MessageID] == r.seen[h.MessageID]
	default:
		complete = r.expected[h.MessageID] != 0 && r.seen[h.MessageID] == r.expected[h.MessageID]
	}
	if !complete {
		return nil, h.MessageID, false
	}
	msg := r.bufs[h.MessageID]
	delete(r.bufs, h.MessageID)
	delete(r.expected, h.MessageID)
	delete(r.seen, h.MessageID)
	return msg, h.MessageID, true
}

// fakeServer is a minimal VST peer good enough to drive round-trip tests: it
// decodes requests off conn and hands them to onRequest, then chunks and
// writes back whatever response bytes onRequest returns.
type fakeServer struct {
	conn        net.Conn
	maxChunk    int
	onRequest   func(id fuerte.MessageId, header fuerte.RequestHeader, payload []byte) []byte
	recv        []byte
	reassembler *reassembler
	writeMu     sync.Mutex
}

func runFakeServer(conn net.Conn, maxChunk int, onRequest func(fuerte.MessageId, fuerte.RequestHeader, []byte) []byte) *fakeServer {
	s := &fakeServer{conn: conn, maxChunk: maxChunk, onRequest: onRequest, reassembler: newReassembler()}
	go s.loop()
	return s
}

func (s *fakeServer) loop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			return
		}
		s.recv = append(s.recv, buf[:n]...)
		for wire.IsChunkComplete(s.recv) {
			h, err := wire.ReadChunkHeader(s.recv)
			if err != nil {
				return
			}
			payload := s.recv[h.ChunkHeaderLength:h.ChunkLength]
			s.recv = s.recv[h.ChunkLength:]

			message, id, ok := s.reassembler.feed(h, payload)
			if !ok {
				continue
			}
			header, _, offset, err := wire.ExtractRequestHeader(message)
			if err != nil {
				return
			}
			respBytes := s.onRequest(id, header, message[offset:])
			chunks := wire.EncodeChunks(id, respBytes, s.maxChunk)
			s.writeMu.Lock()
			for _, ch := range chunks {
				if _, err := s.conn.Write(ch.Bytes()); err != nil {
					s.writeMu.Unlock()
					return
				}
			}
			s.writeMu.Unlock()
		}
	}
}

func okResponse(payload []byte) []byte {
	h := wire.EncodeResponseHeader(fuerte.ResponseHeader{ResponseCode: 200, ContentType: "application/json"})
	return append(h, payload...)
}

func TestSendRequestSingleChunkRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	runFakeServer(serverConn, wire.DefaultMaxChunkSize, func(_ fuerte.MessageId, h fuerte.RequestHeader, payload []byte) []byte {
		assert.Equal(t, "/_api/version", h.Path)
		return okResponse([]byte(`{"ok":true}`))
	})

	c := newConnectedForTest(t, clientConn, 0)
	defer c.Close()

	resp, err := c.SendRequestSync(&fuerte.Request{Header: fuerte.RequestHeader{RestVerb: fuerte.Get, Path: "/_api/version"}})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 200, resp.Header.ResponseCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Payload))
}

func TestSendRequestMultiChunkReassembly(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	bigPayload := make([]byte, 5000)
	for i := range bigPayload {
		bigPayload[i] = byte(i % 251)
	}

	runFakeServer(serverConn, 512, func(_ fuerte.MessageId, _ fuerte.RequestHeader, _ []byte) []byte {
		return okResponse(bigPayload)
	})

	c := newConnectedForTest(t, clientConn, 512)
	defer c.Close()

	resp, err := c.SendRequestSync(&fuerte.Request{Header: fuerte.RequestHeader{RestVerb: fuerte.Get, Path: "/big"}})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, bigPayload, resp.Payload)
}

func TestPipelinedRequestsEachGetOwnResponse(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	runFakeServer(serverConn, wire.DefaultMaxChunkSize, func(id fuerte.MessageId, h fuerte.RequestHeader, _ []byte) []byte {
		// The fake server answers strictly in arrival order; delaying /first
		// keeps it in flight while /second is queued behind it.
		if h.Path == "/first" {
			time.Sleep(20 * time.Millisecond)
		}
		return okResponse([]byte(h.Path))
	})

	c := newConnectedForTest(t, clientConn, 0)
	defer c.Close()

	var wg sync.WaitGroup
	results := make(map[string]string)
	var mu sync.Mutex
	wg.Add(2)

	c.SendRequest(&fuerte.Request{Header: fuerte.RequestHeader{RestVerb: fuerte.Get, Path: "/first"}},
		func(code fuerteerr.Code, _ *fuerte.Request, _ *fuerte.Response) { wg.Done() },
		func(_ *fuerte.Request, resp *fuerte.Response) {
			mu.Lock()
			results["/first"] = string(resp.Payload)
			mu.Unlock()
			wg.Done()
		})
	c.SendRequest(&fuerte.Request{Header: fuerte.RequestHeader{RestVerb: fuerte.Get, Path: "/second"}},
		func(code fuerteerr.Code, _ *fuerte.Request, _ *fuerte.Response) { wg.Done() },
		func(_ *fuerte.Request, resp *fuerte.Response) {
			mu.Lock()
			results["/second"] = string(resp.Payload)
			mu.Unlock()
			wg.Done()
		})

	waitForVst(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/first", results["/first"])
	assert.Equal(t, "/second", results["/second"])
}

func TestShutdownOnReadErrorFailsInFlight(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	// Server side: accept the request bytes but never reply, then hang up.
	go func() {
		buf := make([]byte, 4096)
		serverConn.Read(buf)
		serverConn.Close()
	}()

	c := newConnectedForTest(t, clientConn, 0)
	defer c.Close()

	errCh := make(chan fuerteerr.Code, 1)
	c.SendRequest(&fuerte.Request{Header: fuerte.RequestHeader{RestVerb: fuerte.Get, Path: "/doomed"}},
		func(code fuerteerr.Code, _ *fuerte.Request, _ *fuerte.Response) { errCh <- code },
		func(_ *fuerte.Request, _ *fuerte.Response) { t.Error("unexpected success") })

	select {
	case code := <-errCh:
		// Per spec §4.4, every in-flight item completes via
		// on_error(VstCanceledDuringReset) on a Connected→Disconnected
		// transition, regardless of what triggered the reset.
		assert.Equal(t, fuerteerr.VstCanceledDuringReset, code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected onError after peer closed the connection")
	}
}

// flakyConn wraps the client end of a net.Pipe so its Write can be made to
// fail on demand, letting the test drive handleWriteComplete's error path
// without racing a real socket.
type flakyConn struct {
	net.Conn
	failWrites atomic.Bool
}

func (f *flakyConn) Write(b []byte) (int, error) {
	if f.failWrites.Load() {
		return 0, errors.New("flaky: write refused")
	}
	return f.Conn.Write(b)
}

func TestWriteErrorFailsWritingItemDirectlyAndResetsRest(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	block := make(chan struct{})
	runFakeServer(serverConn, wire.DefaultMaxChunkSize, func(_ fuerte.MessageId, h fuerte.RequestHeader, _ []byte) []byte {
		if h.Path == "/parked" {
			<-block
		}
		return okResponse([]byte(h.Path))
	})
	defer close(block)

	fc := &flakyConn{Conn: clientConn}
	c := newConnectedForTest(t, fc, 0)
	defer c.Close()

	// Get one request in flight, parked server-side so it never completes
	// before the write failure below tears down the connection.
	parkedErrCh := make(chan fuerteerr.Code, 1)
	c.SendRequest(&fuerte.Request{Header: fuerte.RequestHeader{RestVerb: fuerte.Get, Path: "/parked"}},
		func(code fuerteerr.Code, _ *fuerte.Request, _ *fuerte.Response) { parkedErrCh <- code },
		func(_ *fuerte.Request, _ *fuerte.Response) { t.Error("unexpected success for /parked") })
	assert.Eventually(t, func() bool { return c.Stats().BytesSent > 0 }, time.Second, time.Millisecond)

	// Now make writes fail and send a second request: its write fails
	// directly, so it must get VstWriteError while /parked, already
	// in-flight, gets VstCanceledDuringReset from the subsequent reset.
	fc.failWrites.Store(true)
	writeErrCh := make(chan fuerteerr.Code, 1)
	c.SendRequest(&fuerte.Request{Header: fuerte.RequestHeader{RestVerb: fuerte.Get, Path: "/doomed-write"}},
		func(code fuerteerr.Code, _ *fuerte.Request, _ *fuerte.Response) { writeErrCh <- code },
		func(_ *fuerte.Request, _ *fuerte.Response) { t.Error("unexpected success for /doomed-write") })

	select {
	case code := <-writeErrCh:
		assert.Equal(t, fuerteerr.VstWriteError, code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected onError for the item whose write failed")
	}

	select {
	case code := <-parkedErrCh:
		assert.Equal(t, fuerteerr.VstCanceledDuringReset, code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected onError(VstCanceledDuringReset) for the already in-flight item")
	}
}

func TestRequestsLeftReflectsQueueAndInFlight(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	block := make(chan struct{})
	runFakeServer(serverConn, wire.DefaultMaxChunkSize, func(_ fuerte.MessageId, _ fuerte.RequestHeader, _ []byte) []byte {
		<-block
		return okResponse(nil)
	})

	c := newConnectedForTest(t, clientConn, 0)
	defer c.Close()
	defer close(block)

	c.SendRequest(&fuerte.Request{Header: fuerte.RequestHeader{Path: "/a"}}, nil, func(*fuerte.Request, *fuerte.Response) {})
	assert.Eventually(t, func() bool { return c.RequestsLeft() >= 1 }, time.Second, time.Millisecond)
}

func waitForVst(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for requests")
	}
}
