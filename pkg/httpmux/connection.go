package httpmux

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
	"github.com/duzhanyuan/fuerte/pkg/fuerteerr"
	"github.com/duzhanyuan/fuerte/pkg/fuertelog"
)

// Connection is the HTTP counterpart of vst.Connection: every request is an
// independent round trip dispatched through a shared Multiplexer, with no
// pipelining and no ordering guarantee across requests, per spec §4.5.
type Connection struct {
	cfg fuerte.ConnectionConfiguration
	mux *Multiplexer
	log fuertelog.Logger

	requestsSent atomic.Uint64
	requestsDone atomic.Uint64
	bytesSent    atomic.Uint64
	bytesRecv    atomic.Uint64
	inFlight     atomic.Int64
}

var _ fuerte.Connection = (*Connection)(nil)

// messageIDCounter allocates HTTP message ids process-wide, shared by every
// Connection.
var messageIDCounter atomic.Uint64

// NewConnection creates an HTTP Connection sharing mux's bounded executor.
func NewConnection(cfg fuerte.ConnectionConfiguration, mux *Multiplexer, log fuertelog.Logger) *Connection {
	if log == nil {
		log = fuertelog.Default()
	}
	return &Connection{cfg: cfg, mux: mux, log: fuertelog.Component(log, "httpconn")}
}

// Mux returns the Multiplexer this connection dispatches through, letting
// callers confirm a shared executor is actually being reused.
func (c *Connection) Mux() *Multiplexer { return c.mux }

// SendRequest implements fuerte.Connection.
func (c *Connection) SendRequest(req *fuerte.Request, onError fuerte.OnError, onSuccess fuerte.OnSuccess) fuerte.MessageId {
	id := fuerte.MessageId(messageIDCounter.Add(1))
	req.MessageID = id
	c.requestsSent.Add(1)
	c.inFlight.Add(1)

	target := createSafeDottedCurlUrl(c.cfg, req.Header)
	httpReq, err := http.NewRequest(verbString(req.Header.RestVerb), target, bytes.NewReader(req.Payload))
	if err != nil {
		c.inFlight.Add(-1)
		if onError != nil {
			onError(fuerteerr.CouldNotConnect, req, nil)
		}
		return id
	}
	c.applyOutgoingHeaders(httpReq, req.Header)
	c.bytesSent.Add(uint64(len(req.Payload)))

	c.mux.enqueue(context.Background(), httpReq, c.cfg.RequestTimeout, func(r result) {
		c.inFlight.Add(-1)
		c.requestsDone.Add(1)
		if r.err != nil {
			c.log.WithError(r.err).Debug("httpmux: request failed")
			if onError != nil {
				onError(mapErr(r.err), req, nil)
			}
			return
		}
		c.bytesRecv.Add(uint64(len(r.body)))
		contentType := r.header.Get("Content-Type")
		resp := &fuerte.Response{
			Header: fuerte.ResponseHeader{
				ResponseCode: r.status,
				ContentType:  contentType,
				Header:       collectHeaders(r.header),
			},
			MessageID: id,
			Payload:   r.body,
			// Per spec §4.5, only the document-format body is a parsed document
			// slice; everything else is raw bytes, mirroring vst.Connection's
			// unconditional Document: true (VST payloads are always this format).
			Document: strings.HasPrefix(contentType, fuerte.DocumentContentType),
		}
		if onSuccess != nil {
			onSuccess(req, resp)
		}
	})

	return id
}

func (c *Connection) applyOutgoingHeaders(httpReq *http.Request, h fuerte.RequestHeader) {
	for k, vs := range h.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if h.ContentType != "" {
		httpReq.Header.Set("Content-Type", h.ContentType)
	}

	switch c.cfg.Authentication.Kind {
	case fuerte.AuthBasic:
		httpReq.SetBasicAuth(c.cfg.Authentication.Username, c.cfg.Authentication.Password)
	case fuerte.AuthJWT:
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Authentication.Token)
	}
}

// SendRequestSync implements fuerte.Connection. There is no synchronous
// curl_easy_perform equivalent on this transport, per spec §4.6.
func (c *Connection) SendRequestSync(*fuerte.Request) (*fuerte.Response, error) {
	return nil, fuerteerr.ErrNotImplemented
}

// RequestsLeft implements fuerte.Connection.
func (c *Connection) RequestsLeft() int {
	return int(c.inFlight.Load())
}

// Stats implements fuerte.Connection.
func (c *Connection) Stats() fuerte.Stats {
	return fuerte.Stats{
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesRecv.Load(),
		RequestsSent:     c.requestsSent.Load(),
		RequestsFinished: c.requestsDone.Load(),
	}
}

// Close implements fuerte.Connection. HttpConnection holds no socket of its
// own — the shared Multiplexer outlives any single Connection — so there is
// nothing to release.
func (c *Connection) Close() error { return nil }

// mapErr classifies a net/http transport error into the shared taxonomy.
func mapErr(err error) fuerteerr.Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return fuerteerr.Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fuerteerr.Timeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fuerteerr.CouldNotConnect
	}
	return fuerteerr.CurlError
}
