// Package fuerte defines the data model shared by the VST and HTTP
// transports: the request/response envelope, callbacks, and connection
// configuration described in spec §3. The payload itself is treated as an
// opaque byte slice — the dense document codec and its validator are
// external collaborators per spec §1 and are never touched here.
package fuerte

import (
	"time"

	"github.com/duzhanyuan/fuerte/pkg/fuerteerr"
)

// MessageId is a 64-bit monotonically increasing identifier. Zero is never
// valid; VstConnection allocates from a per-connection counter, HttpConnection
// from a process-wide one.
type MessageId uint64

// RestVerb is the HTTP-style verb carried in a request header regardless of
// which transport ultimately sends it.
type RestVerb int

const (
	Get RestVerb = iota
	Post
	Put
	Delete
	Head
	Patch
	Options
)

func (v RestVerb) String() string {
	switch v {
	case Get:
		return "GET"
	case Post:
		return "POST"
	case Put:
		return "PUT"
	case Delete:
		return "DELETE"
	case Head:
		return "HEAD"
	case Patch:
		return "PATCH"
	case Options:
		return "OPTIONS"
	default:
		return "GET"
	}
}

// Header is a multi-value header map. Keys are stored as provided by the
// caller for requests; HTTP response headers are lowercased per spec §6,
// while VST response headers keep the keys carried in the message header.
type Header map[string][]string

// Get returns the first value for key, or "".
func (h Header) Get(key string) string {
	if vs := h[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Set replaces all values for key with a single value.
func (h Header) Set(key, value string) { h[key] = []string{value} }

// Add appends a value for key.
func (h Header) Add(key, value string) { h[key] = append(h[key], value) }

// RequestHeader carries the verb, path and metadata of a Request.
type RequestHeader struct {
	RestVerb    RestVerb
	Database    string
	Path        string
	Parameters  map[string]string
	Header      Header
	ContentType string
}

// ResponseHeader carries the result metadata of a Response.
type ResponseHeader struct {
	ResponseCode int
	ContentType  string
	Header       Header
}

// Request is the external request type. MessageID is assigned by the core at
// enqueue time and is zero until then.
type Request struct {
	Header    RequestHeader
	Payload   []byte
	MessageID MessageId
}

// DocumentContentType is the MIME type of the dense binary document codec
// (velocypack) payloads are encoded in when not sent as plain JSON.
const DocumentContentType = "application/x-velocypack"

// Response is constructed by the core. Document is true when Payload holds a
// parsed document-format slice rather than raw bytes (HTTP only; VST always
// carries document-format payloads per the wire format).
type Response struct {
	Header    ResponseHeader
	MessageID MessageId
	Payload   []byte
	Document  bool
}

// OnSuccess is invoked exactly once for a request that completed normally.
// The Request is moved into the callback; the core retains no reference to
// it afterward.
type OnSuccess func(*Request, *Response)

// OnError is invoked exactly once for a request that failed. Response is nil
// unless the failure occurred after a response was already partially
// constructed (not currently produced by either transport, but kept for
// forward compatibility with the external contract in spec §3).
type OnError func(fuerteerr.Code, *Request, *Response)

// AuthenticationKind selects how a connection authenticates, per the
// supplemented feature in SPEC_FULL.md §12.3/§12.4.
type AuthenticationKind int

const (
	AuthNone AuthenticationKind = iota
	AuthBasic
	AuthJWT
)

// Authentication configures credentials applied to every request on a
// connection, either as a VST message-header field or an HTTP Authorization
// header depending on transport.
type Authentication struct {
	Kind     AuthenticationKind
	Username string
	Password string
	Token    string
}

// TransportKind selects which of the two concrete Connection variants to
// construct.
type TransportKind int

const (
	TransportVST TransportKind = iota
	TransportHTTP
)

// ConnectionConfiguration mirrors spec §6's recognized configuration options.
type ConnectionConfiguration struct {
	Host string
	Port string
	SSL  bool

	// ConnectionTimeout floors to 1 second after conversion, per spec §6.
	ConnectionTimeout time.Duration
	// RequestTimeout bounds each HTTP round trip, and bounds how long VST's
	// SendRequestSync waits (60s when zero). The VST socket read deadline is
	// a fixed 30s and does not use it.
	RequestTimeout time.Duration
	// MaxChunkSize is the VST chunk cap. Zero selects the implementation
	// default (30000 bytes).
	MaxChunkSize int

	Authentication Authentication
}

// Stats is a point-in-time snapshot of connection activity, a supplemented
// observability feature (SPEC_FULL.md §12.6). It carries no retry or pooling
// policy — Non-goals still exclude both.
type Stats struct {
	BytesSent        uint64
	BytesReceived    uint64
	RequestsSent     uint64
	RequestsFinished uint64
	Reconnects       uint64
}

// Connection is the uniform capability exposed by both transports.
type Connection interface {
	// SendRequest assigns request.MessageID, enqueues it, and returns
	// immediately. Exactly one of onError/onSuccess fires, exactly once.
	SendRequest(request *Request, onError OnError, onSuccess OnSuccess) MessageId

	// SendRequestSync submits request and blocks until completion. HTTP
	// connections always return ErrNotImplemented (spec §4.6).
	SendRequestSync(request *Request) (*Response, error)

	// RequestsLeft returns a lower bound on pending requests; used only for
	// idle detection, never for correctness (spec §4.4).
	RequestsLeft() int

	// Stats returns a snapshot of connection activity counters.
	Stats() Stats

	// Close releases any resources associated with the connection. For VST
	// this is shutdown_connection plus failing any still-queued requests; for
	// HTTP it is a no-op, since the shared multiplexer outlives the
	// connection.
	Close() error
}
