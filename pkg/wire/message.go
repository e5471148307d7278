// MessageCodec: encodes a Request into VST wire form (message-header
// document followed by payload bytes, per spec §4.2) and extracts the
// header back out of an assembled Response message. The document format
// here is a small, self-contained tag-length-value encoding — distinct from
// (and much simpler than) the dense document payload format, which per
// spec §1 is an opaque external collaborator never touched by this package.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
	"github.com/duzhanyuan/fuerte/pkg/fuerteerr"
	"github.com/duzhanyuan/fuerte/pkg/internal/pathsafe"
)

const headerDocVersion = 1

const (
	docTypeRequest  = 1
	docTypeResponse = 2
)

// EncodeRequest produces the full wire form of request: the message-header
// document (verb, path, parameters, headers, database) followed immediately
// by the raw payload bytes, ready to be handed to EncodeChunks. The path is
// run through pathsafe.Clean first, the same dotted-path sanitizer
// httpmux.createSafeDottedCurlUrl applies on the HTTP side (SPEC_FULL.md
// §12.5).
func EncodeRequest(req *fuerte.Request, auth fuerte.Authentication) []byte {
	h := req.Header

	var buf []byte
	buf = append(buf, headerDocVersion, docTypeRequest)
	buf = appendByte(buf, byte(h.RestVerb))
	buf = appendString(buf, h.Database)
	buf = appendString(buf, pathsafe.Clean(h.Path))
	buf = appendString(buf, h.ContentType)
	buf = appendString(buf, authorizationValue(auth))

	buf = appendStringMap(buf, h.Parameters)
	buf = appendHeaderMap(buf, h.Header)

	buf = append(buf, req.Payload...)
	return buf
}

// authorizationValue renders the supplemented Authentication feature
// (SPEC_FULL.md §12.3) as the value that fuerte.cpp stores under the
// message header's "authorization" field.
func authorizationValue(auth fuerte.Authentication) string {
	switch auth.Kind {
	case fuerte.AuthBasic:
		return "Basic " + auth.Username + ":" + auth.Password
	case fuerte.AuthJWT:
		return "Bearer " + auth.Token
	default:
		return ""
	}
}

// ExtractResponseHeader parses the leading message-header document out of an
// assembled VST response message and returns it alongside the number of
// header bytes consumed, per spec §4.2's
// validate_and_extract_message_header. The remainder of message is the
// response payload.
func ExtractResponseHeader(message []byte) (fuerte.ResponseHeader, int, error) {
	r := &cursor{buf: message}

	version, err := r.byte()
	if err != nil {
		return fuerte.ResponseHeader{}, 0, protoErr("truncated header: %w", err)
	}
	if version != headerDocVersion {
		return fuerte.ResponseHeader{}, 0, protoErr("unsupported header version %d", version)
	}
	docType, err := r.byte()
	if err != nil {
		return fuerte.ResponseHeader{}, 0, protoErr("truncated header: %w", err)
	}
	if docType != docTypeResponse {
		return fuerte.ResponseHeader{}, 0, protoErr("expected response header, got type %d", docType)
	}

	code, err := r.uint16()
	if err != nil {
		return fuerte.ResponseHeader{}, 0, protoErr("truncated response code: %w", err)
	}
	contentType, err := r.string()
	if err != nil {
		return fuerte.ResponseHeader{}, 0, protoErr("truncated content type: %w", err)
	}
	headers, err := r.headerMap()
	if err != nil {
		return fuerte.ResponseHeader{}, 0, protoErr("truncated headers: %w", err)
	}

	return fuerte.ResponseHeader{
		ResponseCode: int(code),
		ContentType:  contentType,
		Header:       headers,
	}, r.pos, nil
}

// EncodeResponseHeader is the server-direction counterpart of
// ExtractResponseHeader, kept for symmetry and exercised by round-trip
// tests; this client-only driver never actually emits a response itself.
func EncodeResponseHeader(h fuerte.ResponseHeader) []byte {
	var buf []byte
	buf = append(buf, headerDocVersion, docTypeResponse)
	buf = appendUint16(buf, uint16(h.ResponseCode))
	buf = appendString(buf, h.ContentType)
	buf = appendHeaderMap(buf, h.Header)
	return buf
}

// ExtractRequestHeader parses the leading message-header document out of an
// encoded request message, returning the header, the authorization value
// applied at encode time, and the number of header bytes consumed. Used by
// the VST connection's own tests and by a future server-side peer; this
// driver is client-only and never decodes its own requests in production.
func ExtractRequestHeader(message []byte) (fuerte.RequestHeader, string, int, error) {
	r := &cursor{buf: message}

	version, err := r.byte()
	if err != nil {
		return fuerte.RequestHeader{}, "", 0, protoErr("truncated header: %w", err)
	}
	if version != headerDocVersion {
		return fuerte.RequestHeader{}, "", 0, protoErr("unsupported header version %d", version)
	}
	docType, err := r.byte()
	if err != nil {
		return fuerte.RequestHeader{}, "", 0, protoErr("truncated header: %w", err)
	}
	if docType != docTypeRequest {
		return fuerte.RequestHeader{}, "", 0, protoErr("expected request header, got type %d", docType)
	}

	verbByte, err := r.byte()
	if err != nil {
		return fuerte.RequestHeader{}, "", 0, protoErr("truncated verb: %w", err)
	}
	database, err := r.string()
	if err != nil {
		return fuerte.RequestHeader{}, "", 0, protoErr("truncated database: %w", err)
	}
	path, err := r.string()
	if err != nil {
		return fuerte.RequestHeader{}, "", 0, protoErr("truncated path: %w", err)
	}
	contentType, err := r.string()
	if err != nil {
		return fuerte.RequestHeader{}, "", 0, protoErr("truncated content type: %w", err)
	}
	authorization, err := r.string()
	if err != nil {
		return fuerte.RequestHeader{}, "", 0, protoErr("truncated authorization: %w", err)
	}
	parameters, err := r.stringMap()
	if err != nil {
		return fuerte.RequestHeader{}, "", 0, protoErr("truncated parameters: %w", err)
	}
	headers, err := r.headerMap()
	if err != nil {
		return fuerte.RequestHeader{}, "", 0, protoErr("truncated headers: %w", err)
	}

	return fuerte.RequestHeader{
		RestVerb:    fuerte.RestVerb(verbByte),
		Database:    database,
		Path:        path,
		Parameters:  parameters,
		Header:      headers,
		ContentType: contentType,
	}, authorization, r.pos, nil
}

func protoErr(format string, args ...any) error {
	return fuerteerr.New(fuerteerr.ProtocolError, fmt.Errorf(format, args...))
}

// --- low-level tag-length-value primitives -------------------------------

func appendByte(buf []byte, b byte) []byte { return append(buf, b) }

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendStringMap(buf []byte, m map[string]string) []byte {
	buf = appendUint16(buf, uint16(len(m)))
	for k, v := range m {
		buf = appendString(buf, k)
		buf = appendString(buf, v)
	}
	return buf
}

func appendHeaderMap(buf []byte, h fuerte.Header) []byte {
	count := 0
	for _, vs := range h {
		count += len(vs)
	}
	buf = appendUint16(buf, uint16(count))
	for k, vs := range h {
		for _, v := range vs {
			buf = appendString(buf, k)
			buf = appendString(buf, v)
		}
	}
	return buf
}

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) byte() (byte, error) {
	if c.pos+1 > len(c.buf) {
		return 0, fmt.Errorf("wire: unexpected end of header")
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) uint16() (uint16, error) {
	if c.pos+2 > len(c.buf) {
		return 0, fmt.Errorf("wire: unexpected end of header")
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos : c.pos+2])
	c.pos += 2
	return v, nil
}

func (c *cursor) string() (string, error) {
	n, err := c.uint16()
	if err != nil {
		return "", err
	}
	if c.pos+int(n) > len(c.buf) {
		return "", fmt.Errorf("wire: unexpected end of header")
	}
	s := string(c.buf[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

func (c *cursor) stringMap() (map[string]string, error) {
	n, err := c.uint16()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := uint16(0); i < n; i++ {
		k, err := c.string()
		if err != nil {
			return nil, err
		}
		v, err := c.string()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func (c *cursor) headerMap() (fuerte.Header, error) {
	n, err := c.uint16()
	if err != nil {
		return nil, err
	}
	h := make(fuerte.Header, n)
	for i := uint16(0); i < n; i++ {
		k, err := c.string()
		if err != nil {
			return nil, err
		}
		v, err := c.string()
		if err != nil {
			return nil, err
		}
		h.Add(k, v)
	}
	return h, nil
}
