package httpmux

import (
	"net"
	"net/url"
	"sort"
	"strings"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
	"github.com/duzhanyuan/fuerte/pkg/internal/pathsafe"
)

// createSafeDottedCurlUrl builds the target URL for a request the way the
// original communicator's eponymous helper did, per spec §4.5: the path is
// run through pathsafe.Clean (shared with the VST message encoder) so a
// boundary "." never gets silently collapsed by the transport, then the URL
// is assembled by plain string concatenation rather than url.URL — net/url
// would otherwise re-escape the literal "%2E" pathsafe.Clean just produced,
// double-encoding it into "%252E". It is idempotent.
func createSafeDottedCurlUrl(cfg fuerte.ConnectionConfiguration, h fuerte.RequestHeader) string {
	scheme := "http"
	if cfg.SSL {
		scheme = "https"
	}

	p := pathsafe.Clean(h.Path)

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(net.JoinHostPort(cfg.Host, cfg.Port))
	b.WriteString(p)

	if len(h.Parameters) > 0 {
		q := url.Values{}
		keys := make([]string, 0, len(h.Parameters))
		for k := range h.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, h.Parameters[k])
		}
		b.WriteByte('?')
		b.WriteString(q.Encode())
	}

	return b.String()
}

// verbString maps a RestVerb onto the net/http method constant. Options
// chosen here intentionally never set an explicit "Expect: 100-continue"
// header the way the curl-based original suppressed it for PUT bodies:
// net/http, unlike libcurl, never adds that header on its own, so there is
// nothing to suppress.
func verbString(v fuerte.RestVerb) string {
	switch v {
	case fuerte.Get:
		return "GET"
	case fuerte.Post:
		return "POST"
	case fuerte.Put:
		return "PUT"
	case fuerte.Delete:
		return "DELETE"
	case fuerte.Head:
		return "HEAD"
	case fuerte.Patch:
		return "PATCH"
	case fuerte.Options:
		return "OPTIONS"
	default:
		return "GET"
	}
}

// collectHeaders lowercases response header names and preserves every value,
// per spec §4.5/§6's response header convention (distinct from RequestHeader,
// which keeps caller-provided casing).
func collectHeaders(h map[string][]string) fuerte.Header {
	out := make(fuerte.Header, len(h))
	for k, vs := range h {
		lk := strings.ToLower(k)
		for _, v := range vs {
			out.Add(lk, v)
		}
	}
	return out
}
