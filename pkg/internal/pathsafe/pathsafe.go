// Package pathsafe implements createSafeDottedCurlUrl's dotted-path
// sanitizer (spec §4.5), shared by both transports per SPEC_FULL.md §12.5
// (the original VstConnection reuses the same helper its HTTP communicator
// uses for outgoing paths).
//
// libcurl collapses path segments containing "." and ".." the way
// path.Clean would. To preserve them verbatim on the wire, this rewrites a
// "." immediately following a "/" as the literal "%2E" whenever the "."
// is itself at a segment boundary (followed by "/", "#", "?", or end of
// string) — exactly the cases libcurl would otherwise collapse. A "."
// that is part of a longer dotted run (".." or deeper) is left untouched,
// since only the boundary "/."  triggers libcurl's own collapsing.
package pathsafe

import "strings"

// Clean ensures p is rooted at "/" and applies the dotted-path rewrite. It
// is idempotent: Clean(Clean(p)) == Clean(p), since a rewritten "%2E" no
// longer matches the "/." pattern on a second pass.
func Clean(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return sanitizeDots(p)
}

func sanitizeDots(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '/' && i+1 < len(s) && s[i+1] == '.' {
			atBoundary := i+2 >= len(s) || s[i+2] == '/' || s[i+2] == '#' || s[i+2] == '?'
			if atBoundary {
				b.WriteString("/%2E")
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
