package pathsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanAddsLeadingSlash(t *testing.T) {
	assert.Equal(t, "/x", Clean("x"))
}

// Scenario d from spec.md §8: the "/." before "/doc" sits at a segment
// boundary (followed by "/") and is rewritten; the "/." that opens ".." is
// followed by another "." and is left intact, so the ".." segment survives
// verbatim instead of being collapsed away.
func TestCleanRewritesBoundaryDotsOnly(t *testing.T) {
	got := Clean("/db/collection/./doc/../x")
	assert.Equal(t, "/db/collection/%2E/doc/../x", got)
}

func TestCleanRewritesTrailingDotAtEndOfString(t *testing.T) {
	assert.Equal(t, "/db/%2E", Clean("/db/."))
}

func TestCleanLeavesNonBoundaryDotsAlone(t *testing.T) {
	assert.Equal(t, "/db/..hidden", Clean("/db/..hidden"))
}

func TestCleanIsIdempotent(t *testing.T) {
	once := Clean("/db/collection/./doc/../x")
	twice := Clean(once)
	assert.Equal(t, once, twice)
}
