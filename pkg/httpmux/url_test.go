package httpmux

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
)

func TestCreateSafeDottedCurlUrlBasic(t *testing.T) {
	cfg := fuerte.ConnectionConfiguration{Host: "localhost", Port: "8529"}
	h := fuerte.RequestHeader{Path: "/_api/version"}
	assert.Equal(t, "http://localhost:8529/_api/version", createSafeDottedCurlUrl(cfg, h))
}

// Scenario d from spec.md §8: the boundary "/." is rewritten to "/%2E" but
// ".." (not a boundary dot) survives verbatim, and the rewrite is never
// double-escaped by URL assembly.
func TestCreateSafeDottedCurlUrlPreservesDotsSafely(t *testing.T) {
	cfg := fuerte.ConnectionConfiguration{Host: "localhost", Port: "8529"}
	h := fuerte.RequestHeader{Path: "/db/collection/./doc/../x"}
	got := createSafeDottedCurlUrl(cfg, h)
	assert.Equal(t, "http://localhost:8529/db/collection/%2E/doc/../x", got)
}

func TestCreateSafeDottedCurlUrlIsIdempotent(t *testing.T) {
	cfg := fuerte.ConnectionConfiguration{Host: "localhost", Port: "8529", SSL: true}
	h := fuerte.RequestHeader{Path: "/db/collection/./doc/../x", Parameters: map[string]string{"x": "1"}}
	first := createSafeDottedCurlUrl(cfg, h)

	h2 := fuerte.RequestHeader{Path: "/db/collection/%2E/doc/../x", Parameters: map[string]string{"x": "1"}}
	second := createSafeDottedCurlUrl(cfg, h2)
	assert.Equal(t, first, second)
}

func TestCreateSafeDottedCurlUrlSortsParameters(t *testing.T) {
	cfg := fuerte.ConnectionConfiguration{Host: "h", Port: "1"}
	h := fuerte.RequestHeader{Path: "/x", Parameters: map[string]string{"b": "2", "a": "1"}}
	assert.Equal(t, "http://h:1/x?a=1&b=2", createSafeDottedCurlUrl(cfg, h))
}

func TestVerbStringMapsAllVerbs(t *testing.T) {
	cases := map[fuerte.RestVerb]string{
		fuerte.Get:     "GET",
		fuerte.Post:    "POST",
		fuerte.Put:     "PUT",
		fuerte.Delete:  "DELETE",
		fuerte.Head:    "HEAD",
		fuerte.Patch:   "PATCH",
		fuerte.Options: "OPTIONS",
	}
	for verb, want := range cases {
		assert.Equal(t, want, verbString(verb))
	}
}

func TestCollectHeadersLowercasesKeys(t *testing.T) {
	h := collectHeaders(map[string][]string{"Content-Type": {"application/json"}, "X-Foo": {"a", "b"}})
	assert.Equal(t, []string{"application/json"}, h["content-type"])
	assert.ElementsMatch(t, []string{"a", "b"}, h["x-foo"])
}
