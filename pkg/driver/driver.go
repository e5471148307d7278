// Package driver assembles the two transports into the single entry point
// external callers use, per spec §4.6's recommendation that callers select a
// transport kind rather than construct vst/httpmux connections directly. It
// exists as its own package so that pkg/fuerte (the shared data model) never
// has to import the transport packages that in turn import it.
package driver

import (
	"context"
	"fmt"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
	"github.com/duzhanyuan/fuerte/pkg/fuertelog"
	"github.com/duzhanyuan/fuerte/pkg/httpmux"
	"github.com/duzhanyuan/fuerte/pkg/reactor"
	"github.com/duzhanyuan/fuerte/pkg/vst"
)

// SharedResources lets a process amortize a single Reactor and a single
// httpmux.Multiplexer across many connections, matching how a real client
// reuses one event loop / multi-handle for its whole process lifetime.
type SharedResources struct {
	Reactor     *reactor.Reactor
	Multiplexer *httpmux.Multiplexer
}

// NewSharedResources starts a Reactor with the given worker count and an
// httpmux.Multiplexer bounded to maxConcurrentHTTP, both ready for use by
// NewConnection.
func NewSharedResources(reactorWorkers int, maxConcurrentHTTP int64, log fuertelog.Logger) *SharedResources {
	rx := reactor.New(reactorWorkers)
	go func() { _ = rx.Run(context.Background()) }()
	return &SharedResources{
		Reactor:     rx,
		Multiplexer: httpmux.New(maxConcurrentHTTP, log),
	}
}

// NewConnection constructs the concrete Connection for kind, wiring it to
// shared's Reactor or Multiplexer as appropriate. shared may be nil, in which
// case a VST connection gets a private single-worker Reactor and an HTTP
// connection gets a private default-bounded Multiplexer.
func NewConnection(cfg fuerte.ConnectionConfiguration, kind fuerte.TransportKind, log fuertelog.Logger, shared *SharedResources) (fuerte.Connection, error) {
	switch kind {
	case fuerte.TransportVST:
		var rx *reactor.Reactor
		if shared != nil {
			rx = shared.Reactor
		}
		return vst.New(cfg, log, rx), nil
	case fuerte.TransportHTTP:
		mux := (*httpmux.Multiplexer)(nil)
		if shared != nil {
			mux = shared.Multiplexer
		}
		if mux == nil {
			mux = httpmux.New(httpmux.DefaultMaxConcurrent, log)
		}
		return httpmux.NewConnection(cfg, mux, log), nil
	default:
		return nil, fmt.Errorf("driver: unknown transport kind %d", kind)
	}
}
