// Package httpmux implements the HTTP transport alternative described in
// spec §4.5/§4.6: many independent, non-pipelined request/response round
// trips sharing one bounded-concurrency executor.
//
// The original communicator drove this off a libcurl multi-handle poll
// loop; no cgo curl bindings exist anywhere in the retrieved corpus, so this
// is rebuilt the idiomatic Go way on net/http, with per-multiplexer
// concurrency bounded by a golang.org/x/sync/semaphore.Weighted — the same
// primitive leo-pony-model-runner's
// pkg/distribution/transport/parallel.ParallelTransport uses (there, a
// hand-rolled buffered-channel semaphore) to cap concurrent byte-range
// subrequests per host.
package httpmux

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/duzhanyuan/fuerte/pkg/fuertelog"
)

// DefaultMaxConcurrent bounds in-flight HTTP transfers per Multiplexer when
// the caller does not specify one.
const DefaultMaxConcurrent = 8

// DefaultRequestTimeout applies when a connection's configuration leaves
// RequestTimeout unset.
const DefaultRequestTimeout = 30 * time.Second

// result is delivered to a Connection's SendRequest callback once a job
// finishes (or fails to acquire a slot, or times out).
type result struct {
	status int
	header http.Header
	body   []byte
	err    error
}

// Multiplexer is the shared executor backing one or more httpmux
// Connections, analogous to the original's HttpCommunicator owning a single
// libcurl multi-handle for every HttpConnection attached to it.
type Multiplexer struct {
	client *http.Client
	sem    *semaphore.Weighted
	log    fuertelog.Logger

	inFlight atomic.Int64
}

// New creates a Multiplexer bounded to maxConcurrent simultaneous transfers.
func New(maxConcurrent int64, log fuertelog.Logger) *Multiplexer {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Multiplexer{
		client: &http.Client{},
		sem:    semaphore.NewWeighted(maxConcurrent),
		log:    fuertelog.Component(log, "httpmux"),
	}
}

// InFlight reports the number of transfers currently running or waiting for
// a semaphore slot.
func (m *Multiplexer) InFlight() int64 { return m.inFlight.Load() }

// enqueue acquires a concurrency slot (blocking until one frees up or ctx is
// done), executes req, and delivers the outcome to done. It always runs on
// its own goroutine so SendRequest can return immediately, per spec §4.5.
func (m *Multiplexer) enqueue(ctx context.Context, req *http.Request, timeout time.Duration, done func(result)) {
	m.inFlight.Add(1)
	go func() {
		defer m.inFlight.Add(-1)

		if err := m.sem.Acquire(ctx, 1); err != nil {
			done(result{err: err})
			return
		}
		defer m.sem.Release(1)

		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := m.client.Do(req.WithContext(reqCtx))
		if err != nil {
			done(result{err: err})
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			done(result{err: err})
			return
		}
		done(result{status: resp.StatusCode, header: resp.Header, body: body})
	}()
}
