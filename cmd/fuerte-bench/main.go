// Command fuerte-bench drives concurrent requests against a database
// endpoint over either transport and reports throughput, in the style of a
// small dedicated load-generation binary rather than a general-purpose CLI.
// Flag parsing follows gopkg.in/alecthomas/kingpin.v2's global-var idiom, the
// same one awslabs-aws-sigv4-proxy's main.go uses for its standalone proxy
// binary.
package main

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/duzhanyuan/fuerte/pkg/driver"
	"github.com/duzhanyuan/fuerte/pkg/fuerte"
	"github.com/duzhanyuan/fuerte/pkg/fuerteerr"
)

var (
	debug       = kingpin.Flag("verbose", "enable debug logging").Short('v').Bool()
	host        = kingpin.Flag("host", "database host").Default("localhost").String()
	port        = kingpin.Flag("port", "database port").Default("8529").String()
	ssl         = kingpin.Flag("ssl", "use TLS").Bool()
	transport   = kingpin.Flag("transport", "vst or http").Default("vst").Enum("vst", "http")
	path        = kingpin.Flag("path", "request path").Default("/_api/version").String()
	database    = kingpin.Flag("database", "target database").Default("_system").String()
	concurrency = kingpin.Flag("concurrency", "number of concurrent workers").Short('c').Default("8").Int()
	total       = kingpin.Flag("requests", "total requests to send").Short('n').Default("1000").Int()
)

func main() {
	kingpin.Parse()

	log.SetLevel(log.InfoLevel)
	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	kind := fuerte.TransportVST
	if *transport == "http" {
		kind = fuerte.TransportHTTP
	}

	cfg := fuerte.ConnectionConfiguration{
		Host:              *host,
		Port:              *port,
		SSL:               *ssl,
		ConnectionTimeout: 5 * time.Second,
		RequestTimeout:    30 * time.Second,
	}

	shared := driver.NewSharedResources(*concurrency, int64(*concurrency), log.StandardLogger())
	conn, err := driver.NewConnection(cfg, kind, log.StandardLogger(), shared)
	if err != nil {
		log.WithError(err).Fatal("failed to build connection")
	}
	defer conn.Close()

	var sent, failed atomic.Int64
	start := time.Now()

	var wg sync.WaitGroup
	perWorker := *total / *concurrency
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				req := &fuerte.Request{Header: fuerte.RequestHeader{
					RestVerb: fuerte.Get,
					Database: *database,
					Path:     *path,
				}}
				if _, err := sendOne(conn, req); err != nil {
					failed.Add(1)
				} else {
					sent.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	stats := conn.Stats()
	log.WithFields(log.Fields{
		"sent":      sent.Load(),
		"failed":    failed.Load(),
		"elapsed":   elapsed.String(),
		"bytesSent": units.HumanSize(float64(stats.BytesSent)),
		"bytesRecv": units.HumanSize(float64(stats.BytesReceived)),
		"rps":       fmt.Sprintf("%.1f", float64(sent.Load())/elapsed.Seconds()),
	}).Info("fuerte-bench complete")

	if failed.Load() > 0 {
		os.Exit(1)
	}
}

// sendOne bridges SendRequest's async callbacks into a blocking call,
// working uniformly for both transports since HttpConnection's
// SendRequestSync is intentionally unimplemented.
func sendOne(conn fuerte.Connection, req *fuerte.Request) (*fuerte.Response, error) {
	type outcome struct {
		resp *fuerte.Response
		err  error
	}
	ch := make(chan outcome, 1)
	conn.SendRequest(req,
		func(code fuerteerr.Code, _ *fuerte.Request, _ *fuerte.Response) { ch <- outcome{nil, fuerteerr.New(code, nil)} },
		func(_ *fuerte.Request, resp *fuerte.Response) { ch <- outcome{resp, nil} },
	)
	select {
	case o := <-ch:
		return o.resp, o.err
	case <-time.After(30 * time.Second):
		return nil, fuerteerr.ErrTimeout
	}
}
