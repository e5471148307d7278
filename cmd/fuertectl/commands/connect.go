package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
	"github.com/duzhanyuan/fuerte/pkg/fuerteerr"
)

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Verify connectivity by requesting /_api/version",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := buildConnection()
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := sendSync(cmd, conn, &fuerte.Request{
				Header: fuerte.RequestHeader{RestVerb: fuerte.Get, Path: "/_api/version"},
			})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			cmd.Printf("connected: status=%d body=%s\n", resp.Header.ResponseCode, resp.Payload)
			return nil
		},
	}
}

// sendSync bridges the async Connection API for one-shot CLI use, working
// for both transports since HttpConnection.SendRequestSync is intentionally
// unimplemented (spec §4.6).
func sendSync(cmd *cobra.Command, conn fuerte.Connection, req *fuerte.Request) (*fuerte.Response, error) {
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
