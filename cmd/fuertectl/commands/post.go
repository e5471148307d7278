package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
)

func newPostCmd() *cobra.Command {
	var database, contentType string
	c := &cobra.Command{
		Use:   "post PATH",
		Short: "Issue a POST request with the request body read from stdin",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("'fuertectl post' requires exactly one PATH argument")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading request body: %w", err)
			}

			conn, err := buildConnection()
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := sendSync(cmd, conn, &fuerte.Request{
				Header: fuerte.RequestHeader{
					RestVerb:    fuerte.Post,
					Database:    database,
					Path:        args[0],
					ContentType: contentType,
				},
				Payload: body,
			})
			if err != nil {
				return fmt.Errorf("post %s: %w", args[0], err)
			}
			cmd.Printf("%d %s\n", resp.Header.ResponseCode, resp.Payload)
			return nil
		},
	}
	c.Flags().StringVar(&database, "database", "_system", "target database")
	c.Flags().StringVar(&contentType, "content-type", "application/json", "request content type")
	return c
}
