package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duzhanyuan/fuerte/pkg/fuerte"
)

func newGetCmd() *cobra.Command {
	var database string
	c := &cobra.Command{
		Use:   "get PATH",
		Short: "Issue a GET request and print the response body",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("'fuertectl get' requires exactly one PATH argument")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := buildConnection()
			if err != nil {
				return err
			}
			defer conn.Close()

			resp, err := sendSync(cmd, conn, &fuerte.Request{
				Header: fuerte.RequestHeader{RestVerb: fuerte.Get, Database: database, Path: args[0]},
			})
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			cmd.Printf("%d %s\n", resp.Header.ResponseCode, resp.Payload)
			return nil
		},
	}
	c.Flags().StringVar(&database, "database", "_system", "target database")
	return c
}
