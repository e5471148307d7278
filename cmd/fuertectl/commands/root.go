// Package commands builds fuertectl's cobra command tree, one file per
// subcommand, following leo-pony-model-runner's cmd/cli/commands layout
// (newTagCmd, newRunCmd, ... each in their own file, wired together in
// NewRootCmd).
package commands

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/duzhanyuan/fuerte/pkg/driver"
	"github.com/duzhanyuan/fuerte/pkg/fuerte"
)

type rootOptions struct {
	host      string
	port      string
	ssl       bool
	transport string
	verbose   bool
}

var opts rootOptions

// NewRootCmd assembles the fuertectl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fuertectl",
		Short: "Exercise a database connection over VST or HTTP",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetLevel(log.InfoLevel)
			if opts.verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&opts.host, "host", "localhost", "database host")
	root.PersistentFlags().StringVar(&opts.port, "port", "8529", "database port")
	root.PersistentFlags().BoolVar(&opts.ssl, "ssl", false, "use TLS")
	root.PersistentFlags().StringVar(&opts.transport, "transport", "vst", "transport to use: vst or http")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newConnectCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newPostCmd())
	return root
}

// buildConnection constructs a fresh, unshared Connection from the
// root-level persistent flags. fuertectl is a one-shot CLI, so there is no
// value in amortizing a driver.SharedResources across invocations.
func buildConnection() (fuerte.Connection, error) {
	kind := fuerte.TransportVST
	if opts.transport == "http" {
		kind = fuerte.TransportHTTP
	}
	cfg := fuerte.ConnectionConfiguration{
		Host:              opts.host,
		Port:              opts.port,
		SSL:               opts.ssl,
		ConnectionTimeout: 5 * time.Second,
		RequestTimeout:    30 * time.Second,
	}
	return driver.NewConnection(cfg, kind, log.StandardLogger(), nil)
}
