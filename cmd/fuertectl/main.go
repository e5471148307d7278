// Command fuertectl is a small interactive client for exercising a database
// connection from the command line, structured the way the teacher's own CLI
// entry point delegates immediately to a commands package rather than
// building the cobra tree inline.
package main

import (
	"fmt"
	"os"

	"github.com/duzhanyuan/fuerte/cmd/fuertectl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
