// Command vortex is a local retrieval-augmented chat engine. It ingests
// documents into a vector index and answers questions over them from the
// command line or through an HTTP/WebSocket server.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/vortex-go/cmd/vortex/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
