// Command docbatch runs the document-batch evaluation orchestrator's HTTP
// server: batch staging and lifecycle control, the bounded-concurrency
// queue processor, and the recovery maintenance pass.
package main

import (
	"log"
	"os"

	"github.com/prodogs/docbatch/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}
