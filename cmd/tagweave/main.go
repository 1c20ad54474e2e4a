// Command tagweave runs the tagging data core: a local tag/page graph
// with durable persistence, an RPC boundary for UI callers, and an
// offline-tolerant sync engine against a shared backend.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
