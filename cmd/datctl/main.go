// Command datctl runs one-shot queries against a dat board: fetch a thread,
// print its subject, list the board index, or rank next-thread candidates.
package main

import (
	"fmt"
	"os"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := NewRootCmd(Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
