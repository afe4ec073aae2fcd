// Command ideamic records voice captures from the terminal.
package main

import (
	"fmt"
	"os"
)

// Set by the linker.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
