package main

import (
	"fmt"
	"os"

	// Register the directory drivers.
	_ "github.com/dirvault/dirvault/driver/crypt"
	_ "github.com/dirvault/dirvault/driver/plain"
)

// main is the entrypoint. It delegates argument parsing and command
// handling to runCLI.
func main() {
	if err := runCLI(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
