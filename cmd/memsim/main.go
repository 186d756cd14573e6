// Package main provides the memsim command line. memsim runs memory
// micro-op traces through the memory subsystem of one simulated core.
package main

import (
	"os"

	"github.com/tebeka/atexit"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
