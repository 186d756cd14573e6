// Package main provides the entry point for memsim.
// memsim is a cycle-level simulator of a CPU core's speculative memory
// subsystem built on Akita.
//
// For the full CLI, use: go run ./cmd/memsim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("memsim - speculative memory subsystem simulator")
	fmt.Println("Built on Akita simulation framework")
	fmt.Println("")
	fmt.Println("Usage: memsim run [options] <trace.json>...")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  run       Run traces and print a timing report")
	fmt.Println("  config    Print or save the default memory config")
	fmt.Println("  traces    List or export the built-in microbenchmarks")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/memsim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/memsim' instead.")
	}
}
