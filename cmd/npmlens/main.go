// Package main is the entry point for the npmlens pipeline binary.
package main

import (
	"fmt"
	"os"

	"github.com/npmlens/npmlens/cmd/npmlens/commands"
)

func main() {
	err := commands.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
