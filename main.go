// Package main is the entry point for the ntpctl mode-6 control daemon and CLI.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/ntpctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
