// Package main provides the entry point for the agenthost CLI.
package main

import (
	"fmt"
	"os"

	"github.com/abdulrahman305/jetbrains/cmd/agenthost/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
