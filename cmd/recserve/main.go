// Package main provides the recserve CLI.
//
// Usage:
//
//	recserve [flags] <command> [args]
//
// Commands:
//
//	serve   - run the similarity query HTTP service
//	bundle  - pack an index bundle from a JSONL vectors file
//	query   - one-shot query against a running server
//	version - print the build version
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/recserve/cmd/recserve/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
