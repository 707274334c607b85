// Package main is the entry point for the ccc CLI.
// The same binary doubles as the payload worker when CCC_PAYLOAD is set.
package main

import (
	"errors"
	"fmt"
	"os"

	"computecannon/cmd/ccc/cmd"
	"computecannon/pkg/payload"
)

func main() {
	payload.Serve()

	if err := cmd.Execute(); err != nil {
		var exitErr *cmd.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
