package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/breachline/breachdb/cmd/breachdb/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "breachdb: %v\n", err)
		var usage commands.UsageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
