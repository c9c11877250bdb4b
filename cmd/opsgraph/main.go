package main

import (
	"os"

	"github.com/opsgraph/opsgraph/cmd/opsgraph/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
