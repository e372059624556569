package main

import (
	"os"

	"droidfleet.sh/cmd/droidfleetd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
