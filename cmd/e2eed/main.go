package main

import (
	"os"

	"e2eed/cmd/e2eed/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
