package main

import (
	"os"

	"github.com/worksheet-dev/worksheet/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
