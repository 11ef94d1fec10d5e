package main

import (
	"os"

	"github.com/bebsworthy/sidecar/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
