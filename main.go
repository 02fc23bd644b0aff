package main

import (
	"os"

	"github.com/nzrlabs/mcpd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
