package main

import (
	"os"

	"github.com/warp/escrow-engine/cmd/escrowctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
