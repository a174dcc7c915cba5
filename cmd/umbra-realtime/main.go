package main

import (
	"os"

	"github.com/umbra-im/realtime/cmd/umbra-realtime/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
