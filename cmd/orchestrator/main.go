// orchestrator multiplexes concurrent image generation requests across a
// pool of GPU-bound worker backends.
package main

import (
	"os"

	"github.com/imagegen/orchestrator/cmd/orchestrator/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
