package main

import (
	"github.com/shizukutanaka/otedama-fleet/cmd/otedama-fleet/commands"
)

// Minimal entrypoint that delegates to the Cobra CLI defined in cmd/otedama-fleet/commands.
func main() {
	commands.Execute()
}
