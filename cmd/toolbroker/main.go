// Command toolbroker runs the interactive tool-authorization broker: a
// WebSocket server that lets a human operator approve or deny tool calls
// and whole-plan approvals from a running agent, in real time.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/toolbroker/cmd/toolbroker/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
