// Command sandbox-runner executes one sandbox request read from stdin and
// writes the result to stdout. The server starts it when SANDBOX_RUNNER_PATH
// points here; by default the server re-executes itself instead.
package main

import (
	"fmt"
	"os"

	"github.com/stemsi/exstem-engine/internal/sandbox"
)

func main() {
	sandbox.ServeIfChild()
	fmt.Fprintln(os.Stderr, "sandbox-runner is started by the server, not by hand")
	os.Exit(2)
}
