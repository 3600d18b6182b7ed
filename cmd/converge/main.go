// Command converge validates, compiles, tests, traces, and runs reactive
// state modules declared in CUE.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/converge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
