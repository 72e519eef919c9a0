// Command inkd runs the shared ink canvas relay and its tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/inkd/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
