// Command provsync runs the provisioning worker and the operator tools.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/provsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "provsync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
