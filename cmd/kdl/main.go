// Command kdl is a segmented, resumable, multi-source file downloader.
package main

import (
	"fmt"
	"os"

	"github.com/compiledkernel-idk/kdl/cmd/kdl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cmd.ExitCodeFor(err))
	}
}
