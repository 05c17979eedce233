// Command diskimg builds the flat block-device image kernel/fs mounts at
// boot, from an ordinary directory tree on the host.
package main

import (
	"fmt"
	"os"

	"kestrel/cmd/diskimg/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
