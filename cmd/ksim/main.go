// Command ksim drives kernel/mem/pmm, kernel/pagecache and kernel/fs
// together as a hosted black box, against a disk image built the same way
// cmd/diskimg builds one.
package main

import (
	"fmt"
	"os"

	"kestrel/cmd/ksim/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
