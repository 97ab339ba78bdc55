// Command syncd mirrors an identity directory into a record store.
package main

import (
	"os"

	"github.com/tbourn/go-directory-sync/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.NewRootCommand(version).Execute(); err != nil {
		os.Exit(1)
	}
}
