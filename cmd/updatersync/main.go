// updatersync keeps an updater registry in sync with Groovy updater scripts.
package main

import (
	"os"

	"github.com/hupe1980/updatersync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
