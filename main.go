// Command obshub is the entry point for the sensor/observation hub
// service: a cobra command tree (serve, compact, version) wired to the
// embedded-KV observation store, event bus, and REST surface under
// package cli.
package main

import (
	"fmt"
	"os"

	"obshub.dev/hub/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
