// Command consolectl drives the database console agent locally: canned
// queries, directive interpretation, workflow sessions stored in SQLite, and
// a development HTTP server in front of the Lambda handler.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "consolectl:", err)
		os.Exit(1)
	}
}
