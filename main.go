// Package main is the entry point for the TSDS receiver.
package main

import (
	"fmt"
	"os"

	"github.com/GlobalNOC/tsds-services/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
