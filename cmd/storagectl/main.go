package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(dialSession).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "storagectl: %v\n", err)
		os.Exit(1)
	}
}
