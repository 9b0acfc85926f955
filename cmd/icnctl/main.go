package main

import (
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	cmd := newRootCmd(filepath.Base(os.Args[0]), os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
