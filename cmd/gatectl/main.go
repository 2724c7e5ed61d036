package main

import (
	"os"

	"branchgate.org/cmd/gatectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
