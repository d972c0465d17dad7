package main

import (
	"os"

	"github.com/badno/catalogsync/cmd/catalogsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
