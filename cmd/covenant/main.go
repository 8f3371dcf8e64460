package main

import (
	"os"

	"github.com/covenantd/covenant/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
