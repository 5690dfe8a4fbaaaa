package main

import (
	"os"

	"github.com/MinhTranCA/lava/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
