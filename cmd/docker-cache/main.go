package main

import (
	"fmt"
	"os"

	"github.com/lissto-dev/docker-cache/internal/cli"
)

func main() {
	if err := cli.NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
