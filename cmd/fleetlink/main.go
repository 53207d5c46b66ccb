package main

// Build with version info:
//
//	go build -ldflags "-X github.com/ChuLiYu/fleetlink/internal/cli.Version=1.0.0 \
//	  -X github.com/ChuLiYu/fleetlink/internal/cli.Commit=$(git rev-parse --short HEAD)" \
//	  -o bin/fleetlink ./cmd/fleetlink

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/fleetlink/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
