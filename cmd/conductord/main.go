package main

import (
	"flag"
	"fmt"
	"os"

	"conductor/internal/daemon"
)

func main() {
	configPath := flag.String("config", "conductor.yaml", "path to the configuration file")
	flag.Parse()

	if err := daemon.Run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "conductord: %v\n", err)
		os.Exit(1)
	}
}
