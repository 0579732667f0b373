// Scribe is a transparent multi-tenant proxy for the Anthropic Messages API
// that records every request, reconstructs conversation lineage, and serves
// the collected data to a dashboard.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/scribe.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("scribe", version)
		os.Exit(0)
	}

	// Secrets referenced as ${VAR} in the config file may live in a local
	// .env; absence is fine.
	_ = godotenv.Load()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errDirtyShutdown) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
