package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"taskpilot/internal/cli"
)

func main() {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
