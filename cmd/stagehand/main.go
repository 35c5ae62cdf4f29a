// stagehand — клиент HTTP API Stagehand.
//
//	stagehand [--api-url URL] [--json] [--timeout 30s] <command> ...
//
// Команды: run, approval, pipeline, schedule.
package main

import (
	"fmt"
	"os"

	"github.com/shaiso/Stagehand/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
