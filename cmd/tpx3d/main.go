package main

import (
	"os"

	"github.com/kgofron/ADTimePix3/internal/commands"
)

// Stamped by the linker at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(commands.Execute(commands.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}))
}
