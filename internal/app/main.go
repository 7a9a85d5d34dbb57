package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runCmd(args[2:])
	case "config":
		return configCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "peeklock")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  peeklock run --config ./Peeklockfile [--pid-file ./peeklock.pid] [--watch] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(w, "  peeklock config fmt --config ./Peeklockfile [--write]")
	fmt.Fprintln(w, "  peeklock config validate --config ./Peeklockfile --format json|text [--strict-store]")
	fmt.Fprintln(w, "  peeklock version [--long] [--json]")
}
