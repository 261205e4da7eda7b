package main

import (
	"fmt"
	"os"
)

// version is stamped at release time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "index":
		indexCmd(os.Args[2:])
	case "sources":
		sourcesCmd(os.Args[2:])
	case "version":
		fmt.Printf("veracity %s\n", version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  veracity serve [--config <file>] [--addr <host:port>] [--verbose]")
	fmt.Fprintln(os.Stderr, "  veracity run --topic <topic> [--budget <n>] [--config <file>] [--verbose]")
	fmt.Fprintln(os.Stderr, "  veracity status <projectId> [--config <file>]")
	fmt.Fprintln(os.Stderr, "  veracity index rebuild [--config <file>]")
	fmt.Fprintln(os.Stderr, "  veracity sources list [--config <file>]")
	fmt.Fprintln(os.Stderr, "  veracity sources match --topic <topic> [--max <n>] [--config <file>]")
	fmt.Fprintln(os.Stderr, "  veracity version")
}
