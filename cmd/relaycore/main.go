package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relaycore: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches args[0] to its subcommand.
func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		showUsage(out)
		return nil
	}

	cmd, rest := args[0], args[1:]
	if cmd == "--help" || cmd == "-h" || cmd == "help" {
		showUsage(out)
		return nil
	}
	err := dispatch(cmd, rest, out)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func dispatch(cmd string, rest []string, out io.Writer) error {
	switch cmd {
	case "query":
		return runQuery(rest, out)
	case "count":
		return runCount(rest, out)
	case "endpoints":
		return runEndpoints(rest, out)
	case "override":
		return runOverride(rest, out)
	case "revert":
		return runRevert(rest, out)
	case "refresh":
		return runRefresh(rest, out)
	case "watch":
		return runWatch(rest, out)
	default:
		return fmt.Errorf("unknown command %q, run 'relaycore --help' for usage", cmd)
	}
}

func showUsage(out io.Writer) {
	fmt.Fprintln(out, `relaycore - relay client core

USAGE:
    relaycore COMMAND [FLAGS]

COMMANDS:
    query       Send a REQ and print the collected events
                --class NAME --filter JSON [--sub-id ID]
    count       Send a COUNT and print the result
                --class NAME --filter JSON
    endpoints   Print the resolved URL of every server class
    override    Pin a server class to a URL
                --class NAME --url URL
    revert      Drop an override and resolve the class again
                --class NAME
    refresh     Fetch the remote endpoint document now
    watch       Follow endpoint changes and run scheduled refreshes

GLOBAL FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file (default: ./relaycore.yaml)

CONFIGURATION:
    RELAYCORE_CONFIG selects the config file.
    RELAYCORE_* variables override config values.

SERVER CLASSES:
    caching, upload, wallet`)
}
