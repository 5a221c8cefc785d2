package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "relay":
		err = runRelay(os.Args[2:])
	case "agent":
		err = runAgent(os.Args[2:])
	case "gateway":
		err = runGateway(os.Args[2:])
	case "viewer":
		err = runViewer(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: tfclaw [relay|agent|gateway|viewer|version] [flags]")
}
