package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = cmdScan(os.Args[2:])
	case "sites":
		err = cmdSites(os.Args[2:])
	case "resolve":
		err = cmdResolve(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "disasm":
		err = cmdDisasm(os.Args[2:])
	case "targets":
		err = cmdTargets(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `ehscope: exception-table inspector for ELF binaries

Usage:
  ehscope scan    --lib <path> [--json] [--out <dir>]      List functions with an LSDA
  ehscope sites   --lib <path> --func <name|0xaddr>       Dump LSDA header and call-site table
  ehscope resolve --lib <path> --ip <0xaddr>[,...]        Resolve the action for an IP
  ehscope resolve --lib <path> --func <f> --index <n>     Resolve a call-site index (sjlj)
  ehscope graph   --lib <path> --out <dir>                Landing-pad call graph and CFG DOT
  ehscope disasm  --lib <path> --func <name|0xaddr>       Disassemble a function and its landing pads
  ehscope targets [--targets <file>] [--json]             List target profiles

Flags:
  --lib <path>          Path to the ELF binary
  --target <name>       Target profile (default: from ELF header)
  --targets <file>      YAML file with extra target profiles
  --strict              Fail on malformed records and unsorted call-site tables
  --json                Output as JSON
  --no-color            Disable colored output
  -v, --verbose         Debug logging
`)
}
