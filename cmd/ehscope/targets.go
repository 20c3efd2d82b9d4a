package main

import (
	"fmt"
	"text/tabwriter"

	"ehscope/internal/output"
)

func cmdTargets(args []string) error {
	var c commonFlags
	fs := newFlagSet("targets", &c)
	if ok, err := parse(fs, args); !ok {
		return err
	}
	c.setup()

	targets, err := loadTargets(c.targets)
	if err != nil {
		return err
	}
	if c.jsonOut {
		return output.EncodeJSON(stdout, targets)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tARCH\tADDR\tENDIAN\tMODE\tABI")
	for _, t := range targets {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", t.Name, t.Arch, t.AddrSize, t.Endian, t.Mode(), t.ABI)
	}
	return tw.Flush()
}
