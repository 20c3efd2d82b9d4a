package main

import (
	"errors"
	"fmt"

	"ehscope/internal/analysis"
	"ehscope/internal/output"
)

func cmdResolve(args []string) error {
	c := commonFlags{needsLib: true}
	fs := newFlagSet("resolve", &c)
	ips := fs.StringSlice("ip", nil, "instruction pointers to resolve (hex, comma separated)")
	ra := fs.Bool("ra", false, "treat --ip values as return addresses")
	name := fs.String("func", "", "function for --index (name or 0x address)")
	index := fs.Int64("index", 0, "call-site index for sjlj targets (-1 none, 0 terminate)")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	*ips = append(*ips, fs.Args()...)
	if len(*ips) == 0 && *name == "" {
		return errors.New("--ip or --func with --index is required")
	}
	log := c.setup()

	b, err := c.open(&log)
	if err != nil {
		return err
	}
	defer b.Close()

	var results []analysis.Resolution
	var firstErr error
	report := func(r analysis.Resolution, err error) {
		if err != nil {
			log.Warn().Err(err).Msgf("resolve 0x%x", r.IP)
			if firstErr == nil {
				firstErr = err
			}
		}
		if c.jsonOut {
			results = append(results, r)
			return
		}
		if err != nil {
			fmt.Fprintf(stdout, "0x%x: %v\n", r.IP, err)
			return
		}
		output.WriteResolution(stdout, r)
	}

	if *name != "" {
		fde, err := b.FindFunction(*name)
		if err != nil {
			return err
		}
		report(b.ResolveIndex(fde.Begin, uint64(*index)))
	}
	for _, s := range *ips {
		ip, err := analysis.ParseAddr(s)
		if err != nil {
			return fmt.Errorf("bad address %q: %w", s, err)
		}
		if *ra {
			report(b.ResolveReturnAddress(ip))
		} else {
			report(b.Resolve(ip))
		}
	}

	if c.jsonOut {
		if err := output.EncodeJSON(stdout, results); err != nil {
			return err
		}
	}
	if c.strict {
		return firstErr
	}
	return nil
}
