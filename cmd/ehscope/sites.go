package main

import (
	"errors"

	"ehscope/internal/output"
)

func cmdSites(args []string) error {
	c := commonFlags{needsLib: true}
	fs := newFlagSet("sites", &c)
	name := fs.String("func", "", "function name or address inside it (0x...)")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if *name == "" {
		return errors.New("--func is required")
	}
	log := c.setup()

	b, err := c.open(&log)
	if err != nil {
		return err
	}
	defer b.Close()

	fde, err := b.FindFunction(*name)
	if err != nil {
		return err
	}
	fn, derr := b.Decode(fde)
	if c.jsonOut {
		if err := output.EncodeJSON(stdout, fn); err != nil {
			return err
		}
	} else {
		output.WriteSites(stdout, &fn)
	}
	return derr
}
