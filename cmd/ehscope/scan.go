package main

import (
	"fmt"
	"os"

	"ehscope/internal/output"
)

func cmdScan(args []string) error {
	c := commonFlags{needsLib: true}
	fs := newFlagSet("scan", &c)
	outDir := fs.String("out", "", "also write functions.json to this directory")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	log := c.setup()

	b, err := c.open(&log)
	if err != nil {
		return err
	}
	defer b.Close()

	fns, err := b.Functions()
	if err != nil {
		if c.strict {
			return err
		}
		log.Warn().Err(err).Msg("some exception tables failed to decode")
	}

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
		if err := output.WriteFunctionsJSON(*outDir, fns); err != nil {
			return err
		}
		log.Info().Str("dir", *outDir).Int("functions", len(fns)).Msg("wrote functions.json")
	}

	if c.jsonOut {
		return output.EncodeJSON(stdout, output.Summarize(fns))
	}
	fmt.Fprintf(stdout, "target %s, %d FDEs, %d with LSDA\n", b.Target.Name, len(b.Frames.FDEs), len(fns))
	output.WriteScan(stdout, fns)
	return nil
}
