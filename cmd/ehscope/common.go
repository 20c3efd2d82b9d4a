package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"ehscope/internal/analysis"
	"ehscope/internal/target"
)

// stdout is where command results go; tests replace it.
var stdout io.Writer = os.Stdout

var errLibRequired = errors.New("--lib is required")

type commonFlags struct {
	lib      string
	target   string
	targets  string
	strict   bool
	jsonOut  bool
	noColor  bool
	verbose  bool
	needsLib bool
}

func newFlagSet(name string, c *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	if c.needsLib {
		fs.StringVar(&c.lib, "lib", "", "path to the ELF binary")
		fs.StringVar(&c.target, "target", "", "target profile (default: from ELF header)")
		fs.BoolVar(&c.strict, "strict", false, "fail on malformed records and unsorted call-site tables")
	}
	fs.StringVar(&c.targets, "targets", "", "YAML file with extra target profiles")
	fs.BoolVar(&c.jsonOut, "json", false, "output as JSON")
	fs.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	fs.BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")
	return fs
}

// setup applies the presentation flags. Call after parsing.
func (c *commonFlags) setup() zerolog.Logger {
	if c.noColor || c.jsonOut {
		color.NoColor = true
	}
	return newLogger(os.Stderr, c.verbose)
}

func newLogger(w *os.File, verbose bool) zerolog.Logger {
	cw := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    !isatty.IsTerminal(w.Fd()) && !isatty.IsCygwinTerminal(w.Fd()),
		TimeFormat: "15:04:05",
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(cw).Level(level).With().Timestamp().Logger()
}

func loadTargets(path string) ([]target.Target, error) {
	targets := target.Builtin()
	if path == "" {
		return targets, nil
	}
	extra, err := target.Load(path)
	if err != nil {
		return nil, err
	}
	return target.Merge(targets, extra), nil
}

// open loads the binary named by --lib.
func (c *commonFlags) open(log *zerolog.Logger) (*analysis.Binary, error) {
	if c.lib == "" {
		return nil, errLibRequired
	}
	targets, err := loadTargets(c.targets)
	if err != nil {
		return nil, err
	}
	b, err := analysis.Open(c.lib, analysis.Options{
		Targets: targets,
		Target:  c.target,
		Strict:  c.strict,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return b, nil
}

// fileName turns a symbol name into a path-safe file name.
func fileName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "<", "_", ">", "_", "*", "_", "?", "_", "\"", "_", "|", "_")
	s := r.Replace(name)
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func parse(fs *pflag.FlagSet, args []string) (bool, error) {
	err := fs.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return false, nil
	}
	return err == nil, err
}
