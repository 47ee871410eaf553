package main

import (
	"fmt"
	"os"
	"path"

	"github.com/thought-machine/go-flags"
)

// parseFlags parses the app's flags into data, exiting on --help exactly as
// the reference tool's output.ParseFlags does, and returning the parser so
// the caller can tell which subcommand was selected.
func parseFlags(appname string, data interface{}, args []string) (*flags.Parser, []string, error) {
	parser := flags.NewNamedParser(path.Base(args[0]), flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.AddGroup(appname+" options", "", data); err != nil {
		return nil, nil, err
	}
	extraArgs, err := parser.ParseArgs(args[1:])
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			fmt.Printf("%s\n", err)
			os.Exit(0)
		}
	}
	return parser, extraArgs, err
}

// parseFlagsOrDie is parseFlags plus the reference tool's die-on-error and
// die-on-leftover-arguments behaviour.
func parseFlagsOrDie(appname string, data interface{}) *flags.Parser {
	parser, extraArgs, err := parseFlags(appname, data, os.Args)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		fmt.Printf("\n%s\n", err)
		os.Exit(1)
	} else if len(extraArgs) > 0 {
		fmt.Printf("Unknown option %s\n", extraArgs)
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
	return parser
}

// activeCommand returns the name of the currently selected subcommand, "" if
// none was selected (e.g. --version was passed instead).
func activeCommand(parser *flags.Parser) string {
	if parser.Active == nil {
		return ""
	} else if parser.Active.Active != nil {
		return parser.Active.Active.Name
	}
	return parser.Active.Name
}
