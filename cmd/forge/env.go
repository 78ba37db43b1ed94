package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/forgebuild/forge"
)

const envHelp = `forge env

Display forge's environment.

Example:
  % forge env
`

func printenv(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("env", flag.ExitOnError)
	fset.Usage = usage(fset, envHelp)
	fset.Parse(args)

	fmt.Printf("FORGEROOT=%q\n", forge.Root)
	return nil
}
