package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type command func([]string) error

// BoundedCommand is a convenience function that takes a lower and upper bound
// on the number of positional arguments that a cobra command can receive, and
// a definition of the command itself (in 'f'), and returns a func that can be
// added to a Cobra command-line tool. Errors are printed and exit the process
func BoundedCommand(minargs, maxargs int, f command) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		var err error
		argc := len(args)
		switch {
		case minargs > maxargs:
			err = fmt.Errorf("invalid arguments to 'BoundedCommand': 'minargs' "+
				"must be <= 'maxargs', but got %d > %d", minargs, maxargs)
		case minargs == maxargs && argc != minargs:
			err = fmt.Errorf("expected exactly %d arguments, but got %d", minargs, argc)
		case argc < minargs:
			err = fmt.Errorf("expected at least %d arguments, but got %d", minargs, argc)
		case argc > maxargs:
			err = fmt.Errorf("expected at most %d arguments, but got %d", maxargs, argc)
		default:
			err = f(args)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			if argc < minargs || argc > maxargs {
				cmd.Usage()
			}
			os.Exit(1)
		}
	}
}
