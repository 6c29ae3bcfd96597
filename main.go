package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/wehriam/awspider/command"
	"github.com/wehriam/awspider/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run dispatches to the subcommands.
func Run(args []string) int {
	ui := &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      os.Stdout,
		ErrorWriter: os.Stderr,
	}
	c := cli.NewCLI("awspider", version.GetHumanVersion())
	c.Args = args
	c.Commands = command.Commands(ui)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}
	return exitCode
}
