// Package command holds the CLI surface for the awspider binary.
package command

import (
	"github.com/hashicorp/cli"
)

// Commands returns the factories for every subcommand.
func Commands(ui cli.Ui) map[string]cli.CommandFactory {
	meta := Meta{Ui: ui}
	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &AgentCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{Meta: meta}, nil
		},
	}
}
