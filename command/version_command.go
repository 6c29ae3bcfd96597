package command

import (
	"fmt"

	"github.com/wehriam/awspider/version"
)

// VersionCommand prints the build version.
type VersionCommand struct {
	Meta
}

func (c *VersionCommand) Help() string {
	return "Usage: awspider version\n\n  Prints the version of this awspider build."
}

func (c *VersionCommand) Synopsis() string {
	return "Prints the version"
}

func (c *VersionCommand) Run(_ []string) int {
	c.Ui.Output(fmt.Sprintf("awspider v%s", version.GetHumanVersion()))
	return 0
}
