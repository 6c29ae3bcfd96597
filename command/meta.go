package command

import (
	"github.com/hashicorp/cli"
)

// Meta carries the common CLI dependencies.
type Meta struct {
	Ui cli.Ui
}
