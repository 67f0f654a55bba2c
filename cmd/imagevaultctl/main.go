// Command imagevaultctl is the operator CLI for imagevault: registering
// libraries and cache folders, enqueuing bulk ingests, and managing
// scheduled-job bindings.
package main

import (
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/imagevault/imagevault/cli"
)

func main() {
	app := kingpin.New("imagevaultctl", "Operator CLI for the imagevault media library pipeline")

	a := cli.NewApp()
	a.Attach(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))
}
