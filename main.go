package main

import (
	"os"

	meshcastcli "github.com/carlmontanari/meshcast/cli"
)

func main() {
	err := meshcastcli.Entrypoint().Run(os.Args)
	if err != nil {
		os.Exit(1)
	}
}
