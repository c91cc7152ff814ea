package main

import (
	"os"

	"github.com/grafthq/graft/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
