package main

import (
	"os"

	"github.com/koltyakov/relayhub/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
