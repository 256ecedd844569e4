// Package main is the camsolve command itself.
package main

import (
	"log"
	"os"

	"github.com/camsolve/camsolve/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
