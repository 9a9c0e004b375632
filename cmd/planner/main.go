package main

import (
	"os"

	"planner/cmd/planner/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], os.Stdout, os.Stderr, &cmd.Options{Stdin: os.Stdin}))
}
