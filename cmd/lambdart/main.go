package main

import (
	"os"

	"github.com/psantana5/lambda-runtime/cmd/lambdart/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
