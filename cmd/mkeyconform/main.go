package main

import (
	"context"
	"fmt"
	"os"

	"github.com/piwi3910/mkeyconform/cmd/mkeyconform/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := commands.NewRootCmd(Version, Commit)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
