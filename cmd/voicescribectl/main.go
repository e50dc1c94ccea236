package main

import (
	"fmt"
	"os"

	"github.com/platinummonkey/voicescribe/pkg/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
