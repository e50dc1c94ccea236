package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
)

// stdout receives command output. Tests replace it.
var stdout io.Writer = os.Stdout

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// NewRootCommand creates the root command
func NewRootCommand() *Command {
	root := &Command{
		Name:        "voicescribectl",
		Description: "voicescribectl - operator tooling for voicescribe",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("voicescribectl", flag.ContinueOnError),
	}

	root.Subcommands["migrate"] = newMigrateCommand()
	root.Subcommands["create-account"] = newCreateAccountCommand()
	root.Subcommands["quota"] = newQuotaCommand()
	root.Subcommands["reset-usage"] = newResetUsageCommand()
	root.Subcommands["sign-event"] = newSignEventCommand()

	return root
}

// Execute runs the subcommand named by args[0].
func (c *Command) Execute(args []string) error {
	if len(args) == 0 {
		return c.usage()
	}

	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		return c.usage()
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage() error {
	fmt.Fprintf(stdout, "Usage: %s <command> [flags]\n\n", c.Name)
	fmt.Fprintf(stdout, "Commands:\n")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}
