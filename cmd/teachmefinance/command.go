package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"
)

// Command is a node of the CLI command tree.
type Command struct {
	// Name is the command name as typed by the user.
	Name string

	// Summary is a one-line description shown in the parent's help listing.
	Summary string

	// Usage is the usage line. If empty it is synthesized from the command path.
	Usage string

	// Examples are shown at the end of the help output.
	Examples []Example

	// Flags returns a fresh flag set for the command. If nil, the command
	// accepts no flags.
	Flags func() *pflag.FlagSet

	// Subcommands are dispatched by the first positional argument.
	Subcommands []*Command

	// Run executes the command with the parsed flag set and the remaining
	// positional arguments.
	Run func(ctx context.Context, flags *pflag.FlagSet, args []string) error

	parent *Command
}

// Example is a usage example shown in help output.
type Example struct {
	Description string
	Command     string
}

// ExitError ends the process with Code without printing anything more; the
// command has already written its own output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the process exit code.
func (e *ExitError) ExitCode() int {
	return e.Code
}

// UsageError reports a malformed command line. Command is filled in by
// Execute when a Run function leaves it nil.
type UsageError struct {
	Message string
	Command *Command
}

func (e *UsageError) Error() string {
	if e.Command == nil {
		return e.Message
	}
	return fmt.Sprintf("%s\n\nRun '%s --help' for usage.", e.Message, e.Command.fullName())
}

func usageErrorf(c *Command, format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...), Command: c}
}

// Execute parses args and dispatches to the matching subcommand or Run.
// Help output is written to help.
func (c *Command) Execute(ctx context.Context, args []string, help io.Writer) error {
	if len(args) > 0 && isHelpFlag(args[0]) {
		c.PrintHelp(help)
		return nil
	}

	if len(c.Subcommands) > 0 && len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		if args[0] == "help" {
			c.PrintHelp(help)
			return nil
		}
		for _, sub := range c.Subcommands {
			if sub.Name == args[0] {
				sub.parent = c
				return sub.Execute(ctx, args[1:], help)
			}
		}
		return usageErrorf(c, "unknown command %q", args[0])
	}

	if c.Run == nil {
		c.PrintHelp(help)
		if len(args) == 0 {
			return usageErrorf(c, "command required")
		}
		return usageErrorf(c, "command required (got flag %q)", args[0])
	}

	var flags *pflag.FlagSet
	if c.Flags != nil {
		flags = c.Flags()
	} else {
		flags = pflag.NewFlagSet(c.Name, pflag.ContinueOnError)
	}
	flags.SetOutput(io.Discard)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			c.PrintHelp(help)
			return nil
		}
		return usageErrorf(c, "%v", err)
	}

	err := c.Run(ctx, flags, flags.Args())
	var usageErr *UsageError
	if errors.As(err, &usageErr) && usageErr.Command == nil {
		usageErr.Command = c
	}
	return err
}

// PrintHelp writes the command's help to w.
func (c *Command) PrintHelp(w io.Writer) {
	name := c.fullName()

	if c.Summary != "" {
		fmt.Fprintf(w, "%s\n\n", c.Summary)
	}

	switch {
	case c.Usage != "":
		fmt.Fprintf(w, "Usage:\n  %s\n", c.Usage)
	case len(c.Subcommands) > 0:
		fmt.Fprintf(w, "Usage:\n  %s <command> [flags]\n", name)
	default:
		fmt.Fprintf(w, "Usage:\n  %s [flags]\n", name)
	}

	if len(c.Subcommands) > 0 {
		fmt.Fprintf(w, "\nCommands:\n")
		tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
		for _, sub := range c.Subcommands {
			fmt.Fprintf(tw, "  %s\t%s\n", sub.Name, sub.Summary)
		}
		tw.Flush()
	}

	if c.Flags != nil {
		var flagHelp strings.Builder
		flags := c.Flags()
		flags.SetOutput(&flagHelp)
		flags.PrintDefaults()
		if flagHelp.Len() > 0 {
			fmt.Fprintf(w, "\nFlags:\n%s", flagHelp.String())
		}
	}

	if len(c.Examples) > 0 {
		fmt.Fprintf(w, "\nExamples:\n")
		for _, example := range c.Examples {
			if example.Description != "" {
				fmt.Fprintf(w, "  # %s\n", example.Description)
			}
			fmt.Fprintf(w, "  %s\n", example.Command)
		}
	}
}

func (c *Command) fullName() string {
	if c.parent == nil {
		return c.Name
	}
	return c.parent.fullName() + " " + c.Name
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help"
}
