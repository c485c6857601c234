// Package command builds command lines from a program and resolved arguments.
package command

import (
	"slices"

	"github.com/kballard/go-shellquote"
)

// Command is a program with its arguments. Arguments are never globbed or
// split, String quotes every token which a shell would otherwise interpret.
type Command struct {
	Program string
	Args    []string
}

func New(program string, args ...string) Command {
	return Command{
		Program: program,
		Args:    slices.Clone(args),
	}
}

// With returns a copy with args appended.
func (c Command) With(args ...string) Command {
	return Command{
		Program: c.Program,
		Args:    append(slices.Clone(c.Args), args...),
	}
}

// Argv returns program followed by the arguments.
func (c Command) Argv() []string {
	return append([]string{c.Program}, c.Args...)
}

// String returns a single line suitable for sh -c.
func (c Command) String() string {
	return shellquote.Join(c.Argv()...)
}

// Quote quotes a single word for a shell.
func Quote(word string) string {
	return shellquote.Join(word)
}
