package control

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

type subcommand struct {
	usage   string
	help    string
	handler func(env *Env, args []string) error
}

// subcommands maps the first argument of a verb to its handler. An empty
// argument list runs the "list" subcommand.
type subcommands map[string]subcommand

func (subs subcommands) run(env *Env, verb string, args []string) error {
	name := "list"
	if len(args) > 0 {
		name = strings.ToLower(args[0])
		args = args[1:]
	}
	if name == "help" {
		subs.printHelp(env.Out, verb)
		return nil
	}
	sub, found := subs[name]
	if !found {
		return usagef("unknown %s subcommand %q", verb, name)
	}
	return sub.handler(env, args)
}

func (subs subcommands) printHelp(w io.Writer, verb string) {
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(w, "usage: %s <subcommand>\n", verb)
	for _, name := range names {
		sub := subs[name]
		fmt.Fprintf(w, "  %-36s %s\n", strings.TrimSpace(name+" "+sub.usage), sub.help)
	}
}

// usage formats the list of subcommand names for a verb's usage line.
func (subs subcommands) usage() string {
	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}
