package control

import (
	"context"
	"strings"

	"github.com/rodaine/table"
	"github.com/zond/swarmbot/commands"
	"github.com/zond/swarmbot/lang"
	"github.com/zond/swarmbot/proxy"
	"github.com/zond/swarmbot/structs"
)

func proxySubcommands() subcommands {
	return subcommands{
		"list":     {help: "List proxies", handler: handleProxyList},
		"add":      {usage: "<host:port[:user:pass]> [kind]", help: "Add or update a proxy", handler: handleProxyAdd},
		"remove":   {usage: "<host:port>", help: "Remove a proxy", handler: handleProxyRemove},
		"test":     {usage: "[host:port]", help: "Probe one proxy, or all of them one at a time", handler: handleProxyTest},
		"rotate":   {help: "Advance to the next proxy", handler: handleProxyRotate},
		"current":  {help: "Show the rotation state", handler: handleProxyCurrent},
		"interval": {usage: "<duration|off>", help: "Rotate automatically this often", handler: handleProxyInterval},
		"type":     {usage: "<http|socks4|socks5> [host:port]", help: "Set the kind of one proxy, or the default kind", handler: handleProxyType},
	}
}

func proxyCommand() commands.Spec[*Env] {
	subs := proxySubcommands()
	return commands.Spec[*Env]{
		Verb:    "proxy",
		Aliases: []string{"proxies"},
		Usage:   subs.usage(),
		Help:    "Manage the proxy rotation",
		Handler: func(env *Env, args []string) error {
			if env.App.Proxies == nil {
				env.Printf("error: no proxy manager")
				return nil
			}
			return subs.run(env, "proxy", args)
		},
	}
}

func handleProxyList(env *Env, _ []string) error {
	list := env.App.Proxies.List()
	if len(list) == 0 {
		env.Printf("No proxies.")
		return nil
	}
	cursor := env.App.Proxies.Cursor()
	t := table.New("", "#", "Address", "Kind", "Auth", "Status").WithWriter(env.Out)
	for idx, p := range list {
		marker := ""
		if idx == cursor {
			marker = ">"
		}
		auth := "-"
		if p.Username != "" {
			auth = p.Username
		}
		t.AddRow(marker, idx, p.Addr(), p.Kind, auth, p.Status())
	}
	t.Print()
	return nil
}

func parseKind(s string) (structs.ProxyKind, error) {
	kind, ok := structs.ParseProxyKind(strings.ToLower(s))
	if !ok {
		return "", usagef("kind must be http, socks4 or socks5, got %q", s)
	}
	return kind, nil
}

func handleProxyAdd(env *Env, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usagef("proxy add <host:port[:user:pass]> [kind]")
	}
	spec := args[0]
	if len(args) == 2 {
		kind, err := parseKind(args[1])
		if err != nil {
			return err
		}
		if !strings.Contains(spec, "://") {
			spec = string(kind) + "://" + spec
		}
	}
	p, err := env.App.Proxies.Add(spec)
	if err != nil {
		return err
	}
	env.Printf("Added %v.", p)
	return nil
}

func handleProxyRemove(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("proxy remove <host:port>")
	}
	host, port, err := parseHostPort(args[0])
	if err != nil {
		return err
	}
	removed, err := env.App.Proxies.Remove(host, port)
	if err != nil {
		return err
	}
	if !removed {
		env.Printf("No proxy %s.", args[0])
		return nil
	}
	env.Printf("Removed %s.", args[0])
	return nil
}

// handleProxyTest probes in the background, since each probe may take up to
// proxy.TestTimeout.
func handleProxyTest(env *Env, args []string) error {
	if len(args) > 1 {
		return usagef("proxy test [host:port]")
	}
	if len(args) == 1 {
		host, port, err := parseHostPort(args[0])
		if err != nil {
			return err
		}
		p, found := env.App.Proxies.Find(host, port)
		if !found {
			env.Printf("No proxy %s.", args[0])
			return nil
		}
		env.Printf("Testing %v...", p)
		go func(ctx context.Context) {
			if env.App.Proxies.Test(ctx, p) {
				env.Printf("%v works.", p)
			} else {
				env.Printf("%v failed.", p)
			}
		}(env.Ctx)
		return nil
	}
	total := env.App.Proxies.Len()
	env.Printf("Testing %s, up to %v each...", lang.Count(total, "proxy"), proxy.TestTimeout)
	go func(ctx context.Context) {
		passed := env.App.Proxies.TestAll(ctx)
		env.Printf("%d of %s work.", passed, lang.Count(total, "proxy"))
	}(env.Ctx)
	return nil
}

func handleProxyRotate(env *Env, _ []string) error {
	p := env.App.Proxies.Rotate()
	if p == nil {
		env.Printf("No proxies.")
		return nil
	}
	env.Printf("Rotated to %v (%s).", p, p.Status())
	return nil
}

func handleProxyCurrent(env *Env, _ []string) error {
	env.Printf("%s.", lang.Capitalize(env.App.Proxies.Describe()))
	if next := env.App.Proxies.Next(); next != nil {
		env.Printf("Next session gets %v.", next)
	} else {
		env.Printf("No proxy is known to work.")
	}
	return nil
}

func handleProxyInterval(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("proxy interval <duration|off>")
	}
	if strings.EqualFold(args[0], "off") {
		args[0] = "0"
	}
	d, err := parseDuration(args[0], "interval")
	if err != nil {
		return err
	}
	if err := env.App.Proxies.SetInterval(d); err != nil {
		return err
	}
	if d == 0 {
		env.Printf("Automatic rotation off.")
	} else {
		env.Printf("Rotating every %v.", d)
	}
	return nil
}

func handleProxyType(env *Env, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usagef("proxy type <http|socks4|socks5> [host:port]")
	}
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}
	if len(args) == 1 {
		if err := env.App.Proxies.SetDefaultKind(kind); err != nil {
			return err
		}
		env.Printf("New proxies default to %s.", kind)
		return nil
	}
	host, port, err := parseHostPort(args[1])
	if err != nil {
		return err
	}
	changed, err := env.App.Proxies.SetKind(host, port, kind)
	if err != nil {
		return err
	}
	if !changed {
		env.Printf("No proxy %s.", args[1])
		return nil
	}
	env.Printf("%s is now %s, untested.", args[1], kind)
	return nil
}
