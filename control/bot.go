package control

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rodaine/table"
	"github.com/zond/swarmbot/commands"
	"github.com/zond/swarmbot/lang"
	"github.com/zond/swarmbot/session"
	"github.com/zond/swarmbot/structs"
	"github.com/zond/swarmbot/task"

	goccy "github.com/goccy/go-json"
)

const (
	defaultMassDelay = 5 * time.Second
	maxMassCount     = 200
)

func botSubcommands() subcommands {
	return subcommands{
		"list":    {help: "List sessions", handler: handleBotList},
		"create":  {usage: "<id> [host[:port]] [username]", help: "Create and connect a session", handler: handleBotCreate},
		"mass":    {usage: "<count> [delay]", help: "Create sessions with generated names", handler: handleBotMass},
		"remove":  {usage: "<id>", help: "Disconnect and remove a session", handler: handleBotRemove},
		"switch":  {usage: "<id>", help: "Make a session active", handler: handleBotSwitch},
		"info":    {usage: "[id]", help: "Show a session in detail", handler: handleBotInfo},
		"cmd":     {usage: "<id> <command...>", help: "Run a command on one session", handler: handleBotCmd},
		"all":     {usage: "<command...>", help: "Run a command on every session", handler: handleBotAll},
		"configs": {help: "List saved session configurations", handler: handleBotConfigs},
		"load":    {usage: "<id>", help: "Create a session from its saved configuration", handler: handleBotLoad},
		"watch":   {usage: "<id>", help: "Follow the output of a session", handler: handleBotWatch},
		"unwatch": {usage: "<id>", help: "Stop following a session", handler: handleBotUnwatch},
	}
}

func botCommand() commands.Spec[*Env] {
	subs := botSubcommands()
	return commands.Spec[*Env]{
		Verb:    "bot",
		Aliases: []string{"bots"},
		Usage:   subs.usage(),
		Help:    "Manage sessions",
		Handler: func(env *Env, args []string) error {
			return subs.run(env, "bot", args)
		},
	}
}

func handleBotList(env *Env, _ []string) error {
	sessions := env.App.Supervisor.List()
	if len(sessions) == 0 {
		env.Printf("No sessions.")
		return nil
	}
	active, _ := env.App.Supervisor.Active()
	t := table.New("", "ID", "Username", "Server", "State", "Capabilities", "Proxy", "Task").WithWriter(env.Out)
	for _, sess := range sessions {
		marker := ""
		if sess == active {
			marker = "*"
		}
		settings := sess.Settings()
		proxyDesc := "direct"
		if p := sess.Proxy(); p != nil {
			proxyDesc = p.String()
		}
		taskDesc := "-"
		if status, found := sess.Task.Status(); found && status.Running {
			taskDesc = fmt.Sprintf("%s %d/%d", status.Params.Block, status.Completed, status.Params.Count)
		}
		t.AddRow(marker, sess.ID, settings.Username, fmt.Sprintf("%s:%d", settings.Host, settings.Port), sess.State(), sess.Caps(), proxyDesc, taskDesc)
	}
	t.Print()
	return nil
}

// parseServer splits "host[:port]", keeping defaultPort when none is given.
func parseServer(s string, defaultPort int) (string, int, error) {
	if !strings.Contains(s, ":") {
		return s, defaultPort, nil
	}
	return parseHostPort(s)
}

func handleBotCreate(env *Env, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return usagef("bot create <id> [host[:port]] [username]")
	}
	settings, err := env.App.Base.Clone()
	if err != nil {
		return err
	}
	settings.Username = args[0]
	if len(args) > 1 {
		if settings.Host, settings.Port, err = parseServer(args[1], settings.Port); err != nil {
			return err
		}
	}
	if len(args) > 2 {
		settings.Username = args[2]
	}
	sess, err := env.App.Supervisor.Create(env.Ctx, args[0], settings, false)
	if err != nil {
		return err
	}
	env.Printf("Created %v.", sess)
	return nil
}

func handleBotMass(env *Env, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usagef("bot mass <count> [delay]")
	}
	count, err := parseInt(args[0], "count")
	if err != nil {
		return err
	}
	if count < 1 || count > maxMassCount {
		return usagef("count must be between 1 and %d", maxMassCount)
	}
	delay := defaultMassDelay
	if len(args) > 1 {
		if delay, err = parseDuration(args[1], "delay"); err != nil {
			return err
		}
	}
	base, err := env.App.Base.Clone()
	if err != nil {
		return err
	}
	env.Printf("Creating %s, about %v apart.", lang.Count(count, "session"), delay)
	go func() {
		created, err := env.App.Supervisor.CreateMany(env.Ctx, count, base, delay)
		if err != nil {
			env.Printf("Bulk creation stopped after %s: %v", lang.Count(len(created), "session"), err)
			return
		}
		ids := make([]string, len(created))
		for i, sess := range created {
			ids[i] = sess.ID
		}
		env.Printf("Created %s.", lang.Count(len(created), "session"))
		if len(ids) > 0 {
			env.Printf("%s.", lang.Capitalize(lang.Enumerator{Tense: lang.Present}.Do(ids...)+" logging in"))
		}
	}()
	return nil
}

func handleBotRemove(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("bot remove <id>")
	}
	id := args[0]
	env.App.stopLoop(id)
	env.App.cancelJump(id)
	if !env.App.Supervisor.Remove(id) {
		env.Printf("No session %q.", id)
		return nil
	}
	env.App.Switchboard.Forget(id)
	env.Printf("Removed %q.", id)
	return nil
}

func handleBotSwitch(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("bot switch <id>")
	}
	if !env.App.Supervisor.SetActive(args[0]) {
		env.Printf("No session %q.", args[0])
		return nil
	}
	env.Printf("%q is now active.", args[0])
	return nil
}

type sessionInfo struct {
	ID           string                `json:"id"`
	Active       bool                  `json:"active"`
	State        string                `json:"state"`
	Capabilities string                `json:"capabilities"`
	Proxy        string                `json:"proxy"`
	Scheduled    int                   `json:"scheduled"`
	Task         *task.Status          `json:"task,omitempty"`
	Settings     structs.SessionConfig `json:"settings"`
}

func handleBotInfo(env *Env, args []string) error {
	if len(args) > 1 {
		return usagef("bot info [id]")
	}
	var sess *session.Session
	if len(args) == 1 {
		found := false
		if sess, found = env.App.Supervisor.Get(args[0]); !found {
			env.Printf("No session %q.", args[0])
			return nil
		}
	} else {
		var err error
		if sess, err = env.session(); err != nil {
			return err
		}
	}
	active, _ := env.App.Supervisor.Active()
	info := sessionInfo{
		ID:           sess.ID,
		Active:       sess == active,
		State:        string(sess.State()),
		Capabilities: sess.Caps().String(),
		Proxy:        "direct",
		Scheduled:    sess.Scheduler.Snapshot().Len(),
		Settings:     sess.Settings(),
	}
	if info.Settings.Password != "" {
		info.Settings.Password = "********"
	}
	if p := sess.Proxy(); p != nil {
		info.Proxy = p.String()
	}
	if status, found := sess.Task.Status(); found {
		info.Task = &status
	}
	js, err := goccy.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(env.Out, string(js))
	return nil
}

// joinArgs rebuilds a command line from tokens, quoting those that need it.
func joinArgs(args []string) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\"'\\") {
			arg = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(arg) + `"`
		}
		parts[i] = arg
	}
	return strings.Join(parts, " ")
}

func handleBotCmd(env *Env, args []string) error {
	if len(args) < 2 {
		return usagef("bot cmd <id> <command...>")
	}
	if _, found := env.App.Supervisor.Get(args[0]); !found {
		env.Printf("No session %q.", args[0])
		return nil
	}
	line := joinArgs(args[1:])
	if !env.App.Supervisor.ExecuteOn(args[0], line) {
		env.Printf("%q did not handle %q.", args[0], line)
	}
	return nil
}

func handleBotAll(env *Env, args []string) error {
	if len(args) < 1 {
		return usagef("bot all <command...>")
	}
	line := joinArgs(args)
	results := env.App.Supervisor.ExecuteOnAll(line)
	failed := []string{}
	for _, res := range results {
		if !res.Handled {
			failed = append(failed, res.ID)
		}
	}
	env.Printf("%q handled by %d of %s.", line, len(results)-len(failed), lang.Count(len(results), "session"))
	if len(failed) > 0 {
		env.Printf("Not handled by %s.", lang.Enumerator{}.Do(failed...))
	}
	return nil
}

func handleBotConfigs(env *Env, _ []string) error {
	if env.App.Store == nil {
		env.Printf("No configuration store.")
		return nil
	}
	ids, err := env.App.Store.ListConfigs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		env.Printf("No saved configurations.")
		return nil
	}
	t := table.New("ID", "Username", "Server", "Proxy", "Loaded").WithWriter(env.Out)
	for _, id := range ids {
		settings, found, err := env.App.Store.LoadConfig(id)
		if err != nil || !found {
			t.AddRow(id, "?", "?", "?", "?")
			continue
		}
		_, loaded := env.App.Supervisor.Get(id)
		t.AddRow(id, settings.Username, fmt.Sprintf("%s:%d", settings.Host, settings.Port), strconv.FormatBool(settings.UseProxy), strconv.FormatBool(loaded))
	}
	t.Print()
	return nil
}

func handleBotLoad(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("bot load <id>")
	}
	sess, found, err := env.App.Supervisor.Load(env.Ctx, args[0])
	if err != nil {
		return err
	}
	if !found {
		env.Printf("No saved configuration %q.", args[0])
		return nil
	}
	env.Printf("Loaded %v.", sess)
	return nil
}

func handleBotWatch(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("bot watch <id>")
	}
	if _, found := env.App.Supervisor.Get(args[0]); !found {
		env.Printf("No session %q.", args[0])
		return nil
	}
	env.Printf("Watching %q.", args[0])
	env.App.Switchboard.Attach(args[0], env.Out)
	return nil
}

func handleBotUnwatch(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("bot unwatch <id>")
	}
	if !env.App.Switchboard.Detach(args[0], env.Out) {
		env.Printf("Not watching %q.", args[0])
		return nil
	}
	env.Printf("Stopped watching %q.", args[0])
	return nil
}
