package control

import (
	"fmt"
	"strings"
	"time"

	"github.com/rodaine/table"
	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/commands"
	"github.com/zond/swarmbot/lang"
	"github.com/zond/swarmbot/session"
	"github.com/zond/swarmbot/task"
)

const (
	defaultJump           = 500 * time.Millisecond
	defaultAttackHits     = 10
	defaultAttackInterval = 500 * time.Millisecond
	defaultReach          = 1.5
)

// consoleCommands is every verb available to the operator.
func consoleCommands() []commands.Spec[*Env] {
	return append([]commands.Spec[*Env]{
		botCommand(),
		planCommand(),
		proxyCommand(),
	}, sessionCommands()...)
}

// sessionCommands are the verbs that act on a single session. They are the
// only ones available from game chat.
func sessionCommands() []commands.Spec[*Env] {
	return []commands.Spec[*Env]{
		{Verb: "help", Aliases: []string{"?"}, Usage: "[verb]", Help: "List commands", Handler: handleHelp},
		{Verb: "say", Usage: "<text...>", Help: "Say something in chat", Handler: withSession(handleSay)},
		{Verb: "give", Usage: "<player> <item> [count]", Help: "Ask the server to give a player items", Handler: withSession(handleGive)},
		{Verb: "msgs", Aliases: []string{"messages"}, Help: "Toggle echoing of chat and server messages", Handler: withSession(handleMsgs)},
		{Verb: "goto", Usage: "<x> <y> <z> [reach] | <player>", Help: "Walk somewhere", Handler: withSession(handleGoto)},
		{Verb: "jump", Usage: "[duration]", Help: "Hold jump for a while", Handler: withSession(handleJump)},
		{Verb: "control", Usage: "<forward|back|left|right|jump|sprint|sneak> <on|off> | clear", Help: "Set a movement control", Handler: withSession(handleControl)},
		{Verb: "look", Usage: "<x> <y> <z> | <player>", Help: "Look at a point or a player", Handler: withSession(handleLook)},
		{Verb: "attack", Usage: "<player> [hits] [interval]", Help: "Attack a player repeatedly", Handler: withSession(handleAttack)},
		{Verb: "stop", Help: "Stop the task, attacks, movement and navigation", Handler: withSession(handleStop)},
		{Verb: "task", Usage: "start <block> <count> [radius] | stop | status", Help: "Run the place and break task", Handler: withSession(handleTask)},
		{Verb: "inv", Aliases: []string{"inventory"}, Help: "List the inventory", Handler: withSession(handleInv)},
		{Verb: "pos", Aliases: []string{"where"}, Help: "Show the current position", Handler: withSession(handlePos)},
	}
}

// withSession resolves the session a command applies to before running it.
func withSession(f func(env *Env, sess *session.Session, args []string) error) commands.Handler[*Env] {
	return func(env *Env, args []string) error {
		sess, err := env.session()
		if err != nil {
			return err
		}
		return f(env, sess, args)
	}
}

func handleHelp(env *Env, args []string) error {
	r := env.dispatcher.Registry()
	if len(args) > 0 {
		spec, found := r.Lookup(args[0])
		if !found {
			env.Printf("No command %q.", args[0])
			return nil
		}
		env.Printf("%s", commands.Usage(spec))
		env.Printf("%s", spec.Help)
		if len(spec.Aliases) > 0 {
			env.Printf("Also known as %s.", lang.Enumerator{Operator: "or"}.Do(spec.Aliases...))
		}
		return nil
	}
	t := table.New("Command", "Usage", "Description").WithWriter(env.Out)
	for _, spec := range r.Specs() {
		t.AddRow(spec.Verb, spec.Usage, spec.Help)
	}
	t.Print()
	return nil
}

func handleSay(env *Env, sess *session.Session, args []string) error {
	if len(args) == 0 {
		return usagef("say <text...>")
	}
	return sess.Client().Chat(strings.Join(args, " "))
}

func handleGive(env *Env, sess *session.Session, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usagef("give <player> <item> [count]")
	}
	count := 1
	if len(args) == 3 {
		var err error
		if count, err = parseInt(args[2], "count"); err != nil {
			return err
		}
		if count < 1 {
			return usagef("count must be positive")
		}
	}
	if err := sess.Client().Chat(fmt.Sprintf("/give %s %s %d", args[0], args[1], count)); err != nil {
		return err
	}
	env.Printf("Asked for %s for %s.", lang.Count(count, args[1]), args[0])
	return nil
}

func handleMsgs(env *Env, sess *session.Session, _ []string) error {
	if sess.ToggleMessages() {
		env.Printf("Showing messages for %q.", sess.ID)
	} else {
		env.Printf("Hiding messages for %q.", sess.ID)
	}
	return nil
}

// target resolves either "x y z" or a player name to a position.
func target(sess *session.Session, args []string) (client.Vec, string, error) {
	if len(args) == 1 {
		e, found, err := client.FindEntity(sess.Client(), args[0])
		if err != nil {
			return client.Vec{}, "", err
		}
		if !found {
			return client.Vec{}, "", nil
		}
		return e.Position, e.Name, nil
	}
	v, err := parseVec(args)
	if err != nil {
		return client.Vec{}, "", err
	}
	return v, v.String(), nil
}

func handleGoto(env *Env, sess *session.Session, args []string) error {
	nav, err := sess.Navigator()
	if err != nil {
		return err
	}
	reach := defaultReach
	if len(args) == 4 {
		if reach, err = parseFloat(args[3], "reach"); err != nil {
			return err
		}
		args = args[:3]
	}
	if len(args) != 1 && len(args) != 3 {
		return usagef("goto <x> <y> <z> [reach] | <player>")
	}
	p, desc, err := target(sess, args)
	if err != nil {
		return err
	}
	if desc == "" {
		env.Printf("Can't see %q.", args[0])
		return nil
	}
	if err := nav.SetGoal(p, reach); err != nil {
		return err
	}
	env.Printf("Walking to %s.", desc)
	return nil
}

func handleJump(env *Env, sess *session.Session, args []string) error {
	if len(args) > 1 {
		return usagef("jump [duration]")
	}
	d := defaultJump
	if len(args) == 1 {
		var err error
		if d, err = parseDuration(args[0], "duration"); err != nil {
			return err
		}
	}
	if err := sess.Client().SetControl(client.Jump, true); err != nil {
		return err
	}
	env.App.releaseJumpAfter(sess, d)
	return nil
}

func handleControl(env *Env, sess *session.Session, args []string) error {
	if len(args) == 1 && strings.EqualFold(args[0], "clear") {
		return sess.Client().ClearControls()
	}
	if len(args) != 2 {
		return usagef("control <name> <on|off> | clear")
	}
	control, ok := client.ParseControl(args[0])
	if !ok {
		return usagef("unknown control %q", args[0])
	}
	var on bool
	switch strings.ToLower(args[1]) {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		return usagef("expected on or off, got %q", args[1])
	}
	return sess.Client().SetControl(control, on)
}

func handleLook(env *Env, sess *session.Session, args []string) error {
	if len(args) != 1 && len(args) != 3 {
		return usagef("look <x> <y> <z> | <player>")
	}
	p, desc, err := target(sess, args)
	if err != nil {
		return err
	}
	if desc == "" {
		env.Printf("Can't see %q.", args[0])
		return nil
	}
	return sess.Client().LookAt(p)
}

// handleAttack holds the session's control token while hitting the player in
// the background, and clears all controls when done.
func handleAttack(env *Env, sess *session.Session, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return usagef("attack <player> [hits] [interval]")
	}
	name := args[0]
	hits := defaultAttackHits
	interval := defaultAttackInterval
	var err error
	if len(args) > 1 {
		if hits, err = parseInt(args[1], "hits"); err != nil {
			return err
		}
		if hits < 1 {
			return usagef("hits must be positive")
		}
	}
	if len(args) > 2 {
		if interval, err = parseDuration(args[2], "interval"); err != nil {
			return err
		}
	}
	if _, found, err := client.FindEntity(sess.Client(), name); err != nil {
		return err
	} else if !found {
		env.Printf("Can't see %q.", name)
		return nil
	}
	release, err := sess.Token.Acquire("attack " + name)
	if err != nil {
		return err
	}
	ctx, done := env.App.startLoop(sess.ID)
	env.Printf("Attacking %s.", name)
	go func() {
		defer done()
		defer release()
		defer func() {
			if err := sess.Client().ClearControls(); err != nil {
				sess.Logf("clearing controls: %v", err)
			}
		}()
		landed := 0
		for i := 0; i < hits; i++ {
			if i > 0 && !clock.Wait(ctx, env.App.Clock, interval) {
				sess.Logf("attack on %s stopped after %s", name, lang.Count(landed, "hit"))
				return
			}
			e, found, err := client.FindEntity(sess.Client(), name)
			if err != nil || !found {
				sess.Logf("lost sight of %s after %s", name, lang.Count(landed, "hit"))
				return
			}
			if err := sess.Client().LookAt(e.Position); err != nil {
				sess.Logf("looking at %s: %v", name, err)
			}
			if err := sess.Client().Attack(e.ID); err != nil {
				sess.Logf("hitting %s: %v", name, err)
				continue
			}
			landed++
		}
		sess.Logf("attack on %s done, %s", name, lang.Count(landed, "hit"))
	}()
	return nil
}

func handleStop(env *Env, sess *session.Session, _ []string) error {
	stopped := []string{}
	if sess.Task.Stop() {
		stopped = append(stopped, "task")
	}
	if env.App.stopLoop(sess.ID) {
		stopped = append(stopped, "attack")
	}
	if nav, err := sess.Navigator(); err == nil && nav.Navigating() {
		if err := nav.StopNavigation(); err != nil {
			return err
		}
		stopped = append(stopped, "navigation")
	}
	env.App.cancelJump(sess.ID)
	if err := sess.Client().ClearControls(); err != nil {
		return err
	}
	if len(stopped) == 0 {
		env.Printf("Cleared controls.")
		return nil
	}
	env.Printf("Stopped %s.", lang.Enumerator{}.Do(stopped...))
	return nil
}

func handleTask(env *Env, sess *session.Session, args []string) error {
	if len(args) == 0 {
		return usagef("task start <block> <count> [radius] | stop | status")
	}
	switch strings.ToLower(args[0]) {
	case "start":
		if len(args) < 3 || len(args) > 4 {
			return usagef("task start <block> <count> [radius]")
		}
		count, err := parseInt(args[2], "count")
		if err != nil {
			return err
		}
		radius := sess.Settings().Task.Radius
		if len(args) == 4 {
			if radius, err = parseInt(args[3], "radius"); err != nil {
				return err
			}
		}
		return sess.Task.Start(env.Ctx, task.Params{Block: args[1], Count: count, Radius: radius})
	case "stop":
		if !sess.Task.Stop() {
			env.Printf("No task running on %q.", sess.ID)
			return nil
		}
		env.Printf("Task stopped on %q.", sess.ID)
	case "status":
		status, found := sess.Task.Status()
		if !found {
			env.Printf("No task has run on %q.", sess.ID)
			return nil
		}
		env.Printf("%s", status)
	default:
		return usagef("unknown task subcommand %q", args[0])
	}
	return nil
}

func handleInv(env *Env, sess *session.Session, _ []string) error {
	items, err := sess.Client().Inventory()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		env.Printf("Nothing in the inventory.")
		return nil
	}
	t := table.New("Slot", "Item", "Count").WithWriter(env.Out)
	for _, item := range items {
		name := item.Name
		if item.DisplayName != "" && item.DisplayName != item.Name {
			name = fmt.Sprintf("%s (%s)", item.DisplayName, item.Name)
		}
		t.AddRow(item.Slot, name, item.Count)
	}
	t.Print()
	return nil
}

func handlePos(env *Env, sess *session.Session, _ []string) error {
	p, err := sess.Client().Position()
	if err != nil {
		return err
	}
	env.Printf("%s is at %s.", sess.ID, p)
	return nil
}
