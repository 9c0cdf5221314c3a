package control

import (
	"strings"
	"time"

	"github.com/rodaine/table"
	"github.com/zond/swarmbot/commands"
	"github.com/zond/swarmbot/lang"
	"github.com/zond/swarmbot/scheduler"
	"github.com/zond/swarmbot/structs"
)

func planSubcommands() subcommands {
	return subcommands{
		"list":     {help: "List scheduled entries", handler: handlePlanList},
		"add":      {usage: "<id> <timing> [repeat] <command...>", help: "Schedule a command (timing: tick:N, delay:D, every:D, at:T, cron:EXPR)", handler: handlePlanAdd},
		"sequence": {usage: "<id> [repeat[:D]] <delay> <command> ...", help: "Schedule an ordered sequence of commands", handler: handlePlanSequence},
		"cancel":   {usage: "<id>", help: "Cancel a scheduled entry", handler: handlePlanCancel},
		"status":   {help: "Summarize scheduled entries and sequence progress", handler: handlePlanStatus},
		"save":     {usage: "<name>", help: "Save the scheduled entries as a plan", handler: handlePlanSave},
		"load":     {usage: "<name>", help: "Schedule the entries of a saved plan", handler: handlePlanLoad},
		"plans":    {help: "List saved plans", handler: handlePlanPlans},
		"delete":   {usage: "<name>", help: "Delete a saved plan", handler: handlePlanDelete},
	}
}

func planCommand() commands.Spec[*Env] {
	subs := planSubcommands()
	return commands.Spec[*Env]{
		Verb:    "plan",
		Aliases: []string{"sched"},
		Usage:   subs.usage(),
		Help:    "Schedule commands on a session",
		Handler: func(env *Env, args []string) error {
			return subs.run(env, "plan", args)
		},
	}
}

func formatNext(env *Env, next time.Time) string {
	if next.IsZero() {
		return "-"
	}
	return "in " + next.Sub(env.App.Clock.Now()).Round(time.Millisecond).String()
}

func handlePlanList(env *Env, _ []string) error {
	sess, err := env.session()
	if err != nil {
		return err
	}
	snap := sess.Scheduler.Snapshot()
	if snap.Len() == 0 {
		env.Printf("Nothing scheduled on %q.", sess.ID)
		return nil
	}
	if len(snap.TickBased) > 0 {
		t := table.New("ID", "Every", "Command", "Fired").WithWriter(env.Out)
		for _, info := range snap.TickBased {
			t.AddRow(info.ID, lang.Count(info.Interval, "tick"), info.Command, info.Fired)
		}
		t.Print()
	}
	if len(snap.Scheduled) > 0 {
		t := table.New("ID", "Rule", "Repeat", "Command", "Next", "Fired").WithWriter(env.Out)
		for _, info := range snap.Scheduled {
			t.AddRow(info.ID, info.Rule, info.Repeat, info.Command, formatNext(env, info.Next), info.Fired)
		}
		t.Print()
	}
	if len(snap.Sequences) > 0 {
		t := table.New("ID", "Steps", "Repeat", "Next").WithWriter(env.Out)
		for _, info := range snap.Sequences {
			t.AddRow(info.ID, info.Steps, info.Repeat, formatNext(env, info.Next))
		}
		t.Print()
	}
	return nil
}

// parseTiming turns a timing token into scheduler options.
func parseTiming(env *Env, token string) (scheduler.Options, error) {
	kind, value, found := strings.Cut(token, ":")
	if !found || value == "" {
		return scheduler.Options{}, usagef("timing must be kind:value, got %q", token)
	}
	switch strings.ToLower(kind) {
	case "tick", "ticks":
		n, err := parseInt(value, "ticks")
		if err != nil {
			return scheduler.Options{}, err
		}
		return scheduler.Options{Ticks: n}, nil
	case "delay", "after":
		d, err := parseDuration(value, "delay")
		if err != nil {
			return scheduler.Options{}, err
		}
		return scheduler.Options{Delay: d}, nil
	case "every":
		d, err := parseDuration(value, "interval")
		if err != nil {
			return scheduler.Options{}, err
		}
		return scheduler.Options{Delay: d, Repeat: true}, nil
	case "at":
		at, err := parseAt(env.App.Clock.Now(), value)
		if err != nil {
			return scheduler.Options{}, err
		}
		return scheduler.Options{At: at}, nil
	case "cron":
		return scheduler.Options{Cron: value}, nil
	}
	return scheduler.Options{}, usagef("unknown timing %q", kind)
}

// parseAt accepts RFC 3339 timestamps and a wall clock "15:04[:05]", which
// means the next such time after now.
func parseAt(now time.Time, value string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		return at, nil
	}
	for _, layout := range []string{time.TimeOnly, "15:04"} {
		clock, err := time.ParseInLocation(layout, value, now.Location())
		if err != nil {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location())
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return at, nil
	}
	return time.Time{}, usagef("invalid time %q", value)
}

func handlePlanAdd(env *Env, args []string) error {
	if len(args) < 3 {
		return usagef("plan add <id> <timing> [repeat] <command...>")
	}
	sess, err := env.session()
	if err != nil {
		return err
	}
	id := args[0]
	opts, err := parseTiming(env, args[1])
	if err != nil {
		return err
	}
	rest := args[2:]
	if strings.EqualFold(rest[0], "repeat") {
		opts.Repeat = true
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return usagef("missing command")
	}
	command := joinArgs(rest)
	if err := sess.Scheduler.Schedule(id, command, opts); err != nil {
		return err
	}
	env.Printf("Scheduled %q on %q.", id, sess.ID)
	return nil
}

func handlePlanSequence(env *Env, args []string) error {
	if len(args) < 3 {
		return usagef("plan sequence <id> [repeat[:delay]] <delay> <command> ...")
	}
	sess, err := env.session()
	if err != nil {
		return err
	}
	id := args[0]
	rest := args[1:]
	opts := scheduler.Options{}
	if head, value, _ := strings.Cut(rest[0], ":"); strings.EqualFold(head, "repeat") {
		opts.Repeat = true
		if value != "" {
			if opts.RepeatDelay, err = parseDuration(value, "repeat delay"); err != nil {
				return err
			}
		}
		rest = rest[1:]
	}
	if len(rest) == 0 || len(rest)%2 != 0 {
		return usagef("steps must be delay and command pairs")
	}
	steps := []structs.Step{}
	for i := 0; i < len(rest); i += 2 {
		delay, err := parseDuration(rest[i], "step delay")
		if err != nil {
			return err
		}
		steps = append(steps, structs.Step{Command: rest[i+1], DelayMillis: delay.Milliseconds()})
	}
	if err := sess.Scheduler.ScheduleSequence(id, steps, opts); err != nil {
		return err
	}
	env.Printf("Scheduled %s as %q on %q.", lang.Count(len(steps), "step"), id, sess.ID)
	return nil
}

func handlePlanCancel(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("plan cancel <id>")
	}
	sess, err := env.session()
	if err != nil {
		return err
	}
	if !sess.Scheduler.Cancel(args[0]) {
		env.Printf("Nothing scheduled as %q.", args[0])
		return nil
	}
	env.Printf("Cancelled %q.", args[0])
	return nil
}

func handlePlanStatus(env *Env, _ []string) error {
	sess, err := env.session()
	if err != nil {
		return err
	}
	snap := sess.Scheduler.Snapshot()
	env.Printf("%s: %s, %s, %s, tick %d.", sess.ID,
		lang.Count(len(snap.TickBased), "tick entry"),
		lang.Count(len(snap.Scheduled), "timed entry"),
		lang.Count(len(snap.Sequences), "sequence"),
		sess.Scheduler.Ticks())
	if len(snap.Sequences) == 0 {
		return nil
	}
	t := table.New("Sequence", "Step", "Run", "State", "Next").WithWriter(env.Out)
	for _, info := range snap.Sequences {
		state := "waiting"
		if info.Running {
			state = "running"
		}
		t.AddRow(info.ID, info.Index+1, info.Run, state, formatNext(env, info.Next))
	}
	t.Print()
	return nil
}

func handlePlanSave(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("plan save <name>")
	}
	if env.App.Store == nil {
		env.Printf("No plan store.")
		return nil
	}
	sess, err := env.session()
	if err != nil {
		return err
	}
	plan := structs.Plan{
		Name:    args[0],
		SavedAt: env.App.Clock.Now(),
		Entries: sess.Scheduler.Entries(),
	}
	if err := env.App.Store.SavePlan(plan); err != nil {
		return err
	}
	env.Printf("Saved %s as %q.", lang.Count(len(plan.Entries), "entry"), plan.Name)
	return nil
}

func handlePlanLoad(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("plan load <name>")
	}
	if env.App.Store == nil {
		env.Printf("No plan store.")
		return nil
	}
	sess, err := env.session()
	if err != nil {
		return err
	}
	plan, found, err := env.App.Store.LoadPlan(args[0])
	if err != nil {
		return err
	}
	if !found {
		env.Printf("No plan %q.", args[0])
		return nil
	}
	restored, failures := sess.Scheduler.Restore(plan.Entries)
	env.Printf("Restored %s of plan %q on %q.", lang.Count(restored, "entry"), plan.Name, sess.ID)
	for id, err := range failures {
		env.Printf("Skipped %q: %v", id, err)
	}
	return nil
}

func handlePlanPlans(env *Env, _ []string) error {
	if env.App.Store == nil {
		env.Printf("No plan store.")
		return nil
	}
	planNames, err := env.App.Store.ListPlans()
	if err != nil {
		return err
	}
	if len(planNames) == 0 {
		env.Printf("No saved plans.")
		return nil
	}
	t := table.New("Name", "Entries", "Saved").WithWriter(env.Out)
	for _, name := range planNames {
		plan, found, err := env.App.Store.LoadPlan(name)
		if err != nil || !found {
			t.AddRow(name, "?", "?")
			continue
		}
		t.AddRow(name, len(plan.Entries), plan.SavedAt.Format(time.DateTime))
	}
	t.Print()
	return nil
}

func handlePlanDelete(env *Env, args []string) error {
	if len(args) != 1 {
		return usagef("plan delete <name>")
	}
	if env.App.Store == nil {
		env.Printf("No plan store.")
		return nil
	}
	deleted, err := env.App.Store.DeletePlan(args[0])
	if err != nil {
		return err
	}
	if !deleted {
		env.Printf("No plan %q.", args[0])
		return nil
	}
	env.Printf("Deleted plan %q.", args[0])
	return nil
}
