// Package control is the text command surface of swarmbot. It builds the top
// level App that owns every process wide component, and the command tables
// for the operator console and for commands relayed from game chat.
package control

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/swarmbot"
	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/commands"
	"github.com/zond/swarmbot/names"
	"github.com/zond/swarmbot/proxy"
	"github.com/zond/swarmbot/session"
	"github.com/zond/swarmbot/storage"
	"github.com/zond/swarmbot/structs"
	"github.com/zond/swarmbot/supervisor"
)

var (
	// ErrUsage marks malformed command arguments. The dispatcher reports it
	// with the verb's usage line.
	ErrUsage     = errors.New("bad arguments")
	ErrNoSession = errors.New("no active session")
)

// usagef returns an ErrUsage describing what was wrong.
func usagef(format string, args ...any) error {
	return errors.Wrapf(ErrUsage, format, args...)
}

type Options struct {
	Store   *storage.Store
	Names   *names.Ledger
	Proxies *proxy.Manager
	Dialer  session.Dialer
	Clock   clock.Clock
	Logger  *log.Logger
	// Base is the configuration new sessions start from.
	Base       structs.SessionConfig
	TickPeriod time.Duration
	// ChatCooldown is how often one player may relay a command.
	ChatCooldown time.Duration
}

// App is the process wide context every command handler works on.
type App struct {
	Supervisor  *supervisor.Supervisor
	Proxies     *proxy.Manager
	Store       *storage.Store
	Names       *names.Ledger
	Switchboard *Switchboard
	Cooldown    *Cooldown
	Clock       clock.Clock
	Logger      *log.Logger
	Base        structs.SessionConfig
	// Console dispatches operator commands, Chat dispatches commands relayed
	// from game chat.
	Console *commands.Dispatcher[*Env]
	Chat    *commands.Dispatcher[*Env]

	ctx   context.Context
	loops *swarmbot.SyncMap[string, *loop]
	// jumps holds the pending release of each session's jump control.
	jumps *swarmbot.SyncMap[string, *jumpRelease]
}

// New builds the App. ctx bounds every background operation the App starts.
func New(ctx context.Context, opts Options) *App {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	a := &App{
		Proxies:     opts.Proxies,
		Store:       opts.Store,
		Names:       opts.Names,
		Switchboard: NewSwitchboard(opts.Logger),
		Cooldown:    NewCooldown(opts.ChatCooldown),
		Clock:       opts.Clock,
		Logger:      opts.Logger,
		Base:        opts.Base,
		ctx:         ctx,
		loops:       swarmbot.NewSyncMap[string, *loop](),
		jumps:       swarmbot.NewSyncMap[string, *jumpRelease](),
	}
	a.Console = a.newDispatcher(consoleCommands)
	a.Chat = a.newDispatcher(sessionCommands)
	a.Supervisor = supervisor.New(supervisor.Config{
		Store:      opts.Store,
		Names:      opts.Names,
		Proxies:    opts.Proxies,
		Dialer:     opts.Dialer,
		Clock:      opts.Clock,
		TickPeriod: opts.TickPeriod,
		Logger:     opts.Logger,
		Output: func(id string) io.Writer {
			return a.Switchboard.Writer(id)
		},
		Execute: a.executeFor,
		OnEvent: a.relay,
	})
	return a
}

func (a *App) newDispatcher(build func() []commands.Spec[*Env]) *commands.Dispatcher[*Env] {
	d := commands.NewDispatcher(commands.NewRegistry[*Env]().MustRegister(build()...))
	d.Logger = a.Logger
	d.OnError = reportError
	return d
}

// Reload rebuilds both command tables and publishes them atomically.
func (a *App) Reload() error {
	for d, build := range map[*commands.Dispatcher[*Env]]func() []commands.Spec[*Env]{
		a.Console: consoleCommands,
		a.Chat:    sessionCommands,
	} {
		if err := d.Reload(func(r *commands.Registry[*Env]) error {
			for _, spec := range build() {
				if err := r.Register(spec); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch runs an operator command line, reporting to out. Session verbs
// apply to the active session.
func (a *App) Dispatch(out io.Writer, line string) bool {
	env := &Env{App: a, Out: out, Ctx: a.ctx, dispatcher: a.Console}
	return a.Console.Dispatch(env, line)
}

// executeFor runs line for one session, as scheduled entries and bot cmd do.
func (a *App) executeFor(s *session.Session, line string) bool {
	env := &Env{App: a, Session: s, Out: s.Out(), Ctx: a.ctx, dispatcher: a.Console}
	return a.Console.Dispatch(env, line)
}

// relay dispatches chat lines that start with the session's command prefix
// and come from one of its masters. Replies are said in chat.
func (a *App) relay(s *session.Session, ev client.Event) {
	if ev.Kind != client.EventChat {
		return
	}
	settings := s.Settings()
	prefix := settings.Chat.Prefix
	if prefix == "" || !strings.HasPrefix(ev.Text, prefix) {
		return
	}
	master := false
	for _, name := range settings.Chat.Masters {
		if strings.EqualFold(name, ev.Sender) {
			master = true
			break
		}
	}
	if !master {
		return
	}
	if !a.Cooldown.Allow(s.ID + "/" + strings.ToLower(ev.Sender)) {
		s.Logf("ignoring %s, cooling down", ev.Sender)
		return
	}
	line := strings.TrimPrefix(ev.Text, prefix)
	env := &Env{App: a, Session: s, Out: &chatWriter{c: s.Client()}, Ctx: a.ctx, dispatcher: a.Chat}
	if !a.Chat.Dispatch(env, line) {
		env.Printf("unknown command %q", strings.SplitN(line, " ", 2)[0])
	}
}

// CloseAll stops every background loop and removes every session.
func (a *App) CloseAll() {
	for id := range a.loops.Keys() {
		a.stopLoop(id)
	}
	for id := range a.jumps.Keys() {
		a.cancelJump(id)
	}
	for _, sess := range a.Supervisor.List() {
		a.Switchboard.Forget(sess.ID)
	}
	a.Supervisor.CloseAll()
}

// loop is a cancellable background handler bound to one session, such as an
// attack.
type loop struct {
	cancel context.CancelFunc
}

// startLoop registers a background loop for a session, cancelling any
// previous one. The loop must call done when it ends.
func (a *App) startLoop(id string) (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(a.ctx)
	l := &loop{cancel: cancel}
	if prev, found := a.loops.Swap(id, l); found {
		prev.cancel()
	}
	return ctx, func() {
		cancel()
		a.loops.CompareAndDelete(id, l)
	}
}

// jumpRelease lets go of the jump control when its timer fires.
type jumpRelease struct {
	mu    sync.Mutex
	timer clock.Timer
}

func (r *jumpRelease) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

// releaseJumpAfter replaces any pending jump release for the session with
// one firing after d.
func (a *App) releaseJumpAfter(sess *session.Session, d time.Duration) {
	r := &jumpRelease{}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, found := a.jumps.Swap(sess.ID, r); found {
		prev.stop()
	}
	r.timer = a.Clock.AfterFunc(d, func() {
		if !a.jumps.CompareAndDelete(sess.ID, r) {
			return
		}
		if err := sess.Client().SetControl(client.Jump, false); err != nil {
			sess.Logf("releasing jump: %v", err)
		}
	})
}

func (a *App) cancelJump(id string) bool {
	r, found := a.jumps.LoadAndDelete(id)
	if found {
		r.stop()
	}
	return found
}

func (a *App) stopLoop(id string) bool {
	l, found := a.loops.LoadAndDelete(id)
	if found {
		l.cancel()
	}
	return found
}

// Env is what a handler runs against: the App, the session the command is
// for, and where to report.
type Env struct {
	App *App
	// Session is the session the command was issued for. Nil means the
	// active session.
	Session *session.Session
	Out     io.Writer
	Ctx     context.Context

	dispatcher *commands.Dispatcher[*Env]
}

// Printf reports one line.
func (e *Env) Printf(format string, args ...any) {
	fmt.Fprintf(e.Out, format+"\n", args...)
}

// session returns the session the command applies to.
func (e *Env) session() (*session.Session, error) {
	if e.Session != nil {
		return e.Session, nil
	}
	if s, found := e.App.Supervisor.Active(); found {
		return s, nil
	}
	return nil, swarmbot.WithStack(ErrNoSession)
}

func reportError(env *Env, verb string, err error) {
	if errors.Is(err, ErrUsage) {
		if spec, found := env.dispatcher.Registry().Lookup(verb); found {
			env.Printf("%v (%s)", err, commands.Usage(spec))
			return
		}
	}
	env.Printf("error: %s: %v", verb, err)
}

// chatWriter says every written line in game chat.
type chatWriter struct {
	c client.Client
}

const maxChatLength = 256

func (w *chatWriter) Write(b []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(b), "\n"), "\n") {
		if line == "" {
			continue
		}
		if len(line) > maxChatLength {
			line = line[:maxChatLength]
		}
		if err := w.c.Chat(line); err != nil {
			return 0, err
		}
	}
	return len(b), nil
}

func parseInt(s string, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, usagef("%s must be a number, got %q", what, s)
	}
	return n, nil
}

func parseFloat(s string, what string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, usagef("%s must be a number, got %q", what, s)
	}
	return f, nil
}

// parseDuration accepts Go durations ("1.5s") and plain milliseconds ("1500").
func parseDuration(s string, what string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, usagef("%s must not be negative", what)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, usagef("%s must be a duration, got %q", what, s)
	}
	if d < 0 {
		return 0, usagef("%s must not be negative", what)
	}
	return d, nil
}

func parseVec(args []string) (client.Vec, error) {
	if len(args) != 3 {
		return client.Vec{}, usagef("need x y z")
	}
	coords := [3]float64{}
	for i, arg := range args {
		f, err := parseFloat(arg, "coordinate")
		if err != nil {
			return client.Vec{}, err
		}
		coords[i] = f
	}
	return client.Vec{X: coords[0], Y: coords[1], Z: coords[2]}, nil
}

// parseHostPort splits "host:port".
func parseHostPort(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 1 {
		return "", 0, usagef("expected host:port, got %q", s)
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, usagef("invalid port in %q", s)
	}
	return s[:idx], port, nil
}
