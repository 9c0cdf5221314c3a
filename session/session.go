// Package session ties one game client to its scheduler, task slot and
// configuration.
package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/swarmbot"
	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/scheduler"
	"github.com/zond/swarmbot/structs"
	"github.com/zond/swarmbot/task"
)

var (
	ErrSessionBusy = client.ErrSessionBusy
	ErrUnavailable = client.ErrUnavailable
)

// Dialer builds the game client for a session. A nil proxy means a direct
// connection.
type Dialer func(ctx context.Context, id string, settings structs.SessionConfig, proxy *structs.Proxy) (client.Client, error)

type Config struct {
	ID       string
	Settings structs.SessionConfig
	Proxy    *structs.Proxy
	Dialer   Dialer
	Clock    clock.Clock
	// Out receives every line the session reports.
	Out        io.Writer
	TickPeriod time.Duration
	// Execute runs a command line against the session. It returns false for
	// unknown verbs.
	Execute func(s *Session, line string) bool
	// OnEvent sees every client event after the session's own handling.
	OnEvent func(s *Session, ev client.Event)
}

type Session struct {
	ID        string
	Scheduler *scheduler.Scheduler
	Task      *task.Runner
	Token     *client.ControlToken

	client  client.Client
	caps    client.Capabilities
	proxy   *structs.Proxy
	out     io.Writer
	logger  *log.Logger
	sub     *client.Subscription
	execute func(*Session, string) bool
	onEvent func(*Session, client.Event)

	mu           sync.Mutex
	settings     structs.SessionConfig
	state        structs.ConnectionState
	showMessages bool
	closed       bool
}

// Open builds and connects a session. A failure to dial or connect never fails
// Open: the session degrades to a local stand-in client instead.
func Open(ctx context.Context, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	s := &Session{
		ID:           cfg.ID,
		Token:        &client.ControlToken{},
		proxy:        cfg.Proxy,
		out:          cfg.Out,
		logger:       log.New(cfg.Out, "", 0),
		execute:      cfg.Execute,
		onEvent:      cfg.OnEvent,
		settings:     cfg.Settings,
		state:        structs.StateConnecting,
		showMessages: cfg.Settings.Chat.ShowMessages,
	}
	s.client = s.connect(ctx, cfg)
	s.caps = client.CapabilitiesOf(s.client)
	s.Scheduler = scheduler.New(scheduler.Config{
		Clock:      cfg.Clock,
		TickPeriod: cfg.TickPeriod,
		Logger:     s.logger,
		Executor: func(command string) error {
			if !s.Execute(command) {
				return errors.Errorf("unknown command %q", command)
			}
			return nil
		},
	})
	s.Task = task.NewRunner(task.Config{
		Client:        s.client,
		Clock:         cfg.Clock,
		Token:         s.Token,
		Logger:        s.logger,
		ProgressEvery: cfg.Settings.Task.ProgressEvery,
	})
	// Events may arrive as soon as this returns, and handlers use the
	// scheduler and task runner.
	s.sub = s.client.Subscribe(s.handleEvent)
	return s
}

func (s *Session) connect(ctx context.Context, cfg Config) client.Client {
	if cfg.Dialer == nil {
		s.degrade(errors.New("no dialer configured"))
		return client.NewLocal(cfg.Settings.Username, s.out)
	}
	c, err := cfg.Dialer(ctx, cfg.ID, cfg.Settings, cfg.Proxy)
	if err == nil {
		err = c.Connect(ctx)
	}
	if err != nil {
		s.degrade(err)
		if c != nil {
			if err := c.Disconnect(); err != nil {
				s.Logf("cleaning up failed client: %v", err)
			}
		}
		return client.NewLocal(cfg.Settings.Username, s.out)
	}
	s.setState(structs.StateConnected)
	s.Logf("connected to %s:%d as %s", cfg.Settings.Host, cfg.Settings.Port, cfg.Settings.Username)
	return c
}

func (s *Session) degrade(err error) {
	s.setState(structs.StateDegraded)
	s.Logf("connection failed, running locally: %v", err)
}

func (s *Session) handleEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventConnected:
		s.setState(structs.StateConnected)
		s.Logf("reconnected")
	case client.EventDisconnected:
		if s.State() != structs.StateDisconnected {
			s.setState(structs.StateConnecting)
			s.Logf("connection lost: %s", ev.Text)
		}
	case client.EventKicked:
		s.Logf("kicked: %s", ev.Text)
	case client.EventChat:
		if s.ShowMessages() {
			s.Logf("<%s> %s", ev.Sender, ev.Text)
		}
	case client.EventMessage:
		if s.ShowMessages() {
			s.Logf("%s", ev.Text)
		}
	}
	if s.onEvent != nil {
		s.onEvent(s, ev)
	}
}

// Logf writes a line to the session output.
func (s *Session) Logf(format string, args ...any) {
	s.logger.Printf(format, args...)
}

func (s *Session) Out() io.Writer {
	return s.out
}

func (s *Session) Client() client.Client {
	return s.client
}

func (s *Session) Caps() client.Capabilities {
	return s.caps
}

// Navigator returns the client's pathfinding, or ErrUnavailable.
func (s *Session) Navigator() (client.Navigator, error) {
	if !s.caps.Navigation {
		return nil, errors.Wrapf(ErrUnavailable, "%s has no navigation", s.ID)
	}
	return s.client.(client.Navigator), nil
}

func (s *Session) Proxy() *structs.Proxy {
	return s.proxy
}

func (s *Session) setState(state structs.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) State() structs.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Settings returns a copy of the session configuration.
func (s *Session) Settings() structs.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.settings.Clone()
	if err != nil {
		return s.settings
	}
	return result
}

func (s *Session) ShowMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.showMessages
}

// ToggleMessages flips whether chat and server messages are echoed, and
// returns the new value.
func (s *Session) ToggleMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.showMessages = !s.showMessages
	return s.showMessages
}

// Execute dispatches line as if typed for this session.
func (s *Session) Execute(line string) bool {
	if s.execute == nil {
		return false
	}
	return s.execute(s, line)
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%s, %s)", s.ID, s.State(), s.caps)
}

// Close cancels every scheduled entry and the running task, then disconnects.
// A failing disconnect is logged and returned, but the session is closed
// either way.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Scheduler.Cleanup()
	s.Task.Stop()
	s.sub.Close()
	s.setState(structs.StateDisconnected)
	if err := s.client.Disconnect(); err != nil {
		s.Logf("disconnect failed: %v", err)
		return swarmbot.WithStack(err)
	}
	return nil
}
