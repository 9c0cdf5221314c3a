// Package supervisor owns the registry of live sessions: creation (one at a
// time or in paced bulk), removal, the active session pointer and command
// routing across sessions.
package supervisor

import (
	"context"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/faker/v4"
	"github.com/pkg/errors"
	"github.com/zond/swarmbot"
	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/jitter"
	"github.com/zond/swarmbot/lang"
	"github.com/zond/swarmbot/names"
	"github.com/zond/swarmbot/proxy"
	"github.com/zond/swarmbot/scheduler"
	"github.com/zond/swarmbot/session"
	"github.com/zond/swarmbot/storage"
	"github.com/zond/swarmbot/structs"
)

// LoginSequenceID is the scheduler id of the commands issued after bulk
// creation.
const LoginSequenceID = "login"

var (
	ErrDuplicateSessionID = errors.New("duplicate session id")
	ErrNoNames            = errors.New("no name ledger configured")
)

type Config struct {
	// Store persists session configurations. Nil keeps them in memory only.
	Store *storage.Store
	Names *names.Ledger
	// Proxies assigns a proxy to sessions configured to use one.
	Proxies    *proxy.Manager
	Dialer     session.Dialer
	Clock      clock.Clock
	TickPeriod time.Duration
	Logger     *log.Logger
	// Output returns the writer a new session reports to.
	Output  func(id string) io.Writer
	Execute func(s *session.Session, line string) bool
	OnEvent func(s *session.Session, ev client.Event)
	// Spread jitters pacing delays. Defaults to jitter.Spread with
	// jitter.DefaultFraction.
	Spread func(time.Duration) time.Duration
}

type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session.Session
	pending  map[string]bool
	order    []string
	active   string
}

func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Output == nil {
		cfg.Output = func(string) io.Writer { return io.Discard }
	}
	if cfg.Spread == nil {
		cfg.Spread = func(d time.Duration) time.Duration {
			return jitter.Spread(d, jitter.DefaultFraction)
		}
	}
	return &Supervisor{
		cfg:      cfg,
		sessions: map[string]*session.Session{},
		pending:  map[string]bool{},
	}
}

// reserve claims id so that concurrent creations under the same id fail while
// the first one is still connecting.
func (s *Supervisor) reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.sessions[id]; found || s.pending[id] {
		return errors.Wrapf(ErrDuplicateSessionID, "%q", id)
	}
	s.pending[id] = true
	return nil
}

// Create persists settings under id, opens the session and registers it. The
// first session created outside of bulk creation becomes active. A session
// that fails to connect is still created, in degraded mode.
func (s *Supervisor) Create(ctx context.Context, id string, settings structs.SessionConfig, bulk bool) (*session.Session, error) {
	if !storage.ValidName(id) {
		return nil, errors.Wrapf(storage.ErrInvalidName, "%q", id)
	}
	if err := s.reserve(id); err != nil {
		return nil, err
	}
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveConfig(id, settings); err != nil {
			return nil, err
		}
	}
	var assigned *structs.Proxy
	if settings.UseProxy && s.cfg.Proxies != nil {
		if assigned = s.cfg.Proxies.Next(); assigned == nil {
			s.cfg.Logger.Printf("no working proxy for %q, connecting directly", id)
		}
	}
	sess := session.Open(swarmbot.WithSessionID(ctx, id), session.Config{
		ID:         id,
		Settings:   settings,
		Proxy:      assigned,
		Dialer:     s.cfg.Dialer,
		Clock:      s.cfg.Clock,
		Out:        s.cfg.Output(id),
		TickPeriod: s.cfg.TickPeriod,
		Execute:    s.cfg.Execute,
		OnEvent:    s.cfg.OnEvent,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sess
	s.order = append(s.order, id)
	if !bulk && len(s.sessions) == 1 {
		s.active = id
	}
	return sess, nil
}

// Load creates a session from its saved configuration. It returns false if
// no configuration is saved under id.
func (s *Supervisor) Load(ctx context.Context, id string) (*session.Session, bool, error) {
	if s.cfg.Store == nil {
		return nil, false, nil
	}
	settings, found, err := s.cfg.Store.LoadConfig(id)
	if err != nil || !found {
		return nil, false, err
	}
	sess, err := s.Create(ctx, id, settings, false)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Remove closes the session and drops it from the registry. It returns false
// if id is unknown. A failure to disconnect is logged and does not keep the
// session registered.
func (s *Supervisor) Remove(id string) bool {
	sess, found := s.Get(id)
	if !found {
		return false
	}
	if err := sess.Close(); err != nil {
		s.cfg.Logger.Printf("closing %q: %v", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	for idx, other := range s.order {
		if other == id {
			s.order = append(s.order[:idx], s.order[idx+1:]...)
			break
		}
	}
	if s.active == id {
		s.active = ""
		if len(s.order) > 0 {
			s.active = s.order[0]
		}
	}
	return true
}

// SetActive makes id the session that unqualified commands go to.
func (s *Supervisor) SetActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.sessions[id]; !found {
		s.cfg.Logger.Printf("can't activate unknown session %q", id)
		return false
	}
	s.active = id
	return true
}

func (s *Supervisor) Active() (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, found := s.sessions[s.active]
	return sess, found
}

func (s *Supervisor) Get(id string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, found := s.sessions[id]
	return sess, found
}

// List returns the sessions in creation order.
func (s *Supervisor) List() []*session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*session.Session, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, s.sessions[id])
	}
	return result
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CloseAll removes every session.
func (s *Supervisor) CloseAll() {
	for _, sess := range s.List() {
		s.Remove(sess.ID)
	}
}

// Expand replaces the {username} and {password} placeholders of a login
// command.
func Expand(command string, settings structs.SessionConfig) string {
	return strings.NewReplacer(
		"{username}", settings.Username,
		"{password}", settings.Password,
	).Replace(command)
}

// CreateMany creates count sessions based on base, each with a freshly
// generated name that doubles as its id. Creations are spaced by delay, and
// once all exist every session is sent base's login commands, each command
// delay after the previous one. All delays are jittered. If ctx ends the
// pacing, the sessions created so far are returned with the context error.
func (s *Supervisor) CreateMany(ctx context.Context, count int, base structs.SessionConfig, delay time.Duration) ([]*session.Session, error) {
	if s.cfg.Names == nil {
		return nil, swarmbot.WithStack(ErrNoNames)
	}
	generated, err := s.cfg.Names.Generate(count)
	if err != nil {
		return nil, err
	}
	s.cfg.Logger.Printf("creating %s: %s", lang.Count(len(generated), "session"), strings.Join(generated, ", "))

	created := []*session.Session{}
	for idx, name := range generated {
		if idx > 0 && !clock.Wait(ctx, s.cfg.Clock, s.cfg.Spread(delay)) {
			return created, swarmbot.WithStack(ctx.Err())
		}
		settings, err := base.Clone()
		if err != nil {
			return created, err
		}
		settings.Username = name
		if settings.Password == "" {
			settings.Password = faker.Password()
		}
		sess, err := s.Create(ctx, name, settings, true)
		if err != nil {
			s.cfg.Logger.Printf("creating %q failed: %v", name, err)
			continue
		}
		created = append(created, sess)
		s.cfg.Logger.Printf("created %q (%d/%d)", name, idx+1, len(generated))
	}

	for _, sess := range created {
		s.scheduleLogin(sess, delay)
	}
	return created, nil
}

func (s *Supervisor) scheduleLogin(sess *session.Session, delay time.Duration) {
	settings := sess.Settings()
	steps := []structs.Step{}
	for _, command := range settings.Login.Commands {
		steps = append(steps, structs.Step{
			Command:     Expand(command, settings),
			DelayMillis: s.cfg.Spread(delay).Milliseconds(),
		})
	}
	if len(steps) == 0 {
		return
	}
	if err := sess.Scheduler.ScheduleSequence(LoginSequenceID, steps, scheduler.Options{}); err != nil {
		sess.Logf("scheduling login: %v", err)
	}
}

// Result is the outcome of routing a command to one session.
type Result struct {
	ID      string
	Handled bool
}

// ExecuteOn runs command on session id. It returns false if the session is
// unknown or did not handle the command.
func (s *Supervisor) ExecuteOn(id string, command string) bool {
	sess, found := s.Get(id)
	if !found {
		s.cfg.Logger.Printf("no session %q", id)
		return false
	}
	return s.executeSafely(sess, command)
}

// ExecuteOnAll runs command on every session, sorted by id. A session failing
// or panicking does not stop the rest.
func (s *Supervisor) ExecuteOnAll(command string) []Result {
	sessions := s.List()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	result := make([]Result, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, Result{ID: sess.ID, Handled: s.executeSafely(sess, command)})
	}
	return result
}

func (s *Supervisor) executeSafely(sess *session.Session, command string) (handled bool) {
	defer func() {
		if e := recover(); e != nil {
			s.cfg.Logger.Printf("%q panicked running %q: %v", sess.ID, command, e)
			handled = false
		}
	}()
	return sess.Execute(command)
}
