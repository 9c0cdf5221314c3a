// Package scheduler runs planned commands for one bot session. It keeps three
// independent domains: tick entries driven by a fixed-rate internal clock,
// wall-clock entries (delay, date and cron), and multi-step sequences.
package scheduler

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/zond/swarmbot"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/structs"
)

var (
	ErrInvalidScheduleExpression = errors.New("invalid schedule expression")
	ErrMissingTiming             = errors.New("missing timing option")
	ErrInvalidSchedule           = errors.New("invalid schedule")
	ErrClosed                    = errors.New("scheduler closed")
)

const (
	// DefaultTickPeriod matches a game simulation step.
	DefaultTickPeriod = 50 * time.Millisecond
	// DefaultRepeatDelay is the pause between runs of a repeating sequence.
	DefaultRepeatDelay = time.Second
)

var (
	cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Executor runs one command line on behalf of the scheduler.
type Executor func(command string) error

type Config struct {
	Clock      clock.Clock
	Executor   Executor
	TickPeriod time.Duration
	Logger     *log.Logger
}

// Options selects the timing rule of an entry. Exactly one of Ticks, Cron, At
// and Delay is used, in that order of precedence.
type Options struct {
	Ticks       int
	Cron        string
	At          time.Time
	Delay       time.Duration
	Repeat      bool
	RepeatDelay time.Duration
}

type tickEntry struct {
	entry structs.Entry
	start uint64
	fired uint64
}

type timedEntry struct {
	entry    structs.Entry
	schedule cron.Schedule
	timer    clock.Timer
	next     time.Time
	fired    uint64
}

type sequenceRun struct {
	entry   structs.Entry
	index   int
	running bool
	run     int
	timer   clock.Timer
	next    time.Time
}

type Scheduler struct {
	clock      clock.Clock
	exec       Executor
	tickPeriod time.Duration
	logger     *log.Logger

	mu        sync.Mutex
	closed    bool
	tick      uint64
	ticker    clock.Timer
	ticks     map[string]*tickEntry
	timed     map[string]*timedEntry
	sequences map[string]*sequenceRun
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		clock:      cfg.Clock,
		exec:       cfg.Executor,
		tickPeriod: cfg.TickPeriod,
		logger:     cfg.Logger,
		ticks:      map[string]*tickEntry{},
		timed:      map[string]*timedEntry{},
		sequences:  map[string]*sequenceRun{},
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.tickPeriod <= 0 {
		s.tickPeriod = DefaultTickPeriod
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s
}

func (s *Scheduler) logf(format string, args ...any) {
	s.logger.Printf(format, args...)
}

// ParseCron validates a five or six field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidScheduleExpression, "%q: %v", expr, err)
	}
	return sched, nil
}

// Schedule creates or replaces the entry id, firing command according to opts.
// Invalid timing is rejected before any timer exists.
func (s *Scheduler) Schedule(id string, command string, opts Options) error {
	if id == "" {
		return errors.Wrap(ErrInvalidSchedule, "empty id")
	}
	if command == "" {
		return errors.Wrap(ErrInvalidSchedule, "empty command")
	}
	entry := structs.Entry{
		ID:      id,
		Command: command,
		Repeat:  opts.Repeat,
	}
	switch {
	case opts.Ticks < 0:
		return errors.Wrapf(ErrInvalidSchedule, "negative tick interval %d", opts.Ticks)
	case opts.Ticks > 0:
		entry.Kind = structs.KindTick
		entry.Ticks = opts.Ticks
		entry.Repeat = true
		return s.addTick(entry)
	case opts.Cron != "":
		sched, err := ParseCron(opts.Cron)
		if err != nil {
			return err
		}
		if sched.Next(s.clock.Now()).IsZero() {
			return errors.Wrapf(ErrInvalidScheduleExpression, "%q never fires", opts.Cron)
		}
		entry.Kind = structs.KindCron
		entry.Cron = opts.Cron
		return s.addTimed(&timedEntry{entry: entry, schedule: sched})
	case !opts.At.IsZero():
		if !opts.At.After(s.clock.Now()) {
			return errors.Wrapf(ErrInvalidSchedule, "date %v is not in the future", opts.At)
		}
		if entry.Repeat {
			s.logf("%s: repeat is not supported for date entries, it will fire once", id)
			entry.Repeat = false
		}
		at := opts.At
		entry.Kind = structs.KindDate
		entry.At = &at
		return s.addTimed(&timedEntry{entry: entry})
	case opts.Delay < 0:
		return errors.Wrapf(ErrInvalidSchedule, "negative delay %v", opts.Delay)
	case opts.Delay > 0:
		entry.Kind = structs.KindDelay
		entry.DelayMillis = opts.Delay.Milliseconds()
		return s.addTimed(&timedEntry{entry: entry})
	}
	return errors.Wrapf(ErrMissingTiming, "%q needs ticks, cron, date or delay", id)
}

// ScheduleSequence creates or replaces the entry id with an ordered program of
// steps. Each step fires its own delay after the previous one.
func (s *Scheduler) ScheduleSequence(id string, steps []structs.Step, opts Options) error {
	if id == "" {
		return errors.Wrap(ErrInvalidSchedule, "empty id")
	}
	if len(steps) == 0 {
		return errors.Wrapf(ErrInvalidSchedule, "%q has no steps", id)
	}
	for idx, step := range steps {
		if step.Command == "" {
			return errors.Wrapf(ErrInvalidSchedule, "%q step %d has no command", id, idx)
		}
		if step.DelayMillis < 0 {
			return errors.Wrapf(ErrInvalidSchedule, "%q step %d has negative delay", id, idx)
		}
	}
	if opts.RepeatDelay < 0 {
		return errors.Wrapf(ErrInvalidSchedule, "%q has negative repeat delay", id)
	}
	repeatDelay := opts.RepeatDelay
	if repeatDelay == 0 {
		repeatDelay = DefaultRepeatDelay
	}
	entry := structs.Entry{
		ID:                id,
		Kind:              structs.KindSequence,
		Steps:             append([]structs.Step(nil), steps...),
		Repeat:            opts.Repeat,
		RepeatDelayMillis: repeatDelay.Milliseconds(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return swarmbot.WithStack(ErrClosed)
	}
	s.cancelLocked(id)
	entry.CreatedAt = s.clock.Now()
	run := &sequenceRun{entry: entry, running: true}
	s.sequences[id] = run
	s.armStepLocked(run, 0)
	return nil
}

func (s *Scheduler) addTick(entry structs.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return swarmbot.WithStack(ErrClosed)
	}
	s.cancelLocked(entry.ID)
	entry.CreatedAt = s.clock.Now()
	s.ticks[entry.ID] = &tickEntry{entry: entry, start: s.tick}
	if s.ticker == nil {
		s.ticker = s.clock.TickFunc(s.tickPeriod, s.onTick)
	}
	return nil
}

func (s *Scheduler) addTimed(e *timedEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return swarmbot.WithStack(ErrClosed)
	}
	s.cancelLocked(e.entry.ID)
	now := s.clock.Now()
	e.entry.CreatedAt = now
	s.timed[e.entry.ID] = e
	s.armTimedLocked(e, now)
	return nil
}

func (s *Scheduler) armTimedLocked(e *timedEntry, now time.Time) {
	switch e.entry.Kind {
	case structs.KindCron:
		e.next = e.schedule.Next(now)
	case structs.KindDate:
		e.next = *e.entry.At
	case structs.KindDelay:
		e.next = now.Add(time.Duration(e.entry.DelayMillis) * time.Millisecond)
	}
	if e.next.IsZero() {
		delete(s.timed, e.entry.ID)
		return
	}
	e.timer = s.clock.AfterFunc(e.next.Sub(now), func() {
		s.fireTimed(e)
	})
}

func (s *Scheduler) fireTimed(e *timedEntry) {
	s.mu.Lock()
	if s.timed[e.entry.ID] != e {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	e.fired++
	if !e.entry.Repeat {
		delete(s.timed, e.entry.ID)
	}
	s.mu.Unlock()

	s.execute(e.entry.ID, e.entry.Command)

	if !e.entry.Repeat {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-arming after execution gives a fixed delay between completions.
	if s.timed[e.entry.ID] == e && !s.closed {
		s.armTimedLocked(e, s.clock.Now())
	}
}

func (s *Scheduler) onTick() {
	s.mu.Lock()
	s.tick++
	due := []*tickEntry{}
	for _, e := range s.ticks {
		if (s.tick-e.start)%uint64(e.entry.Ticks) == 0 {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].entry.ID < due[j].entry.ID
	})
	for _, e := range due {
		s.mu.Lock()
		current := s.ticks[e.entry.ID] == e
		if current {
			e.fired++
		}
		s.mu.Unlock()
		if current {
			s.execute(e.entry.ID, e.entry.Command)
		}
	}
}

func (s *Scheduler) armStepLocked(run *sequenceRun, extra time.Duration) {
	d := run.entry.Steps[run.index].Delay() + extra
	run.next = s.clock.Now().Add(d)
	run.timer = s.clock.AfterFunc(d, func() {
		s.fireStep(run)
	})
}

func (s *Scheduler) fireStep(run *sequenceRun) {
	s.mu.Lock()
	if s.sequences[run.entry.ID] != run {
		s.mu.Unlock()
		return
	}
	run.timer = nil
	step := run.entry.Steps[run.index]
	run.index++
	s.mu.Unlock()

	s.execute(run.entry.ID, step.Command)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequences[run.entry.ID] != run || s.closed {
		return
	}
	switch {
	case run.index < len(run.entry.Steps):
		s.armStepLocked(run, 0)
	case run.entry.Repeat:
		run.running = false
		next := &sequenceRun{
			entry:   run.entry,
			running: true,
			run:     run.run + 1,
		}
		s.sequences[run.entry.ID] = next
		s.armStepLocked(next, time.Duration(run.entry.RepeatDelayMillis)*time.Millisecond)
	default:
		run.running = false
		delete(s.sequences, run.entry.ID)
	}
}

// execute is the single funnel for every firing. A failing or panicking
// command is logged and never reaches the timers.
func (s *Scheduler) execute(id string, command string) {
	defer func() {
		if e := recover(); e != nil {
			s.logf("%s: %q panicked: %v", id, command, e)
		}
	}()
	if s.exec == nil {
		s.logf("%s: no executor for %q", id, command)
		return
	}
	if err := s.exec(command); err != nil {
		s.logf("%s: %q failed: %v", id, command, err)
	}
}

// Cancel removes the entry id from whichever domain holds it. It returns false
// if there was no such entry. A firing already handed to the executor is not
// affected.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(id)
}

func (s *Scheduler) cancelLocked(id string) bool {
	found := false
	if _, ok := s.ticks[id]; ok {
		delete(s.ticks, id)
		found = true
		if len(s.ticks) == 0 && s.ticker != nil {
			s.ticker.Stop()
			s.ticker = nil
		}
	}
	if e, ok := s.timed[id]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.timed, id)
		found = true
	}
	if run, ok := s.sequences[id]; ok {
		if run.timer != nil {
			run.timer.Stop()
		}
		run.running = false
		delete(s.sequences, id)
		found = true
	}
	return found
}

// Cleanup cancels every entry, stops the tick clock and refuses further
// scheduling.
func (s *Scheduler) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	ids := []string{}
	for id := range s.ticks {
		ids = append(ids, id)
	}
	for id := range s.timed {
		ids = append(ids, id)
	}
	for id := range s.sequences {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.cancelLocked(id)
	}
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

// Has reports whether id is live in any domain.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, tick := s.ticks[id]
	_, timed := s.timed[id]
	_, seq := s.sequences[id]
	return tick || timed || seq
}

// Ticks returns the number of internal clock ticks so far.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Describe renders the timing rule of an entry for listings.
func Describe(e structs.Entry) string {
	switch e.Kind {
	case structs.KindTick:
		return fmt.Sprintf("every %d ticks", e.Ticks)
	case structs.KindCron:
		return fmt.Sprintf("cron %q", e.Cron)
	case structs.KindDate:
		if e.At != nil {
			return fmt.Sprintf("at %s", e.At.Format(time.RFC3339))
		}
	case structs.KindDelay:
		if e.Repeat {
			return fmt.Sprintf("every %v", time.Duration(e.DelayMillis)*time.Millisecond)
		}
		return fmt.Sprintf("after %v", time.Duration(e.DelayMillis)*time.Millisecond)
	case structs.KindSequence:
		return fmt.Sprintf("%d steps", len(e.Steps))
	}
	return string(e.Kind)
}
