// Package task runs the autonomous place and break loop of a session.
//
// The loop is an explicit state machine. Each call to step performs at most
// one game action and returns how long to wait before the next call, so the
// same logic runs unchanged under a real or a fake clock.
package task

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/lang"
)

const (
	PollInterval     = time.Second
	RetryWait        = 500 * time.Millisecond
	MissingItemWait  = 5 * time.Second
	ActionWait       = 250 * time.Millisecond
	ResumeBuffer     = 2 * time.Second
	ProgressInterval = 30 * time.Second

	DefaultProgressEvery = 10
	MaxBreakAttempts     = 3
	RepositionEvery      = 3
)

var (
	ErrInvalidParams = errors.New("invalid task parameters")
)

type Params struct {
	Block  string
	Count  int
	Radius int
}

type Stats struct {
	Placed      int `json:"placed"`
	Broken      int `json:"broken"`
	Failed      int `json:"failed"`
	Repositions int `json:"repositions"`
}

type Status struct {
	Params    Params
	Completed int
	Stats     Stats
	Running   bool
	Paused    bool
	ResumeAt  time.Time
	Started   time.Time
	Elapsed   time.Duration
	State     string
}

// PerMinute is the completion rate so far.
func (s Status) PerMinute() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Completed) / s.Elapsed.Minutes()
}

func (s Status) String() string {
	state := "stopped"
	switch {
	case s.Paused:
		state = fmt.Sprintf("paused until %s", s.ResumeAt.Format(time.TimeOnly))
	case s.Running:
		state = s.State
	}
	return fmt.Sprintf("%s %d/%d (%s), placed %d, broken %d, failed %d, %.1f/min",
		s.Params.Block, s.Completed, s.Params.Count, state,
		s.Stats.Placed, s.Stats.Broken, s.Stats.Failed, s.PerMinute())
}

type Config struct {
	Client client.Client
	Clock  clock.Clock
	// Token, if set, is held for the lifetime of each task.
	Token         *client.ControlToken
	Logger        *log.Logger
	ProgressEvery int
	// Intn picks reposition offsets. Defaults to math/rand.
	Intn func(n int) int
}

// Runner owns the single task slot of a session.
type Runner struct {
	cfg Config
	nav client.Navigator

	mu      sync.Mutex
	current *run
	last    *Status
}

func NewRunner(cfg Config) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.Intn == nil {
		cfg.Intn = rand.IntN
	}
	r := &Runner{cfg: cfg}
	r.nav, _ = cfg.Client.(client.Navigator)
	return r
}

type state int

const (
	stateFindItem state = iota
	statePlace
	stateBreak
)

func (s state) String() string {
	switch s {
	case statePlace:
		return "placing"
	case stateBreak:
		return "breaking"
	}
	return "looking for blocks"
}

type run struct {
	runner   *Runner
	params   Params
	variants []string
	sub      *client.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	release  func()

	// Owned by the loop goroutine.
	item          client.Item
	target        client.Vec
	consecutive   int
	breakAttempts int
	jumping       bool
	lastProgress  time.Time

	mu          sync.Mutex
	state       state
	completed   int
	stats       Stats
	paused      bool
	resumeAt    time.Time
	resumeTimer clock.Timer
	resumeGen   uint64
	started     time.Time
	finished    bool
}

func (r *Runner) logf(format string, args ...any) {
	r.cfg.Logger.Printf(format, args...)
}

func (r *Runner) newRun(params Params) *run {
	now := r.cfg.Clock.Now()
	return &run{
		runner:       r,
		params:       params,
		variants:     NameVariants(params.Block),
		done:         make(chan struct{}),
		started:      now,
		lastProgress: now,
	}
}

// Start stops any running task, flushing its statistics, and starts a new one.
// It fails with client.ErrSessionBusy if another handler holds the session's
// control token.
func (r *Runner) Start(ctx context.Context, params Params) error {
	if params.Block == "" || normalize(params.Block) == "" {
		return errors.Wrap(ErrInvalidParams, "missing block name")
	}
	if params.Count <= 0 {
		return errors.Wrapf(ErrInvalidParams, "count must be positive, got %d", params.Count)
	}
	if params.Radius < 0 {
		return errors.Wrapf(ErrInvalidParams, "radius must not be negative, got %d", params.Radius)
	}
	r.Stop()

	rn := r.newRun(params)
	if r.cfg.Token != nil {
		release, err := r.cfg.Token.Acquire("task " + params.Block)
		if err != nil {
			return err
		}
		rn.release = release
	}
	rn.sub = r.cfg.Client.Subscribe(rn.onEvent)
	ctx, rn.cancel = context.WithCancel(ctx)

	r.mu.Lock()
	r.current = rn
	r.mu.Unlock()

	r.logf("task started: %s of %s, radius %d", lang.Count(params.Count, "cycle"), params.Block, params.Radius)
	go rn.loop(ctx)
	return nil
}

// Stop ends the running task and waits for it to flush its statistics. It
// returns false if no task was running.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	rn := r.current
	r.mu.Unlock()
	if rn == nil {
		return false
	}
	rn.cancel()
	<-rn.done
	return true
}

// Status returns the running task's status, or the final status of the last
// task. It returns false if no task has run.
func (r *Runner) Status() (Status, bool) {
	r.mu.Lock()
	rn, last := r.current, r.last
	r.mu.Unlock()
	if rn != nil {
		return rn.status(), true
	}
	if last != nil {
		return *last, true
	}
	return Status{}, false
}

// Running reports whether a task is live.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

func (rn *run) status() Status {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return Status{
		Params:    rn.params,
		Completed: rn.completed,
		Stats:     rn.stats,
		Running:   !rn.finished,
		Paused:    rn.paused,
		ResumeAt:  rn.resumeAt,
		Started:   rn.started,
		Elapsed:   rn.runner.cfg.Clock.Now().Sub(rn.started),
		State:     rn.state.String(),
	}
}

func (rn *run) loop(ctx context.Context) {
	defer rn.finish()
	for {
		wait, done := rn.step()
		if done {
			return
		}
		if !clock.Wait(ctx, rn.runner.cfg.Clock, wait) {
			return
		}
	}
}

func (rn *run) finish() {
	r := rn.runner
	rn.sub.Close()
	rn.mu.Lock()
	rn.finished = true
	rn.paused = false
	if rn.resumeTimer != nil {
		rn.resumeTimer.Stop()
		rn.resumeTimer = nil
	}
	rn.mu.Unlock()
	if err := r.cfg.Client.ClearControls(); err != nil {
		r.logf("releasing controls: %v", err)
	}
	if r.nav != nil && r.nav.Navigating() {
		if err := r.nav.StopNavigation(); err != nil {
			r.logf("stopping navigation: %v", err)
		}
	}
	if rn.release != nil {
		rn.release()
	}
	final := rn.status()
	r.logf("task finished: %v", final)

	r.mu.Lock()
	if r.current == rn {
		r.current = nil
	}
	r.last = &final
	r.mu.Unlock()
	close(rn.done)
}

func (rn *run) isPaused() bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.paused
}

func (rn *run) currentState() state {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.state
}

func (rn *run) setState(s state) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	rn.state = s
}

// step performs the next action and returns how long to wait before the
// following one, or done when the target count is reached.
func (rn *run) step() (wait time.Duration, done bool) {
	if rn.isPaused() {
		return PollInterval, false
	}
	switch rn.currentState() {
	case statePlace:
		return rn.place(), false
	case stateBreak:
		return rn.dig()
	default:
		return rn.findItem(), false
	}
}

func (rn *run) findItem() time.Duration {
	r := rn.runner
	items, err := r.cfg.Client.Inventory()
	if err != nil {
		r.logf("reading inventory: %v", err)
		return RetryWait
	}
	item, found := MatchItem(items, rn.variants)
	if !found {
		r.logf("no %s in inventory, waiting", rn.params.Block)
		return MissingItemWait
	}
	if err := r.cfg.Client.Equip(item, client.MainHand); err != nil {
		r.logf("equipping %s: %v", item.Name, err)
		return RetryWait
	}
	rn.item = item
	rn.setState(statePlace)
	return 0
}

func (rn *run) place() time.Duration {
	r := rn.runner
	if rn.jumping {
		rn.jumping = false
		if err := r.cfg.Client.SetControl(client.Jump, false); err != nil {
			r.logf("releasing jump: %v", err)
		}
	}
	pos, err := r.cfg.Client.Position()
	if err != nil {
		r.logf("reading position: %v", err)
		return RetryWait
	}
	base := pos.Floor()
	ref := base.Add(client.East).Add(client.Down)
	target := ref.Add(client.Up)
	if err := r.cfg.Client.LookAt(target); err != nil {
		r.logf("looking at %v: %v", target, err)
	}
	if err := r.cfg.Client.Place(ref, client.Up); err != nil {
		rn.consecutive++
		rn.mu.Lock()
		rn.stats.Failed++
		rn.mu.Unlock()
		r.logf("placing %s failed (%d in a row): %v", rn.item.Name, rn.consecutive, err)
		if rn.consecutive%RepositionEvery == 0 {
			rn.reposition(base)
		}
		return RetryWait
	}
	rn.consecutive = 0
	rn.breakAttempts = 0
	rn.target = target
	rn.mu.Lock()
	rn.stats.Placed++
	rn.state = stateBreak
	rn.mu.Unlock()
	return ActionWait
}

func (rn *run) reposition(base client.Vec) {
	r := rn.runner
	rn.mu.Lock()
	rn.stats.Repositions++
	rn.mu.Unlock()
	if r.nav != nil {
		radius := max(rn.params.Radius, 1)
		dest := base.Add(client.Vec{
			X: float64(r.cfg.Intn(2*radius+1) - radius),
			Z: float64(r.cfg.Intn(2*radius+1) - radius),
		})
		r.logf("repositioning to %v", dest)
		if err := r.nav.SetGoal(dest, 1); err != nil {
			r.logf("repositioning: %v", err)
		}
		return
	}
	r.logf("repositioning by jumping")
	if err := r.cfg.Client.SetControl(client.Jump, true); err != nil {
		r.logf("repositioning: %v", err)
		return
	}
	rn.jumping = true
}

func (rn *run) dig() (time.Duration, bool) {
	r := rn.runner
	if err := r.cfg.Client.Dig(rn.target); err != nil {
		rn.breakAttempts++
		if rn.breakAttempts < MaxBreakAttempts {
			return RetryWait, false
		}
		rn.mu.Lock()
		rn.stats.Failed++
		rn.state = stateFindItem
		rn.mu.Unlock()
		r.logf("giving up breaking %v after %s: %v", rn.target, lang.Count(rn.breakAttempts, "attempt"), err)
		return RetryWait, false
	}
	rn.mu.Lock()
	rn.stats.Broken++
	rn.completed++
	completed := rn.completed
	rn.state = stateFindItem
	rn.mu.Unlock()
	final := completed >= rn.params.Count
	rn.progress(completed, final)
	if final {
		return 0, true
	}
	return ActionWait, false
}

// progress logs every ProgressEvery completions, every ProgressInterval, and
// on the final completion.
func (rn *run) progress(completed int, final bool) {
	r := rn.runner
	now := r.cfg.Clock.Now()
	if !final && completed%r.cfg.ProgressEvery != 0 && now.Sub(rn.lastProgress) < ProgressInterval {
		return
	}
	rn.lastProgress = now
	r.logf("progress: %d/%d, %v", completed, rn.params.Count, rn.status())
}

func (rn *run) onEvent(ev client.Event) {
	if ev.Kind != client.EventMessage {
		return
	}
	switch sig, d := ParseMaintenance(ev.Text); sig {
	case Warning:
		rn.pause(d)
	case Cleared:
		rn.resume("cleanup finished")
	}
}

// pause stops work until d plus ResumeBuffer has passed, or until resume.
func (rn *run) pause(d time.Duration) {
	r := rn.runner
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.finished {
		return
	}
	if rn.resumeTimer != nil {
		rn.resumeTimer.Stop()
	}
	wait := d + ResumeBuffer
	rn.paused = true
	rn.resumeAt = r.cfg.Clock.Now().Add(wait)
	rn.resumeGen++
	gen := rn.resumeGen
	rn.resumeTimer = r.cfg.Clock.AfterFunc(wait, func() {
		rn.mu.Lock()
		current := rn.resumeGen == gen
		rn.mu.Unlock()
		if current {
			rn.resume("cleanup deadline passed")
		}
	})
	r.logf("cleanup announced, pausing for %v", wait)
}

func (rn *run) resume(reason string) {
	rn.mu.Lock()
	if !rn.paused {
		rn.mu.Unlock()
		return
	}
	rn.paused = false
	rn.resumeAt = time.Time{}
	rn.resumeGen++
	if rn.resumeTimer != nil {
		rn.resumeTimer.Stop()
		rn.resumeTimer = nil
	}
	rn.mu.Unlock()
	rn.runner.logf("resuming: %s", reason)
}
