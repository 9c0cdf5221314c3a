package scheduler

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/structs"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type firing struct {
	Command string
	At      time.Duration
}

type harness struct {
	clock *clock.Fake
	sched *Scheduler
	mu    sync.Mutex
	fired []firing
	fail  map[string]error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: clock.NewFake(epoch),
		fail:  map[string]error{},
	}
	h.sched = New(Config{
		Clock: h.clock,
		Executor: func(command string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.fired = append(h.fired, firing{Command: command, At: h.clock.Now().Sub(epoch)})
			if command == "panic" {
				panic("handler exploded")
			}
			return h.fail[command]
		},
		Logger: log.New(io.Discard, "", 0),
	})
	t.Cleanup(h.sched.Cleanup)
	return h
}

func (h *harness) commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := []string{}
	for _, f := range h.fired {
		result = append(result, f.Command)
	}
	return result
}

func (h *harness) count(command string) int {
	n := 0
	for _, c := range h.commands() {
		if c == command {
			n++
		}
	}
	return n
}

func TestTickFiringCount(t *testing.T) {
	for _, tc := range []struct {
		interval int
		ticks    int
	}{
		{1, 0}, {1, 7}, {3, 2}, {3, 3}, {3, 10}, {5, 4}, {5, 17}, {20, 100},
	} {
		t.Run(fmt.Sprintf("%d/%d", tc.interval, tc.ticks), func(t *testing.T) {
			h := newHarness(t)
			if err := h.sched.Schedule("t", "jump", Options{Ticks: tc.interval}); err != nil {
				t.Fatal(err)
			}
			h.clock.Advance(time.Duration(tc.ticks) * DefaultTickPeriod)
			if got, want := h.count("jump"), tc.ticks/tc.interval; got != want {
				t.Errorf("got %v firings, want %v", got, want)
			}
		})
	}
}

func TestTickCountsFromCreation(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Schedule("first", "a", Options{Ticks: 1}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(7 * DefaultTickPeriod)
	if err := h.sched.Schedule("second", "b", Options{Ticks: 5}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(4 * DefaultTickPeriod)
	if got := h.count("b"); got != 0 {
		t.Errorf("got %v firings of b after 4 ticks, want 0", got)
	}
	h.clock.Advance(DefaultTickPeriod)
	if got := h.count("b"); got != 1 {
		t.Errorf("got %v firings of b after 5 ticks, want 1", got)
	}
}

func TestTickClockStopsWithLastEntry(t *testing.T) {
	h := newHarness(t)
	if n := h.clock.Pending(); n != 0 {
		t.Fatalf("got %v pending before any entry, want 0", n)
	}
	if err := h.sched.Schedule("a", "a", Options{Ticks: 2}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Schedule("b", "b", Options{Ticks: 3}); err != nil {
		t.Fatal(err)
	}
	if n := h.clock.Pending(); n != 1 {
		t.Errorf("got %v pending with two tick entries, want one shared clock", n)
	}
	h.sched.Cancel("a")
	if n := h.clock.Pending(); n != 1 {
		t.Errorf("got %v pending with one tick entry, want 1", n)
	}
	h.sched.Cancel("b")
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("got %v pending with no tick entries, want 0", n)
	}
}

func TestReplaceCancelsOld(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Schedule("x", "old", Options{Delay: 100 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Schedule("x", "new", Options{Delay: 200 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if n := h.clock.Pending(); n != 1 {
		t.Errorf("got %v pending after replace, want 1", n)
	}
	h.clock.Advance(time.Second)
	if diff := cmp.Diff([]string{"new"}, h.commands()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestReplaceAcrossDomains(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Schedule("x", "tick", Options{Ticks: 1}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.ScheduleSequence("x", []structs.Step{{Command: "seq", DelayMillis: 10}}, Options{}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Schedule("x", "delay", Options{Delay: 30 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	snap := h.sched.Snapshot()
	if snap.Len() != 1 || len(snap.Scheduled) != 1 {
		t.Errorf("got %+v, want only the delay entry", snap)
	}
	h.clock.Advance(time.Second)
	if diff := cmp.Diff([]string{"delay"}, h.commands()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("got %v pending, want 0", n)
	}
}

func TestDelay(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Schedule("once", "once", Options{Delay: 100 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Schedule("again", "again", Options{Delay: 100 * time.Millisecond, Repeat: true}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(350 * time.Millisecond)
	want := []firing{
		{"once", 100 * time.Millisecond},
		{"again", 100 * time.Millisecond},
		{"again", 200 * time.Millisecond},
		{"again", 300 * time.Millisecond},
	}
	if diff := cmp.Diff(want, h.fired, cmpopts.SortSlices(func(a, b firing) bool {
		if a.At == b.At {
			return a.Command < b.Command
		}
		return a.At < b.At
	})); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if h.sched.Has("once") {
		t.Error("one-shot delay entry survived its firing")
	}
	if !h.sched.Has("again") {
		t.Error("repeating delay entry disappeared")
	}
}

func TestDelayRepeatIsFixedDelay(t *testing.T) {
	h := newHarness(t)
	// The command itself takes 30ms; the next firing must come 100ms after it completes.
	h.sched.exec = func(command string) error {
		h.mu.Lock()
		h.fired = append(h.fired, firing{Command: command, At: h.clock.Now().Sub(epoch)})
		h.mu.Unlock()
		h.clock.Advance(30 * time.Millisecond)
		return nil
	}
	if err := h.sched.Schedule("slow", "slow", Options{Delay: 100 * time.Millisecond, Repeat: true}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(100 * time.Millisecond)
	h.clock.Advance(200 * time.Millisecond)
	want := []firing{
		{"slow", 100 * time.Millisecond},
		{"slow", 230 * time.Millisecond},
	}
	if diff := cmp.Diff(want, h.fired); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestDate(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Schedule("past", "x", Options{At: epoch.Add(-time.Second)}); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("got %v, want ErrInvalidSchedule", err)
	}
	if err := h.sched.Schedule("d", "date", Options{At: epoch.Add(time.Minute), Repeat: true}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(10 * time.Minute)
	if diff := cmp.Diff([]firing{{"date", time.Minute}}, h.fired); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if h.sched.Has("d") {
		t.Error("date entry survived its firing")
	}
}

func TestCronOnce(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Schedule("c", "cron", Options{Cron: "* * * * * *"}); err != nil {
		t.Fatal(err)
	}
	if got := len(h.sched.Snapshot().Scheduled); got != 1 {
		t.Fatalf("got %v scheduled entries, want 1", got)
	}
	h.clock.Advance(5 * time.Second)
	if diff := cmp.Diff([]firing{{"cron", time.Second}}, h.fired); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if snap := h.sched.Snapshot(); snap.Len() != 0 {
		t.Errorf("got %+v, want no entries", snap)
	}
}

func TestCronRepeat(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Schedule("c", "cron", Options{Cron: "*/2 * * * * *", Repeat: true}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(7 * time.Second)
	if got := h.count("cron"); got != 3 {
		t.Errorf("got %v firings, want 3", got)
	}
	// Five field expressions are minute based.
	if err := h.sched.Schedule("m", "minutely", Options{Cron: "* * * * *", Repeat: true}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(3 * time.Minute)
	if got := h.count("minutely"); got != 3 {
		t.Errorf("got %v minutely firings, want 3", got)
	}
}

func TestScheduleDefinitionErrors(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct {
		name string
		opts Options
		want error
	}{
		{"bad cron", Options{Cron: "not a cron"}, ErrInvalidScheduleExpression},
		{"too many fields", Options{Cron: "* * * * * * * *"}, ErrInvalidScheduleExpression},
		{"no timing", Options{}, ErrMissingTiming},
		{"repeat without timing", Options{Repeat: true}, ErrMissingTiming},
		{"negative ticks", Options{Ticks: -1}, ErrInvalidSchedule},
		{"negative delay", Options{Delay: -time.Second}, ErrInvalidSchedule},
	} {
		if err := h.sched.Schedule(tc.name, "x", tc.opts); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	if err := h.sched.ScheduleSequence("empty", nil, Options{}); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("empty sequence: got %v, want ErrInvalidSchedule", err)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("rejected definitions left %v timers", n)
	}
	if snap := h.sched.Snapshot(); snap.Len() != 0 {
		t.Errorf("rejected definitions left entries %+v", snap)
	}
}

func TestSequenceOrder(t *testing.T) {
	h := newHarness(t)
	steps := []structs.Step{
		{Command: "a", DelayMillis: 0},
		{Command: "b", DelayMillis: 100},
		{Command: "c", DelayMillis: 50},
	}
	if err := h.sched.ScheduleSequence("s", steps, Options{}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(0)
	h.clock.Advance(100 * time.Millisecond)
	if seqs := h.sched.Snapshot().Sequences; len(seqs) != 1 || seqs[0].Index != 2 || !seqs[0].Running {
		t.Errorf("got %+v, want one running sequence at index 2", seqs)
	}
	h.clock.Advance(50 * time.Millisecond)
	want := []firing{
		{"a", 0},
		{"b", 100 * time.Millisecond},
		{"c", 150 * time.Millisecond},
	}
	if diff := cmp.Diff(want, h.fired); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if seqs := h.sched.Snapshot().Sequences; len(seqs) != 0 {
		t.Errorf("got %+v, want finished sequence removed", seqs)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("got %v pending, want 0", n)
	}
}

func TestSequenceCancelMidFlight(t *testing.T) {
	h := newHarness(t)
	steps := []structs.Step{
		{Command: "a", DelayMillis: 0},
		{Command: "b", DelayMillis: 100},
		{Command: "c", DelayMillis: 50},
	}
	if err := h.sched.ScheduleSequence("s", steps, Options{Repeat: true}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(120 * time.Millisecond)
	if !h.sched.Cancel("s") {
		t.Fatal("Cancel returned false for a live sequence")
	}
	h.clock.Advance(time.Minute)
	if diff := cmp.Diff([]string{"a", "b"}, h.commands()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("got %v pending, want 0", n)
	}
}

func TestSequenceRepeat(t *testing.T) {
	h := newHarness(t)
	steps := []structs.Step{
		{Command: "a", DelayMillis: 0},
		{Command: "b", DelayMillis: 100},
	}
	if err := h.sched.ScheduleSequence("s", steps, Options{Repeat: true, RepeatDelay: time.Second}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(1250 * time.Millisecond)
	want := []firing{
		{"a", 0},
		{"b", 100 * time.Millisecond},
		{"a", 1100 * time.Millisecond},
		{"b", 1200 * time.Millisecond},
	}
	if diff := cmp.Diff(want, h.fired); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	seqs := h.sched.Snapshot().Sequences
	if len(seqs) != 1 || seqs[0].Run != 2 || seqs[0].Index != 0 {
		t.Errorf("got %+v, want third run waiting at index 0", seqs)
	}
}

func TestFailuresDoNotStopTheClock(t *testing.T) {
	h := newHarness(t)
	h.fail["bad"] = errors.New("nope")
	for id, cmd := range map[string]string{"bad": "bad", "panic": "panic", "good": "good"} {
		if err := h.sched.Schedule(id, cmd, Options{Ticks: 1}); err != nil {
			t.Fatal(err)
		}
	}
	h.clock.Advance(3 * DefaultTickPeriod)
	for _, cmd := range []string{"bad", "panic", "good"} {
		if got := h.count(cmd); got != 3 {
			t.Errorf("got %v firings of %q, want 3", got, cmd)
		}
	}
}

func TestCancelUnknown(t *testing.T) {
	h := newHarness(t)
	if h.sched.Cancel("nope") {
		t.Error("Cancel returned true for an unknown id")
	}
}

func TestCleanupLeavesNoTimers(t *testing.T) {
	h := newHarness(t)
	if err := h.sched.Schedule("tick", "t", Options{Ticks: 2}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Schedule("delay", "d", Options{Delay: time.Second, Repeat: true}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Schedule("date", "d", Options{At: epoch.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Schedule("cron", "c", Options{Cron: "0 * * * *", Repeat: true}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.ScheduleSequence("seq", []structs.Step{{Command: "s", DelayMillis: 500}}, Options{Repeat: true}); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(1200 * time.Millisecond)
	if n := h.clock.Pending(); n != 5 {
		t.Fatalf("got %v pending, want 5", n)
	}
	h.sched.Cleanup()
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("got %v pending after Cleanup, want 0", n)
	}
	if snap := h.sched.Snapshot(); snap.Len() != 0 {
		t.Errorf("got %+v after Cleanup, want nothing", snap)
	}
	if err := h.sched.Schedule("late", "x", Options{Delay: time.Second}); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
	before := len(h.commands())
	h.clock.Advance(time.Hour)
	if after := len(h.commands()); after != before {
		t.Errorf("got %v firings after Cleanup", after-before)
	}
}

func TestEntriesRestore(t *testing.T) {
	h := newHarness(t)
	steps := []structs.Step{{Command: "a", DelayMillis: 10}, {Command: "b", DelayMillis: 20}}
	if err := h.sched.Schedule("tick", "t", Options{Ticks: 4}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Schedule("cron", "c", Options{Cron: "@hourly", Repeat: true}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.Schedule("date", "d", Options{At: epoch.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.ScheduleSequence("seq", steps, Options{Repeat: true, RepeatDelay: 5 * time.Second}); err != nil {
		t.Fatal(err)
	}
	saved := h.sched.Entries()

	other := newHarness(t)
	restored, failures := other.sched.Restore(saved)
	if restored != 4 || len(failures) != 0 {
		t.Fatalf("got %v restored, failures %v", restored, failures)
	}
	ignoreCreated := cmpopts.IgnoreFields(structs.Entry{}, "CreatedAt")
	if diff := cmp.Diff(saved, other.sched.Entries(), ignoreCreated); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	// A plan restored after its date has passed skips that entry.
	late := newHarness(t)
	late.clock.Advance(time.Hour)
	restored, failures = late.sched.Restore(saved)
	if restored != 3 {
		t.Errorf("got %v restored, want 3", restored)
	}
	if err := failures["date"]; !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("got %v for the stale date, want ErrInvalidSchedule", err)
	}
}
