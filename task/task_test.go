package task

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	client *client.Fake
	clock  *clock.Fake
	token  *client.ControlToken
	out    *bytes.Buffer
	runner *Runner
}

func newFixture(c client.Client, fake *client.Fake) *fixture {
	f := &fixture{
		client: fake,
		clock:  clock.NewFake(epoch),
		token:  &client.ControlToken{},
		out:    &bytes.Buffer{},
	}
	f.runner = NewRunner(Config{
		Client: c,
		Clock:  f.clock,
		Token:  f.token,
		Logger: log.New(f.out, "", 0),
		Intn:   func(n int) int { return n / 2 },
	})
	return f
}

func plainFixture() *fixture {
	fake := client.NewFake()
	fake.SetItems(client.Item{Name: "stone", Count: 64, Slot: 36})
	return newFixture(fake, fake)
}

func stepUntilDone(t *testing.T, rn *run, limit int) int {
	t.Helper()
	for i := 0; i < limit; i++ {
		if _, done := rn.step(); done {
			return i + 1
		}
	}
	t.Fatalf("not done after %d steps", limit)
	return 0
}

func TestParseMaintenance(t *testing.T) {
	for _, tc := range []struct {
		text   string
		signal Signal
		d      time.Duration
	}{
		{"[ClearLag] Ground items will be removed in 12 seconds!", Warning, 12 * time.Second},
		{"Warning: entities will be cleared in 1 minute", Warning, time.Minute},
		{"Lag clear in 30s", Warning, 30 * time.Second},
		{"[ClearLag] Removed 42 entities!", Cleared, 0},
		{"All dropped items have been removed.", Cleared, 0},
		{"<alice> hello there", NoSignal, 0},
		{"see you in 5 minutes", NoSignal, 0},
	} {
		signal, d := ParseMaintenance(tc.text)
		if signal != tc.signal || d != tc.d {
			t.Errorf("%q: got %v %v, want %v %v", tc.text, signal, d, tc.signal, tc.d)
		}
	}
}

func TestNameVariants(t *testing.T) {
	got := NameVariants("Oak Planks")
	if len(got) == 0 || got[0] != "oak_planks" {
		t.Fatalf("got %v, want oak_planks first", got)
	}
	for _, want := range []string{"oak_plank", "oak_planks_block", "oakplanks"} {
		found := false
		for _, v := range got {
			found = found || v == want
		}
		if !found {
			t.Errorf("%v lacks %q", got, want)
		}
	}
	if got := NameVariants("minecraft:stone_block"); got[0] != "stone_block" || !contains(got, "stone") {
		t.Errorf("got %v", got)
	}
	if got := NameVariants("  "); got != nil {
		t.Errorf("got %v for a blank name", got)
	}
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func TestMatchItem(t *testing.T) {
	items := []client.Item{
		{Name: "dirt", Count: 5, Slot: 1},
		{Name: "stone", Count: 0, Slot: 2},
		{Name: "cobblestone", Count: 12, Slot: 3},
		{Name: "smooth_stone", Count: 3, Slot: 4},
		{Name: "oak_planks", DisplayName: "Oak Planks", Count: 7, Slot: 5},
	}
	for _, tc := range []struct {
		block string
		slot  int
		found bool
	}{
		{"oak plank", 5, true},
		{"Oak Planks", 5, true},
		// Empty stacks never match, so the broader scan picks a stone-like stack.
		{"stone", 3, true},
		{"dirt", 1, true},
		{"glass", 0, false},
	} {
		item, found := MatchItem(items, NameVariants(tc.block))
		if found != tc.found || (found && item.Slot != tc.slot) {
			t.Errorf("%q: got %+v, %v", tc.block, item, found)
		}
	}
}

func TestPlaceBreakCycle(t *testing.T) {
	f := plainFixture()
	rn := f.runner.newRun(Params{Block: "stone", Count: 2, Radius: 3})
	stepUntilDone(t, rn, 10)
	want := []string{
		"equip stone",
		"look 1.0 0.0 0.0",
		"place 1.0 0.0 0.0",
		"dig 1.0 0.0 0.0",
		"equip stone",
		"look 1.0 0.0 0.0",
		"place 1.0 0.0 0.0",
		"dig 1.0 0.0 0.0",
	}
	if diff := cmp.Diff(want, f.client.Calls()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	status := rn.status()
	if diff := cmp.Diff(Stats{Placed: 2, Broken: 2}, status.Stats); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if status.Completed != 2 {
		t.Errorf("got %v completed, want 2", status.Completed)
	}
}

func TestMissingItemIsNotFatal(t *testing.T) {
	f := plainFixture()
	f.client.SetItems()
	rn := f.runner.newRun(Params{Block: "stone", Count: 1})
	if wait, done := rn.step(); wait != MissingItemWait || done {
		t.Errorf("got %v %v, want %v", wait, done, MissingItemWait)
	}
	f.client.SetItems(client.Item{Name: "stone", Count: 1})
	stepUntilDone(t, rn, 5)
}

func TestRepositionAfterThreePlaceFailures(t *testing.T) {
	rejected := errors.New("rejected")
	for _, tc := range []struct {
		name  string
		build func() (client.Client, *client.Fake)
		call  string
	}{
		{"jump", func() (client.Client, *client.Fake) {
			fake := client.NewFake()
			return fake, fake
		}, "control jump true"},
		{"navigate", func() (client.Client, *client.Fake) {
			nav := client.NewFakeNavigator()
			return nav, nav.Fake
		}, "goal"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, fake := tc.build()
			fake.SetItems(client.Item{Name: "stone", Count: 64})
			fake.FailPlace(rejected, rejected, rejected)
			f := newFixture(c, fake)
			rn := f.runner.newRun(Params{Block: "stone", Count: 1, Radius: 2})
			rn.step()
			for i := 0; i < 2; i++ {
				if wait, _ := rn.step(); wait != RetryWait {
					t.Fatalf("got wait %v after a failed place", wait)
				}
			}
			if n := fake.Count(tc.call); n != 0 {
				t.Fatalf("got %v repositions after 2 failures", n)
			}
			rn.step()
			if n := fake.Count(tc.call); n != 1 {
				t.Fatalf("got %v repositions after 3 failures, want 1", n)
			}
			if n := fake.Count("place"); n != 3 {
				t.Fatalf("got %v place attempts, want 3", n)
			}
			rn.step()
			if n := fake.Count("place"); n != 4 {
				t.Errorf("got %v place attempts, want 4", n)
			}
			if n := fake.Count(tc.call); n != 1 {
				t.Errorf("got %v repositions, want 1", n)
			}
			stats := rn.status().Stats
			if diff := cmp.Diff(Stats{Placed: 1, Failed: 3, Repositions: 1}, stats); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestBreakRetries(t *testing.T) {
	f := plainFixture()
	broken := errors.New("too slow")
	f.client.FailDig(broken, broken, broken)
	rn := f.runner.newRun(Params{Block: "stone", Count: 1})
	rn.step() // equip
	rn.step() // place
	for i := 0; i < MaxBreakAttempts; i++ {
		rn.step()
	}
	if s := rn.currentState(); s != stateFindItem {
		t.Errorf("got state %v after exhausted retries", s)
	}
	if got := rn.status().Stats.Failed; got != 1 {
		t.Errorf("got %v failures, want 1", got)
	}
	stepUntilDone(t, rn, 5)
}

func TestProgressCadence(t *testing.T) {
	f := plainFixture()
	rn := f.runner.newRun(Params{Block: "stone", Count: 25})
	stepUntilDone(t, rn, 200)
	lines := strings.Count(f.out.String(), "progress:")
	if lines != 3 {
		t.Errorf("got %v progress lines, want 3:\n%s", lines, f.out.String())
	}
}

func TestMaintenancePause(t *testing.T) {
	f := plainFixture()
	rn := f.runner.newRun(Params{Block: "stone", Count: 5})
	rn.onEvent(client.Event{Kind: client.EventMessage, Text: "[ClearLag] Ground items will be removed in 12 seconds!"})
	if wait, _ := rn.step(); wait != PollInterval {
		t.Errorf("got wait %v while paused", wait)
	}
	if calls := f.client.Calls(); len(calls) != 0 {
		t.Errorf("acted while paused: %v", calls)
	}
	if got := rn.status().ResumeAt; !got.Equal(epoch.Add(14 * time.Second)) {
		t.Errorf("got resume at %v", got)
	}
	f.clock.Advance(13900 * time.Millisecond)
	if !rn.isPaused() {
		t.Fatal("resumed before the deadline")
	}
	f.clock.Advance(100 * time.Millisecond)
	if rn.isPaused() {
		t.Fatal("still paused at the deadline")
	}
	if n := f.clock.Pending(); n != 0 {
		t.Errorf("got %v pending timers", n)
	}
}

func TestMaintenanceClearedResumesEarly(t *testing.T) {
	f := plainFixture()
	rn := f.runner.newRun(Params{Block: "stone", Count: 5})
	rn.onEvent(client.Event{Kind: client.EventMessage, Text: "Ground items will be removed in 12 seconds"})
	f.clock.Advance(5 * time.Second)
	// Player chat never pauses or resumes.
	rn.onEvent(client.Event{Kind: client.EventChat, Sender: "alice", Text: "removed 3 things"})
	if !rn.isPaused() {
		t.Fatal("chat resumed the task")
	}
	rn.onEvent(client.Event{Kind: client.EventMessage, Text: "[ClearLag] Removed 42 entities!"})
	if rn.isPaused() {
		t.Fatal("still paused after the cleanup notice")
	}
	if n := f.clock.Pending(); n != 0 {
		t.Errorf("got %v pending timers after early resume", n)
	}
	f.clock.Advance(time.Minute)
	if rn.isPaused() {
		t.Error("paused again")
	}
}

func TestPauseKeepsPosition(t *testing.T) {
	f := plainFixture()
	rn := f.runner.newRun(Params{Block: "stone", Count: 1})
	rn.step() // equip
	rn.onEvent(client.Event{Kind: client.EventMessage, Text: "items will be removed in 1 second"})
	rn.step()
	rn.resume("test")
	rn.step()
	want := []string{"equip stone", "look 1.0 0.0 0.0", "place 1.0 0.0 0.0"}
	if diff := cmp.Diff(want, f.client.Calls()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestStartStop(t *testing.T) {
	f := plainFixture()
	f.client.SetItems()
	if err := f.runner.Start(context.Background(), Params{Block: "stone", Count: 3}); err != nil {
		t.Fatal(err)
	}
	if owner := f.token.Owner(); owner != "task stone" {
		t.Errorf("got token owner %q", owner)
	}
	if _, err := f.token.Acquire("attack"); !errors.Is(err, client.ErrSessionBusy) {
		t.Errorf("got %v, want ErrSessionBusy", err)
	}
	if !f.runner.Stop() {
		t.Fatal("Stop found no task")
	}
	if f.runner.Stop() {
		t.Error("second Stop found a task")
	}
	status, found := f.runner.Status()
	if !found || status.Running {
		t.Errorf("got %+v, %v", status, found)
	}
	if owner := f.token.Owner(); owner != "" {
		t.Errorf("token still held by %q", owner)
	}
	if n := f.client.Len(); n != 0 {
		t.Errorf("got %v event subscribers after stop", n)
	}
	if n := f.clock.Pending(); n != 0 {
		t.Errorf("got %v pending timers after stop", n)
	}
}

func TestStartBusy(t *testing.T) {
	f := plainFixture()
	release, err := f.token.Acquire("attack")
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	if err := f.runner.Start(context.Background(), Params{Block: "stone", Count: 1}); !errors.Is(err, client.ErrSessionBusy) {
		t.Errorf("got %v, want ErrSessionBusy", err)
	}
	if f.runner.Running() {
		t.Error("busy start left a task running")
	}
}

func TestStartInvalid(t *testing.T) {
	f := plainFixture()
	for _, params := range []Params{
		{Block: "", Count: 1},
		{Block: "stone", Count: 0},
		{Block: "stone", Count: 1, Radius: -1},
	} {
		if err := f.runner.Start(context.Background(), params); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("%+v: got %v", params, err)
		}
	}
}
