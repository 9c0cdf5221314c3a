package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zond/swarmbot/client"
	"github.com/zond/swarmbot/clock"
	"github.com/zond/swarmbot/jitter"
	"github.com/zond/swarmbot/names"
	"github.com/zond/swarmbot/proxy"
	"github.com/zond/swarmbot/scheduler"
	"github.com/zond/swarmbot/session"
	"github.com/zond/swarmbot/storage"
	"github.com/zond/swarmbot/structs"
)

type fixture struct {
	sup     *Supervisor
	clock   *clock.Fake
	store   *storage.Store
	ledger  *names.Ledger
	logs    *bytes.Buffer
	mu      sync.Mutex
	created map[string]time.Time
	spreads []time.Duration
	execs   []string
}

func newFixture(t *testing.T, mod func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := names.Open(filepath.Join(dir, "usernames.json"))
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		clock:   clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		store:   store,
		ledger:  ledger,
		logs:    &bytes.Buffer{},
		created: map[string]time.Time{},
	}
	cfg := Config{
		Store:  store,
		Names:  ledger,
		Clock:  f.clock,
		Logger: log.New(f.logs, "", 0),
		Output: func(id string) io.Writer {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.created[id] = f.clock.Now()
			return io.Discard
		},
		Execute: func(s *session.Session, line string) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.execs = append(f.execs, s.ID+": "+line)
			return !strings.HasPrefix(line, "unknown")
		},
		Spread: func(d time.Duration) time.Duration {
			v := jitter.Spread(d, jitter.DefaultFraction)
			f.mu.Lock()
			defer f.mu.Unlock()
			f.spreads = append(f.spreads, v)
			return v
		},
	}
	if mod != nil {
		mod(&cfg)
	}
	f.sup = New(cfg)
	t.Cleanup(f.sup.CloseAll)
	return f
}

func (f *fixture) lastSpread() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spreads[len(f.spreads)-1]
}

func (f *fixture) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.execs...)
}

func TestCreate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	settings := structs.DefaultSessionConfig()
	settings.Username = "alpha"
	a, err := f.sup.Create(ctx, "a", settings, false)
	if err != nil {
		t.Fatal(err)
	}
	if a.State() != structs.StateDegraded {
		t.Errorf("got %v, want degraded without a dialer", a.State())
	}
	if _, err := f.sup.Create(ctx, "b", settings, false); err != nil {
		t.Fatal(err)
	}
	if active, found := f.sup.Active(); !found || active.ID != "a" {
		t.Errorf("got %v, %v, want a active", active, found)
	}
	if _, err := f.sup.Create(ctx, "a", settings, false); !errors.Is(err, ErrDuplicateSessionID) {
		t.Errorf("got %v, want ErrDuplicateSessionID", err)
	}
	if _, err := f.sup.Create(ctx, "../a", settings, false); !errors.Is(err, storage.ErrInvalidName) {
		t.Errorf("got %v, want ErrInvalidName", err)
	}
	saved, found, err := f.store.LoadConfig("a")
	if err != nil || !found {
		t.Fatalf("got %v, %v", found, err)
	}
	if saved.Username != "alpha" {
		t.Errorf("got %q", saved.Username)
	}
	if f.sup.Len() != 2 {
		t.Errorf("got %d sessions", f.sup.Len())
	}
}

func TestBulkCreateDoesNotActivate(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.sup.Create(context.Background(), "a", structs.DefaultSessionConfig(), true); err != nil {
		t.Fatal(err)
	}
	if _, found := f.sup.Active(); found {
		t.Error("bulk created session became active")
	}
}

func TestRemove(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := f.sup.Create(ctx, id, structs.DefaultSessionConfig(), false); err != nil {
			t.Fatal(err)
		}
	}
	a, _ := f.sup.Get("a")
	if err := a.Scheduler.Schedule("hop", "jump", scheduler.Options{Delay: time.Second, Repeat: true}); err != nil {
		t.Fatal(err)
	}
	if f.clock.Pending() != 1 {
		t.Fatalf("got %d pending timers", f.clock.Pending())
	}
	if !f.sup.Remove("a") {
		t.Fatal("removing a failed")
	}
	if f.clock.Pending() != 0 {
		t.Errorf("removed session left %d timers", f.clock.Pending())
	}
	if active, found := f.sup.Active(); !found || active.ID != "b" {
		t.Errorf("got %v, %v, want b active", active, found)
	}
	if f.sup.Remove("a") {
		t.Error("removed a twice")
	}
	f.sup.Remove("b")
	f.sup.Remove("c")
	if _, found := f.sup.Active(); found {
		t.Error("active session left after removing all")
	}
}

func TestSetActive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := f.sup.Create(ctx, id, structs.DefaultSessionConfig(), false); err != nil {
			t.Fatal(err)
		}
	}
	if !f.sup.SetActive("b") {
		t.Error("couldn't activate b")
	}
	if f.sup.SetActive("nobody") {
		t.Error("activated unknown session")
	}
	if !strings.Contains(f.logs.String(), `unknown session "nobody"`) {
		t.Errorf("got logs %q", f.logs.String())
	}
	if active, _ := f.sup.Active(); active.ID != "b" {
		t.Errorf("got %v, want b", active.ID)
	}
}

func TestLoad(t *testing.T) {
	f := newFixture(t, nil)
	settings := structs.DefaultSessionConfig()
	settings.Host = "play.example.com"
	if err := f.store.SaveConfig("saved", settings); err != nil {
		t.Fatal(err)
	}
	sess, found, err := f.sup.Load(context.Background(), "saved")
	if err != nil || !found {
		t.Fatalf("got %v, %v", found, err)
	}
	if got := sess.Settings().Host; got != "play.example.com" {
		t.Errorf("got %q", got)
	}
	if _, found, err := f.sup.Load(context.Background(), "missing"); err != nil || found {
		t.Errorf("got %v, %v", found, err)
	}
}

func TestProxyAssignment(t *testing.T) {
	var dialedWith *structs.Proxy
	proxies := proxy.New(proxy.Config{
		Logger: log.New(io.Discard, "", 0),
		Prober: func(ctx context.Context, p *structs.Proxy) error { return nil },
	})
	if _, err := proxies.Add("10.0.0.1:1080"); err != nil {
		t.Fatal(err)
	}
	if proxies.TestAll(context.Background()) != 1 {
		t.Fatal("proxy did not pass")
	}
	f := newFixture(t, func(cfg *Config) {
		cfg.Proxies = proxies
		cfg.Dialer = func(ctx context.Context, id string, settings structs.SessionConfig, p *structs.Proxy) (client.Client, error) {
			dialedWith = p
			return client.NewFake(), nil
		}
	})
	settings := structs.DefaultSessionConfig()
	settings.UseProxy = true
	sess, err := f.sup.Create(context.Background(), "a", settings, false)
	if err != nil {
		t.Fatal(err)
	}
	if dialedWith == nil || dialedWith.Addr() != "10.0.0.1:1080" {
		t.Errorf("dialed with %v", dialedWith)
	}
	if sess.Proxy() != dialedWith {
		t.Errorf("session has %v", sess.Proxy())
	}
}

func TestCreateMany(t *testing.T) {
	f := newFixture(t, nil)
	base := structs.DefaultSessionConfig()
	base.Password = "hunter2"
	delay := 2 * time.Second

	type result struct {
		sessions []*session.Session
		err      error
	}
	done := make(chan result, 1)
	go func() {
		sessions, err := f.sup.CreateMany(context.Background(), 5, base, delay)
		done <- result{sessions, err}
	}()
	for i := 1; i < 5; i++ {
		if !f.clock.BlockUntil(1, 5*time.Second) {
			t.Fatalf("creation %d never waited", i)
		}
		f.clock.Advance(f.lastSpread())
	}
	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if len(res.sessions) != 5 {
		t.Fatalf("got %d sessions", len(res.sessions))
	}

	seen := map[string]bool{}
	times := []time.Time{}
	for _, sess := range res.sessions {
		name := sess.Settings().Username
		if name != sess.ID {
			t.Errorf("session %q has name %q", sess.ID, name)
		}
		if seen[name] {
			t.Errorf("name %q used twice", name)
		}
		seen[name] = true
		if !f.ledger.Has(name) {
			t.Errorf("name %q not in the ledger", name)
		}
		times = append(times, f.created[sess.ID])
	}
	reloaded, err := names.Open(filepath.Join(f.store.Dir(), "usernames.json"))
	if err != nil {
		t.Fatal(err)
	}
	for name := range seen {
		if !reloaded.Has(name) {
			t.Errorf("name %q not persisted", name)
		}
	}
	lo, hi := jitter.Bounds(delay, jitter.DefaultFraction)
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < lo || gap > hi {
			t.Errorf("gap %d is %v, want within [%v, %v]", i, gap, lo, hi)
		}
	}
	if _, found := f.sup.Active(); found {
		t.Error("bulk creation activated a session")
	}

	// Two login commands, each at most 1.2 * delay after the previous.
	f.clock.Advance(2 * hi)
	got := f.executed()
	sort.Strings(got)
	want := []string{}
	for _, sess := range res.sessions {
		want = append(want,
			fmt.Sprintf("%s: say /login hunter2", sess.ID),
			fmt.Sprintf("%s: say /register hunter2 hunter2", sess.ID))
	}
	sort.Strings(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if f.clock.Pending() != 0 {
		t.Errorf("%d timers left after login", f.clock.Pending())
	}
}

func TestCreateManyCancelled(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.sup.CreateMany(ctx, 3, structs.DefaultSessionConfig(), time.Minute)
		done <- err
	}()
	if !f.clock.BlockUntil(1, 5*time.Second) {
		t.Fatal("creation never waited")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if f.sup.Len() != 1 {
		t.Errorf("got %d sessions, want 1", f.sup.Len())
	}
}

func TestExecuteOnAll(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Execute = func(s *session.Session, line string) bool {
			if s.ID == "b" {
				panic("no command manager")
			}
			return true
		}
	})
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if _, err := f.sup.Create(ctx, id, structs.DefaultSessionConfig(), false); err != nil {
			t.Fatal(err)
		}
	}
	want := []Result{{ID: "a", Handled: true}, {ID: "b", Handled: false}, {ID: "c", Handled: true}}
	if diff := cmp.Diff(want, f.sup.ExecuteOnAll("jump")); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if !f.sup.ExecuteOn("a", "jump") {
		t.Error("a did not handle jump")
	}
	if f.sup.ExecuteOn("nobody", "jump") {
		t.Error("unknown session handled jump")
	}
}

func TestExpand(t *testing.T) {
	settings := structs.SessionConfig{Username: "bob", Password: "pw"}
	if got := Expand("say /register {password} {password} {username}", settings); got != "say /register pw pw bob" {
		t.Errorf("got %q", got)
	}
}
