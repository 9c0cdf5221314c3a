package control

import (
	"bytes"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/term"
)

// testTerminal returns a terminal writing to the returned buffer.
func testTerminal(t *testing.T) (*term.Terminal, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	return term.NewTerminal(&testReadWriter{Reader: &bytes.Buffer{}, Writer: buf}, ""), buf
}

func failingTerminal(t *testing.T) *term.Terminal {
	t.Helper()
	return term.NewTerminal(&testReadWriter{Reader: &bytes.Buffer{}, Writer: failingWriter{}}, "")
}

type testReadWriter struct {
	io.Reader
	io.Writer
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestSwitchboardAttachDetach(t *testing.T) {
	s := NewSwitchboard(nil)
	terminal1, _ := testTerminal(t)
	terminal2, _ := testTerminal(t)

	if s.IsAttached("bot1", terminal1) {
		t.Error("terminal1 attached before Attach")
	}
	s.Attach("bot1", terminal1)
	s.Attach("bot1", terminal2)
	if !s.IsAttached("bot1", terminal1) || !s.IsAttached("bot1", terminal2) {
		t.Error("terminals not attached")
	}
	if s.IsAttached("bot2", terminal1) {
		t.Error("terminal1 attached to bot2")
	}
	if !s.Detach("bot1", terminal1) {
		t.Error("Detach returned false for an attached terminal")
	}
	if s.Detach("bot1", terminal1) {
		t.Error("Detach returned true twice")
	}
	if !s.IsAttached("bot1", terminal2) {
		t.Error("terminal2 detached with terminal1")
	}
	s.Attach("bot1", nil)
	if s.IsAttached("bot1", nil) {
		t.Error("nil writer attached")
	}
}

func TestSwitchboardWriterBroadcast(t *testing.T) {
	logs := &bytes.Buffer{}
	s := NewSwitchboard(log.New(logs, "", 0))
	terminal1, buf1 := testTerminal(t)
	terminal2, buf2 := testTerminal(t)
	s.Attach("bot1", terminal1)
	s.Attach("bot1", terminal2)

	message := []byte("placed 10 blocks\n")
	n, err := s.Writer("bot1").Write(message)
	if err != nil || n != len(message) {
		t.Errorf("got %d, %v", n, err)
	}
	for _, buf := range []*bytes.Buffer{buf1, buf2} {
		if !strings.Contains(buf.String(), "placed 10 blocks") {
			t.Errorf("terminal got %q", buf.String())
		}
	}
	if got := logs.String(); got != "[bot1] placed 10 blocks\n" {
		t.Errorf("logged %q", got)
	}
}

func TestSwitchboardReplaysBuffer(t *testing.T) {
	s := NewSwitchboard(nil)
	w := s.Writer("bot1")
	for i := 0; i < consoleBufferSize+5; i++ {
		w.Write([]byte{byte('a' + i%26), '\n'})
	}
	buffered := s.Buffered("bot1")
	if len(buffered) != consoleBufferSize {
		t.Fatalf("got %d buffered lines", len(buffered))
	}
	if buffered[0][0] != byte('a'+5%26) {
		t.Errorf("oldest line is %q", buffered[0])
	}

	watcher := &bytes.Buffer{}
	s.Attach("bot1", watcher)
	if got := strings.Count(watcher.String(), "\n"); got != consoleBufferSize {
		t.Errorf("replayed %d lines", got)
	}
	s.Forget("bot1")
	if s.Buffered("bot1") != nil || s.IsAttached("bot1", watcher) {
		t.Error("Forget left state behind")
	}
}

func TestSwitchboardAutoDetachOnFailure(t *testing.T) {
	s := NewSwitchboard(nil)
	good, _ := testTerminal(t)
	bad := failingTerminal(t)
	s.Attach("bot1", good)
	s.Attach("bot1", bad)

	if n, err := s.Writer("bot1").Write([]byte("test")); err != nil || n != 4 {
		t.Errorf("got %d, %v", n, err)
	}
	if s.IsAttached("bot1", bad) {
		t.Error("failing terminal still attached")
	}
	if !s.IsAttached("bot1", good) {
		t.Error("good terminal detached")
	}
}

func TestSwitchboardDetachAll(t *testing.T) {
	s := NewSwitchboard(nil)
	terminal, _ := testTerminal(t)
	s.Attach("bot1", terminal)
	s.Attach("bot2", terminal)
	s.DetachAll(terminal)
	if s.IsAttached("bot1", terminal) || s.IsAttached("bot2", terminal) {
		t.Error("terminal still attached")
	}
}

func TestSwitchboardConcurrentAccess(t *testing.T) {
	s := NewSwitchboard(nil)
	terminal, _ := testTerminal(t)
	w := s.Writer("bot1")

	var wg sync.WaitGroup
	const goroutines = 10
	const iterations = 100
	wg.Add(2 * goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				s.Attach("bot1", terminal)
				s.IsAttached("bot1", terminal)
				s.Detach("bot1", terminal)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				w.Write([]byte("concurrent write\n"))
			}
		}()
	}
	wg.Wait()
}

func TestCooldown(t *testing.T) {
	c := NewCooldown(time.Hour)
	if !c.Allow("bot1/boss") {
		t.Error("first use refused")
	}
	if c.Allow("bot1/boss") {
		t.Error("second use allowed during cooldown")
	}
	if !c.Allow("bot2/boss") {
		t.Error("other key refused")
	}
	c.Reset("bot1/boss")
	if !c.Allow("bot1/boss") {
		t.Error("use refused after reset")
	}

	short := NewCooldown(20 * time.Millisecond)
	short.Allow("x")
	time.Sleep(50 * time.Millisecond)
	if !short.Allow("x") {
		t.Error("cooldown did not expire")
	}
}
