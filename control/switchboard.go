package control

import (
	"bytes"
	"io"
	"log"
	"sync"
)

const (
	// consoleBufferSize is the number of lines buffered per session. A newly
	// attached watcher first receives these.
	consoleBufferSize = 64
)

// consoleBuffer is a ring buffer of recent output lines.
type consoleBuffer struct {
	messages [][]byte
	start    int
	count    int
}

func (b *consoleBuffer) push(msg []byte) {
	if b.messages == nil {
		b.messages = make([][]byte, consoleBufferSize)
	}
	msgCopy := make([]byte, len(msg))
	copy(msgCopy, msg)

	idx := (b.start + b.count) % consoleBufferSize
	if b.count < consoleBufferSize {
		b.messages[idx] = msgCopy
		b.count++
	} else {
		b.messages[b.start] = msgCopy
		b.start = (b.start + 1) % consoleBufferSize
	}
}

func (b *consoleBuffer) getAll() [][]byte {
	if b.count == 0 {
		return nil
	}
	result := make([][]byte, b.count)
	for i := 0; i < b.count; i++ {
		result[i] = b.messages[(b.start+i)%consoleBufferSize]
	}
	return result
}

// Switchboard routes each session's output to the process log and to every
// console watching that session, and keeps the most recent lines per session.
type Switchboard struct {
	// Logger, if set, receives every line prefixed with the session id.
	Logger *log.Logger

	mu       sync.RWMutex
	watchers map[string]map[io.Writer]struct{}
	buffers  map[string]*consoleBuffer
}

func NewSwitchboard(logger *log.Logger) *Switchboard {
	return &Switchboard{
		Logger:   logger,
		watchers: map[string]map[io.Writer]struct{}{},
		buffers:  map[string]*consoleBuffer{},
	}
}

// Attach makes w receive the output of session id, starting with the buffered
// lines. w must be comparable, such as a pointer. Nil writers are ignored.
func (s *Switchboard) Attach(id string, w io.Writer) {
	if w == nil {
		return
	}
	s.mu.Lock()
	if s.watchers[id] == nil {
		s.watchers[id] = map[io.Writer]struct{}{}
	}
	s.watchers[id][w] = struct{}{}
	var buffered [][]byte
	if buf := s.buffers[id]; buf != nil {
		buffered = buf.getAll()
	}
	s.mu.Unlock()

	for _, msg := range buffered {
		if _, err := w.Write(msg); err != nil {
			s.Detach(id, w)
			return
		}
	}
}

// Detach stops w from receiving the output of session id. It returns false if
// w was not attached.
func (s *Switchboard) Detach(id string, w io.Writer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachLocked(id, w)
}

func (s *Switchboard) detachLocked(id string, w io.Writer) bool {
	terms := s.watchers[id]
	if terms == nil {
		return false
	}
	if _, found := terms[w]; !found {
		return false
	}
	delete(terms, w)
	if len(terms) == 0 {
		delete(s.watchers, id)
	}
	return true
}

// DetachAll removes w from every session it watches.
func (s *Switchboard) DetachAll(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.watchers {
		s.detachLocked(id, w)
	}
}

func (s *Switchboard) IsAttached(id string, w io.Writer) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, attached := s.watchers[id][w]
	return attached
}

// Forget drops the buffer and watchers of a removed session.
func (s *Switchboard) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, id)
	delete(s.watchers, id)
}

// Writer returns the output writer of session id.
//
// Writes to watchers happen outside the lock, so a watcher may receive one
// more write after being detached.
func (s *Switchboard) Writer(id string) *SwitchboardWriter {
	return &SwitchboardWriter{s: s, id: id}
}

type SwitchboardWriter struct {
	s  *Switchboard
	id string
}

// Write always reports success. Watchers that fail are detached.
func (w *SwitchboardWriter) Write(b []byte) (int, error) {
	if w.s == nil {
		return len(b), nil
	}
	if w.s.Logger != nil {
		for _, line := range bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n")) {
			w.s.Logger.Printf("[%s] %s", w.id, line)
		}
	}

	w.s.mu.Lock()
	if w.s.buffers[w.id] == nil {
		w.s.buffers[w.id] = &consoleBuffer{}
	}
	w.s.buffers[w.id].push(b)
	list := make([]io.Writer, 0, len(w.s.watchers[w.id]))
	for t := range w.s.watchers[w.id] {
		list = append(list, t)
	}
	w.s.mu.Unlock()

	var failed []io.Writer
	for _, t := range list {
		if _, err := t.Write(b); err != nil {
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		w.s.mu.Lock()
		for _, t := range failed {
			w.s.detachLocked(w.id, t)
		}
		w.s.mu.Unlock()
	}
	return len(b), nil
}

// Buffered returns the recent output of session id in order.
func (s *Switchboard) Buffered(id string) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if buf := s.buffers[id]; buf != nil {
		return buf.getAll()
	}
	return nil
}
