package swarmbot

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type contextKey int

var (
	sessionContext contextKey = 0
)

// SessionID returns the id of the bot session a context is bound to, if any.
func SessionID(ctx context.Context) (string, bool) {
	val := ctx.Value(sessionContext)
	if val == nil {
		return "", false
	}
	id, ok := val.(string)
	return id, ok
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionContext, id)
}

// NextUniqueID returns a random identifier for connections and bridge requests.
func NextUniqueID() string {
	return uuid.New().String()
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func WithStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); !ok {
		return errors.WithStack(err)
	}
	return err
}

func StackTrace(err error) string {
	buf := &bytes.Buffer{}
	if err, ok := err.(stackTracer); ok {
		for _, f := range err.StackTrace() {
			fmt.Fprintf(buf, "%+v\n", f)
		}
	}
	return buf.String()
}

// SyncMap is a mutex protected map with the compound operations needed to
// replace and retire entries without racing their owners.
type SyncMap[K comparable, V comparable] struct {
	m     map[K]V
	mutex sync.RWMutex
}

func NewSyncMap[K comparable, V comparable]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: map[K]V{},
	}
}

// Keys iterates over a snapshot of the keys, so yield may call back into the
// map.
func (s *SyncMap[K, V]) Keys() iter.Seq[K] {
	return func(yield func(k K) bool) {
		for _, k := range s.snapshotKeys() {
			if !yield(k) {
				return
			}
		}
	}
}

func (s *SyncMap[K, V]) snapshotKeys() []K {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	keys := make([]K, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	return keys
}

func (s *SyncMap[K, V]) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.m)
}

func (s *SyncMap[K, V]) GetHas(key K) (V, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, found := s.m[key]
	return v, found
}

// Swap stores value under key and returns what it replaced.
func (s *SyncMap[K, V]) Swap(key K, value V) (V, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	old, found := s.m[key]
	s.m[key] = value
	return old, found
}

// LoadAndDelete removes key and returns its value.
func (s *SyncMap[K, V]) LoadAndDelete(key K) (V, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	v, found := s.m[key]
	delete(s.m, key)
	return v, found
}

// CompareAndDelete removes key only if it still maps to old.
func (s *SyncMap[K, V]) CompareAndDelete(key K, old V) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if v, found := s.m[key]; found && v == old {
		delete(s.m, key)
		return true
	}
	return false
}
