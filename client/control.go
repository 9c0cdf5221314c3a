package client

import (
	"sync"

	"github.com/pkg/errors"
)

// ControlToken guards the movement and equip state of one session. Only one
// continuous-control handler, such as an attack loop or an autonomous task,
// may hold it at a time.
type ControlToken struct {
	mu    sync.Mutex
	owner string
	gen   uint64
}

// Acquire takes the token for owner. It fails with ErrSessionBusy if someone
// else holds it. The returned release func is idempotent.
func (t *ControlToken) Acquire(owner string) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != "" {
		return nil, errors.Wrapf(ErrSessionBusy, "%s is running", t.owner)
	}
	t.owner = owner
	t.gen++
	gen := t.gen
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.gen == gen {
			t.owner = ""
		}
	}, nil
}

// Owner returns the current holder, or "" if the token is free.
func (t *ControlToken) Owner() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}
