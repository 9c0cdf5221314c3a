// Package names generates display names for bulk created sessions and keeps a
// persistent ledger of every name handed out, so no name is ever reused.
package names

import (
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/bxcodec/faker/v4"
	"github.com/pkg/errors"
	"github.com/zond/swarmbot/storage"
)

const (
	MinLength   = 3
	MaxLength   = 16
	maxAttempts = 1000
)

var (
	ErrExhausted = errors.New("no unused name found")

	invalidRunes = regexp.MustCompile(`[^A-Za-z0-9_]`)
)

// Valid reports whether name is an acceptable game display name.
func Valid(name string) bool {
	return len(name) >= MinLength && len(name) <= MaxLength && !invalidRunes.MatchString(name)
}

// Sanitize turns raw into a valid display name, padding short names with pad.
func Sanitize(raw string, pad func() string) string {
	name := invalidRunes.ReplaceAllString(raw, "")
	for len(name) < MinLength {
		name += pad()
	}
	if len(name) > MaxLength {
		name = name[:MaxLength]
	}
	return name
}

// Ledger is the file backed set of used names.
type Ledger struct {
	path string
	// Source returns raw candidate names. Defaults to faker usernames.
	Source func() string

	mu    sync.Mutex
	used  map[string]bool
	names []string
}

// Open loads the ledger at path. A missing file is an empty ledger.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		Source: func() string { return faker.Username() },
		used:   map[string]bool{},
	}
	stored := []string{}
	if _, err := storage.ReadJSON(path, &stored); err != nil {
		return nil, err
	}
	for _, name := range stored {
		l.addLocked(name)
	}
	return l, nil
}

func (l *Ledger) addLocked(name string) bool {
	key := strings.ToLower(name)
	if l.used[key] {
		return false
	}
	l.used[key] = true
	l.names = append(l.names, name)
	return true
}

func (l *Ledger) persistLocked() error {
	if l.path == "" {
		return nil
	}
	return storage.WriteJSON(l.path, l.names)
}

func (l *Ledger) Has(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[strings.ToLower(name)]
}

func (l *Ledger) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.names...)
}

// Reserve records an explicitly chosen name. It returns false if the name was
// already used.
func (l *Ledger) Reserve(name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.addLocked(name) {
		return false, nil
	}
	return true, l.persistLocked()
}

// Generate returns n fresh names, none of which was ever handed out before.
// Each name is persisted before the next is generated.
func (l *Ledger) Generate(n int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]string, 0, n)
	suffix := 0
	pad := func() string {
		suffix++
		return strconv.Itoa(suffix % 10)
	}
	for len(result) < n {
		found := false
		for attempt := 0; attempt < maxAttempts && !found; attempt++ {
			candidate := Sanitize(l.Source(), pad)
			if attempt > maxAttempts/2 {
				candidate = Sanitize(candidate[:min(len(candidate), MaxLength-3)]+strconv.Itoa(attempt), pad)
			}
			found = l.addLocked(candidate)
			if found {
				result = append(result, candidate)
			}
		}
		if !found {
			return result, errors.Wrapf(ErrExhausted, "after %d attempts", maxAttempts)
		}
		if err := l.persistLocked(); err != nil {
			return result, err
		}
	}
	return result, nil
}
