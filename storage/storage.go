// Package storage keeps swarmbot's documents as JSON files in a data
// directory: one file per session configuration, one file per saved plan, and
// a few process wide documents such as the proxy list and the name ledger.
package storage

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/zond/swarmbot"
	"github.com/zond/swarmbot/structs"

	goccy "github.com/goccy/go-json"
)

const (
	configsDir = "configs"
	plansDir   = "plans"
	extension  = ".json"
)

var (
	ErrInvalidName = errors.New("invalid name")

	namePattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9_.-]{0,63}$`)
)

// ValidName reports whether name can be used as a session id or plan name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

type Store struct {
	dir string
}

// New opens the data directory dir, creating it and its subdirectories.
func New(dir string) (*Store, error) {
	for _, sub := range []string{configsDir, plansDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, swarmbot.WithStack(err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the path of a process wide document in the data directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// WriteJSON replaces the file at path with the JSON encoding of v. The file is
// written to a temporary sibling first, so readers never see a partial
// document.
func WriteJSON(path string, v any) error {
	b, err := goccy.MarshalIndent(v, "", "  ")
	if err != nil {
		return swarmbot.WithStack(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return swarmbot.WithStack(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return swarmbot.WithStack(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return swarmbot.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return swarmbot.WithStack(err)
	}
	return swarmbot.WithStack(os.Rename(tmp.Name(), path))
}

// ReadJSON decodes the file at path into v. It returns false if the file does
// not exist.
func ReadJSON(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, swarmbot.WithStack(err)
	}
	if err := goccy.Unmarshal(b, v); err != nil {
		return false, errors.Wrapf(err, "decoding %s", path)
	}
	return true, nil
}

func (s *Store) documentPath(sub, name string) (string, error) {
	if !ValidName(name) {
		return "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return filepath.Join(s.dir, sub, name+extension), nil
}

func (s *Store) list(sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, sub))
	if err != nil {
		return nil, swarmbot.WithStack(err)
	}
	result := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, extension) {
			continue
		}
		result = append(result, strings.TrimSuffix(name, extension))
	}
	sort.Strings(result)
	return result, nil
}

func (s *Store) remove(sub, name string) (bool, error) {
	path, err := s.documentPath(sub, name)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, swarmbot.WithStack(err)
	}
	return true, nil
}

func (s *Store) SaveConfig(id string, cfg structs.SessionConfig) error {
	path, err := s.documentPath(configsDir, id)
	if err != nil {
		return err
	}
	return WriteJSON(path, cfg)
}

// LoadConfig returns the saved configuration of id, or false if there is none.
func (s *Store) LoadConfig(id string) (structs.SessionConfig, bool, error) {
	path, err := s.documentPath(configsDir, id)
	if err != nil {
		return structs.SessionConfig{}, false, err
	}
	cfg := structs.DefaultSessionConfig()
	found, err := ReadJSON(path, &cfg)
	if err != nil || !found {
		return structs.SessionConfig{}, found, err
	}
	return cfg, true, nil
}

func (s *Store) ListConfigs() ([]string, error) {
	return s.list(configsDir)
}

func (s *Store) DeleteConfig(id string) (bool, error) {
	return s.remove(configsDir, id)
}

func (s *Store) SavePlan(plan structs.Plan) error {
	path, err := s.documentPath(plansDir, plan.Name)
	if err != nil {
		return err
	}
	return WriteJSON(path, plan)
}

func (s *Store) LoadPlan(name string) (structs.Plan, bool, error) {
	path, err := s.documentPath(plansDir, name)
	if err != nil {
		return structs.Plan{}, false, err
	}
	plan := structs.Plan{}
	found, err := ReadJSON(path, &plan)
	if err != nil || !found {
		return structs.Plan{}, found, err
	}
	return plan, true, nil
}

func (s *Store) ListPlans() ([]string, error) {
	return s.list(plansDir)
}

func (s *Store) DeletePlan(name string) (bool, error) {
	return s.remove(plansDir, name)
}
