package client

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scriptable client for tests. It records every action as a line in
// Calls.
type Fake struct {
	Hub

	mu          sync.Mutex
	calls       []string
	connected   bool
	position    Vec
	items       []Item
	entities    []Entity
	controls    map[Control]bool
	connectErr  error
	placeErrors []error
	digErrors   []error
}

func NewFake() *Fake {
	return &Fake{controls: map[Control]bool{}}
}

func (f *Fake) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the recorded action lines.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

// Count returns how many recorded calls start with prefix.
func (f *Fake) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (f *Fake) SetConnectError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *Fake) SetItems(items ...Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append([]Item{}, items...)
}

func (f *Fake) SetEntities(entities ...Entity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities = append([]Entity{}, entities...)
}

func (f *Fake) SetPosition(p Vec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = p
}

// FailPlace queues errors returned by the next Place calls, in order. A nil
// entry lets that call succeed.
func (f *Fake) FailPlace(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeErrors = append(f.placeErrors, errs...)
}

func (f *Fake) FailDig(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digErrors = append(f.digErrors, errs...)
}

func (f *Fake) Controls() map[Control]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := map[Control]bool{}
	for c, on := range f.controls {
		if on {
			result[c] = true
		}
	}
	return result
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("connect")
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *Fake) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disconnect")
	f.connected = false
	return nil
}

func (f *Fake) Chat(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("chat %s", text)
	return nil
}

func (f *Fake) SetControl(c Control, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("control %s %v", c, on)
	f.controls[c] = on
	return nil
}

func (f *Fake) ClearControls() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("clear controls")
	f.controls = map[Control]bool{}
	return nil
}

func (f *Fake) LookAt(p Vec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("look %v", p)
	return nil
}

func (f *Fake) Position() (Vec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *Fake) Inventory() ([]Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Item{}, f.items...), nil
}

func (f *Fake) Equip(item Item, hand Hand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("equip %s", item.Name)
	return nil
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *Fake) Place(ref Vec, face Vec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("place %v", ref.Add(face))
	return pop(&f.placeErrors)
}

func (f *Fake) Dig(p Vec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("dig %v", p)
	return pop(&f.digErrors)
}

func (f *Fake) Entities() ([]Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Entity{}, f.entities...), nil
}

func (f *Fake) Attack(entityID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("attack %d", entityID)
	return nil
}

// FakeNavigator is a Fake with pathfinding.
type FakeNavigator struct {
	*Fake
	navigating bool
}

func NewFakeNavigator() *FakeNavigator {
	return &FakeNavigator{Fake: NewFake()}
}

func (n *FakeNavigator) SetGoal(p Vec, reach float64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("goal %v", p)
	n.navigating = true
	return nil
}

func (n *FakeNavigator) Navigating() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.navigating
}

func (n *FakeNavigator) StopNavigation() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.record("stop navigation")
	n.navigating = false
	return nil
}
