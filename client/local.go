package client

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Local is the stand-in client used when a session could not connect. Chat
// lines are echoed to the output and every action succeeds without effect, so
// schedulers and handlers behave the same whether or not a game server exists.
type Local struct {
	Hub
	mu       sync.Mutex
	out      io.Writer
	name     string
	controls map[Control]bool
}

func NewLocal(name string, out io.Writer) *Local {
	return &Local{
		out:      out,
		name:     name,
		controls: map[Control]bool{},
	}
}

func (l *Local) echo(format string, args ...any) {
	if l.out != nil {
		fmt.Fprintf(l.out, "[local %s] %s\n", l.name, fmt.Sprintf(format, args...))
	}
}

func (l *Local) Connect(ctx context.Context) error {
	return nil
}

func (l *Local) Disconnect() error {
	return nil
}

func (l *Local) Chat(text string) error {
	l.echo("<%s> %s", l.name, text)
	return nil
}

func (l *Local) SetControl(c Control, on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.controls[c] = on
	return nil
}

func (l *Local) ClearControls() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.controls = map[Control]bool{}
	return nil
}

func (l *Local) LookAt(p Vec) error {
	return nil
}

func (l *Local) Position() (Vec, error) {
	return Vec{}, nil
}

func (l *Local) Inventory() ([]Item, error) {
	return nil, nil
}

func (l *Local) Equip(item Item, hand Hand) error {
	l.echo("equip %s", item.Name)
	return nil
}

func (l *Local) Place(ref Vec, face Vec) error {
	l.echo("place at %v", ref.Add(face))
	return nil
}

func (l *Local) Dig(p Vec) error {
	l.echo("dig at %v", p)
	return nil
}

func (l *Local) Entities() ([]Entity, error) {
	return nil, nil
}

func (l *Local) Attack(entityID int) error {
	l.echo("attack %d", entityID)
	return nil
}
