// Package client describes the capability surface swarmbot needs from a game
// client, plus the stand-ins used when no real client is reachable.
package client

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrUnavailable is returned when an optional capability is missing on a
	// session.
	ErrUnavailable  = errors.New("capability unavailable")
	// ErrSessionBusy is returned when a continuous-control handler is already
	// driving the session.
	ErrSessionBusy  = errors.New("session busy")
	ErrNotConnected = errors.New("not connected")
)

type Vec struct {
	X, Y, Z float64
}

func (v Vec) Add(o Vec) Vec {
	return Vec{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

func (v Vec) Floor() Vec {
	return Vec{X: math.Floor(v.X), Y: math.Floor(v.Y), Z: math.Floor(v.Z)}
}

func (v Vec) Distance(o Vec) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func (v Vec) String() string {
	return fmt.Sprintf("%.1f %.1f %.1f", v.X, v.Y, v.Z)
}

var (
	Up    = Vec{Y: 1}
	Down  = Vec{Y: -1}
	North = Vec{Z: -1}
	South = Vec{Z: 1}
	East  = Vec{X: 1}
	West  = Vec{X: -1}
)

// Control is a continuous movement flag.
type Control string

const (
	Forward Control = "forward"
	Back    Control = "back"
	Left    Control = "left"
	Right   Control = "right"
	Jump    Control = "jump"
	Sprint  Control = "sprint"
	Sneak   Control = "sneak"
)

var AllControls = []Control{Forward, Back, Left, Right, Jump, Sprint, Sneak}

func ParseControl(s string) (Control, bool) {
	for _, c := range AllControls {
		if string(c) == strings.ToLower(s) {
			return c, true
		}
	}
	return "", false
}

type Hand string

const (
	MainHand Hand = "hand"
	OffHand  Hand = "off-hand"
)

type Item struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Count       int    `json:"count"`
	Slot        int    `json:"slot"`
}

func (i Item) String() string {
	if i.DisplayName != "" && i.DisplayName != i.Name {
		return fmt.Sprintf("%d x %s (%s)", i.Count, i.DisplayName, i.Name)
	}
	return fmt.Sprintf("%d x %s", i.Count, i.Name)
}

type Entity struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Position Vec    `json:"position"`
}

// Client is a connected game actor.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Chat(text string) error
	SetControl(c Control, on bool) error
	ClearControls() error
	LookAt(p Vec) error
	Position() (Vec, error)
	Inventory() ([]Item, error)
	Equip(item Item, hand Hand) error
	// Place puts the held block against the block at ref, on its face side.
	Place(ref Vec, face Vec) error
	Dig(p Vec) error
	Entities() ([]Entity, error)
	Attack(entityID int) error
	Subscribe(f func(Event)) *Subscription
}

// Navigator is implemented by clients with pathfinding.
type Navigator interface {
	SetGoal(p Vec, reach float64) error
	Navigating() bool
	StopNavigation() error
}

// Capabilities describes what a client can do. It is computed once when a
// session is built.
type Capabilities struct {
	Navigation bool
	// Degraded is true for the local stand-in used when the connection failed.
	Degraded bool
}

func CapabilitiesOf(c Client) Capabilities {
	_, nav := c.(Navigator)
	_, local := c.(*Local)
	return Capabilities{
		Navigation: nav,
		Degraded:   local,
	}
}

func (c Capabilities) String() string {
	parts := []string{}
	if c.Navigation {
		parts = append(parts, "navigation")
	}
	if c.Degraded {
		parts = append(parts, "degraded")
	}
	if len(parts) == 0 {
		return "basic"
	}
	return strings.Join(parts, ", ")
}

// FindEntity returns the entity called name, ignoring case.
func FindEntity(c Client, name string) (Entity, bool, error) {
	entities, err := c.Entities()
	if err != nil {
		return Entity{}, false, err
	}
	for _, e := range entities {
		if strings.EqualFold(e.Name, name) {
			return e, true, nil
		}
	}
	return Entity{}, false, nil
}
