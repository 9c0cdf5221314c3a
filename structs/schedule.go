package structs

import (
	"time"
)

// Kind is the timing rule of a scheduled entry.
type Kind string

const (
	KindTick     Kind = "tick"
	KindCron     Kind = "cron"
	KindDate     Kind = "date"
	KindDelay    Kind = "delay"
	KindSequence Kind = "sequence"
)

// Step is one command of a sequence, fired DelayMillis after the previous step.
type Step struct {
	Command     string `json:"command"`
	DelayMillis int64  `json:"delay_ms"`
}

func (s Step) Delay() time.Duration {
	return time.Duration(s.DelayMillis) * time.Millisecond
}

// Entry is the serializable part of a scheduled entry. Live timers are never
// part of it.
type Entry struct {
	ID                string     `json:"id"`
	Kind              Kind       `json:"kind"`
	Command           string     `json:"command,omitempty"`
	Steps             []Step     `json:"steps,omitempty"`
	Repeat            bool       `json:"repeat"`
	Ticks             int        `json:"ticks,omitempty"`
	DelayMillis       int64      `json:"delay_ms,omitempty"`
	At                *time.Time `json:"at,omitempty"`
	Cron              string     `json:"cron,omitempty"`
	RepeatDelayMillis int64      `json:"repeat_delay_ms,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Plan is a named snapshot of a session's scheduled entries.
type Plan struct {
	Name    string    `json:"name"`
	SavedAt time.Time `json:"saved_at"`
	Entries []Entry   `json:"entries"`
}
