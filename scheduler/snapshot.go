package scheduler

import (
	"sort"
	"time"

	"github.com/zond/swarmbot/structs"
)

type TickInfo struct {
	ID        string
	Command   string
	Interval  int
	Fired     uint64
	CreatedAt time.Time
}

type ScheduledInfo struct {
	ID        string
	Kind      structs.Kind
	Command   string
	Rule      string
	Repeat    bool
	Next      time.Time
	Fired     uint64
	CreatedAt time.Time
}

type SequenceInfo struct {
	ID        string
	Steps     int
	Index     int
	Running   bool
	Repeat    bool
	Run       int
	Next      time.Time
	CreatedAt time.Time
}

// Snapshot is a point-in-time listing of all live entries.
type Snapshot struct {
	TickBased []TickInfo
	Scheduled []ScheduledInfo
	Sequences []SequenceInfo
}

func (s Snapshot) Len() int {
	return len(s.TickBased) + len(s.Scheduled) + len(s.Sequences)
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := Snapshot{
		TickBased: []TickInfo{},
		Scheduled: []ScheduledInfo{},
		Sequences: []SequenceInfo{},
	}
	for _, e := range s.ticks {
		result.TickBased = append(result.TickBased, TickInfo{
			ID:        e.entry.ID,
			Command:   e.entry.Command,
			Interval:  e.entry.Ticks,
			Fired:     e.fired,
			CreatedAt: e.entry.CreatedAt,
		})
	}
	for _, e := range s.timed {
		result.Scheduled = append(result.Scheduled, ScheduledInfo{
			ID:        e.entry.ID,
			Kind:      e.entry.Kind,
			Command:   e.entry.Command,
			Rule:      Describe(e.entry),
			Repeat:    e.entry.Repeat,
			Next:      e.next,
			Fired:     e.fired,
			CreatedAt: e.entry.CreatedAt,
		})
	}
	for _, run := range s.sequences {
		result.Sequences = append(result.Sequences, SequenceInfo{
			ID:        run.entry.ID,
			Steps:     len(run.entry.Steps),
			Index:     run.index,
			Running:   run.running,
			Repeat:    run.entry.Repeat,
			Run:       run.run,
			Next:      run.next,
			CreatedAt: run.entry.CreatedAt,
		})
	}
	sort.Slice(result.TickBased, func(i, j int) bool { return result.TickBased[i].ID < result.TickBased[j].ID })
	sort.Slice(result.Scheduled, func(i, j int) bool { return result.Scheduled[i].ID < result.Scheduled[j].ID })
	sort.Slice(result.Sequences, func(i, j int) bool { return result.Sequences[i].ID < result.Sequences[j].ID })
	return result
}

// Entries returns the serializable form of every live entry, sorted by id.
func (s *Scheduler) Entries() []structs.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := []structs.Entry{}
	for _, e := range s.ticks {
		result = append(result, e.entry)
	}
	for _, e := range s.timed {
		result = append(result, e.entry)
	}
	for _, run := range s.sequences {
		result = append(result, run.entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Restore schedules saved entries again. Entries that can no longer be
// scheduled, such as dates in the past, are skipped and returned as failures.
func (s *Scheduler) Restore(entries []structs.Entry) (restored int, failures map[string]error) {
	failures = map[string]error{}
	for _, entry := range entries {
		var err error
		switch entry.Kind {
		case structs.KindSequence:
			err = s.ScheduleSequence(entry.ID, entry.Steps, Options{
				Repeat:      entry.Repeat,
				RepeatDelay: time.Duration(entry.RepeatDelayMillis) * time.Millisecond,
			})
		default:
			err = s.Schedule(entry.ID, entry.Command, optionsFor(entry))
		}
		if err != nil {
			failures[entry.ID] = err
		} else {
			restored++
		}
	}
	return restored, failures
}

func optionsFor(entry structs.Entry) Options {
	opts := Options{Repeat: entry.Repeat}
	switch entry.Kind {
	case structs.KindTick:
		opts.Ticks = entry.Ticks
	case structs.KindCron:
		opts.Cron = entry.Cron
	case structs.KindDate:
		if entry.At != nil {
			opts.At = *entry.At
		}
	case structs.KindDelay:
		opts.Delay = time.Duration(entry.DelayMillis) * time.Millisecond
	}
	return opts
}
