package dispatch

import "time"

const eventBuffer = 1024

// EventKind names a progress event.
type EventKind string

const (
	EventUnitDone   EventKind = "unit_done"
	EventUnitFailed EventKind = "unit_failed"
	EventUnitLate   EventKind = "unit_late"
	EventRoundDone  EventKind = "round_done"
)

// Event is emitted after each unit resolves and after each round.
type Event struct {
	Kind        EventKind     `json:"kind"`
	Round       int           `json:"round"`
	UnitID      string        `json:"unit_id,omitempty"`
	Worker      string        `json:"worker,omitempty"`
	Tasks       int           `json:"tasks"`
	Failures    int           `json:"failures"`
	UnitsLate   int           `json:"units_late,omitempty"`
	UnitsFailed int           `json:"units_failed,omitempty"`
	Elapsed     time.Duration `json:"elapsed,omitempty"`
}

// Events returns the progress stream. Events are dropped when the buffer is
// full so a slow subscriber never stalls a round.
func (d *Dispatcher) Events() <-chan Event {
	return d.events
}

// Close ends the progress stream. The dispatcher must not be used afterwards.
func (d *Dispatcher) Close() {
	close(d.events)
}

func (d *Dispatcher) emit(e Event) {
	select {
	case d.events <- e:
	default:
		d.log.Debug("progress event dropped", "kind", e.Kind, "round", e.Round)
	}
}
