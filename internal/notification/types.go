package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidInput is returned for a malformed schedule request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned when no record with the id is in the state an
	// operation requires.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by Schedule after Close.
	ErrClosed = errors.New("scheduler closed")
)

// State is the lifecycle state of a Record.
//
//	Pending -> Fired -> Acknowledged
//	Pending -> Cancelled
type State uint8

const (
	StatePending State = iota + 1
	StateFired
	StateAcknowledged
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFired:
		return "fired"
	case StateAcknowledged:
		return "acknowledged"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) IsValid() bool {
	return s >= StatePending && s <= StateCancelled
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateAcknowledged || s == StateCancelled
}

// CanTransition reports whether s -> next is a legal transition.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateFired || next == StateCancelled
	case StateFired:
		return next == StateAcknowledged
	default:
		return false
	}
}

func ParseState(raw string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return StatePending, nil
	case "fired":
		return StateFired, nil
	case "acknowledged":
		return StateAcknowledged, nil
	case "cancelled", "canceled":
		return StateCancelled, nil
	default:
		return 0, fmt.Errorf("%w: unknown state %q", ErrInvalidInput, raw)
	}
}

func (s State) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid state %d", s)
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Record is a snapshot of one scheduled notification.
//
// The scheduler owns the live record; callers only ever see copies.
type Record struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	FireAt time.Time `json:"fire_at"`
	State  State     `json:"state"`
	// Seq is the insertion order, used to break FireAt ties.
	Seq uint64 `json:"seq"`

	CreatedAt   time.Time `json:"created_at"`
	FiredAt     time.Time `json:"fired_at,omitzero"`
	AckedAt     time.Time `json:"acked_at,omitzero"`
	CancelledAt time.Time `json:"cancelled_at,omitzero"`
}

// before orders records by FireAt, then insertion order.
func (r Record) before(o Record) bool {
	if !r.FireAt.Equal(o.FireAt) {
		return r.FireAt.Before(o.FireAt)
	}
	return r.Seq < o.Seq
}

// EventKind names a lifecycle transition. Values double as event bus types.
type EventKind string

const (
	EventScheduled    EventKind = "notification.scheduled"
	EventFired        EventKind = "notification.fired"
	EventAcknowledged EventKind = "notification.acknowledged"
	EventCancelled    EventKind = "notification.cancelled"
)

// Event is emitted once per transition, in mutation order.
type Event struct {
	Kind   EventKind
	Record Record
	At     time.Time
}

// Stats is a point-in-time summary of the scheduler.
type Stats struct {
	Pending      int    `json:"pending"`
	Fired        int    `json:"fired"`
	Scheduled    uint64 `json:"scheduled_total"`
	FiredTotal   uint64 `json:"fired_total"`
	Acknowledged uint64 `json:"acknowledged_total"`
	Cancelled    uint64 `json:"cancelled_total"`
}
