package sign

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the derived liveness of a sign.
type Status string

// Status values.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Mode is the direction command a sign displays.
//
// Any integer is accepted and stored; values outside the named set render
// as "unknown" instead of being coerced.
type Mode int

// Named modes.
const (
	ModeTest  Mode = 0
	ModeLeft  Mode = 1
	ModeRight Mode = 2
	ModeCross Mode = 3
)

// Known reports whether m is one of the named modes.
func (m Mode) Known() bool {
	return m >= ModeTest && m <= ModeCross
}

// String returns the lowercase mode name, or "unknown".
func (m Mode) String() string {
	switch m {
	case ModeTest:
		return "test"
	case ModeLeft:
		return "left"
	case ModeRight:
		return "right"
	case ModeCross:
		return "cross"
	default:
		return "unknown"
	}
}

// Position is a WGS84 coordinate. On the wire it is a two-element
// array [lat, lon].
type Position struct {
	Lat float64
	Lon float64
}

// MarshalJSON encodes the position as [lat, lon].
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.Lat, p.Lon})
}

// UnmarshalJSON decodes a [lat, lon] array.
func (p *Position) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("position must be [lat, lon]: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("position must have 2 elements, got %d", len(pair))
	}
	p.Lat, p.Lon = pair[0], pair[1]
	return nil
}

// Sign is one device in the fleet.
//
// Battery, Signal, Position and LastSeen stay nil until the sign first
// reports. Position is kept when the sign goes offline.
type Sign struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Battery     *int       `json:"battery"`
	Signal      *int       `json:"signal"`
	Position    *Position  `json:"position"`
	Heading     int        `json:"heading"`
	LastSeen    *time.Time `json:"last_seen"`
	CurrentMode Mode       `json:"current_mode"`
}

// Clone returns a deep copy; snapshots handed out by the registry are
// always clones.
func (s *Sign) Clone() *Sign {
	if s == nil {
		return nil
	}
	c := *s
	if s.Battery != nil {
		v := *s.Battery
		c.Battery = &v
	}
	if s.Signal != nil {
		v := *s.Signal
		c.Signal = &v
	}
	if s.Position != nil {
		p := *s.Position
		c.Position = &p
	}
	if s.LastSeen != nil {
		t := *s.LastSeen
		c.LastSeen = &t
	}
	return &c
}

// StatusReport is the telemetry body a sign posts.
// Every field is required.
type StatusReport struct {
	Position *Position `json:"position"`
	Heading  *int      `json:"heading"`
	Battery  *int      `json:"battery"`
	Signal   *int      `json:"signal"`
}

// Event type names as they appear on the wire.
const (
	EventSignUpdate    = "sign_update"
	EventCommandUpdate = "command_update"
)

// UpdateEvent carries a full sign snapshot.
type UpdateEvent struct {
	Type string `json:"type"`
	Sign Sign   `json:"sign"`
}

// CommandEvent announces a new current mode.
type CommandEvent struct {
	Type    string `json:"type"`
	SignID  string `json:"signId"`
	Command Mode   `json:"command"`
}

// NewUpdateEvent builds a sign_update event from a snapshot.
func NewUpdateEvent(s *Sign) UpdateEvent {
	return UpdateEvent{Type: EventSignUpdate, Sign: *s.Clone()}
}

// NewCommandEvent builds a command_update event.
func NewCommandEvent(id string, mode Mode) CommandEvent {
	return CommandEvent{Type: EventCommandUpdate, SignID: id, Command: mode}
}
