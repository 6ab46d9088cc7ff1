package clientsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/signpost-core/internal/sign"
)

// Frame types understood by the Syncer. Anything else is ignored.
const (
	FrameSignUpdate    = sign.EventSignUpdate
	FrameCommandUpdate = sign.EventCommandUpdate
	FrameSignStatus    = "sign_status"
	FrameHeartbeat     = "heartbeat"
)

// Frame is one decoded stream message.
type Frame struct {
	Type    string     `json:"type"`
	Sign    *sign.Sign `json:"sign,omitempty"`
	SignID  string     `json:"signId,omitempty"`
	Command *sign.Mode `json:"command,omitempty"`
	Updates *SignPatch `json:"updates,omitempty"`
}

// SignPatch is a partial sign update carried by sign_status frames.
// Nil fields are left untouched.
type SignPatch struct {
	Name        *string        `json:"name,omitempty"`
	Status      *sign.Status   `json:"status,omitempty"`
	Battery     *int           `json:"battery,omitempty"`
	Signal      *int           `json:"signal,omitempty"`
	Position    *sign.Position `json:"position,omitempty"`
	Heading     *int           `json:"heading,omitempty"`
	LastSeen    *time.Time     `json:"last_seen,omitempty"`
	CurrentMode *sign.Mode     `json:"current_mode,omitempty"`
}

// DecodeFrame parses a JSON frame. A frame without a type is an error.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decoding frame: missing type")
	}
	return f, nil
}

// merge applies the non-empty fields of p to s.
func (p *SignPatch) merge(s *sign.Sign) {
	if p.Name != nil && *p.Name != "" {
		s.Name = *p.Name
	}
	if p.Status != nil && *p.Status != "" {
		s.Status = *p.Status
	}
	if p.Battery != nil {
		v := *p.Battery
		s.Battery = &v
	}
	if p.Signal != nil {
		v := *p.Signal
		s.Signal = &v
	}
	if p.Position != nil {
		v := *p.Position
		s.Position = &v
	}
	if p.Heading != nil {
		s.Heading = *p.Heading
	}
	if p.LastSeen != nil {
		v := *p.LastSeen
		s.LastSeen = &v
	}
	if p.CurrentMode != nil {
		s.CurrentMode = *p.CurrentMode
	}
}
