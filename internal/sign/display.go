package sign

import (
	"fmt"
	"time"
)

// Symbol returns the arrow glyph shown for the mode.
func (m Mode) Symbol() string {
	switch m {
	case ModeLeft:
		return "←"
	case ModeRight:
		return "→"
	case ModeCross:
		return "✕"
	case ModeTest:
		return "○"
	default:
		return "?"
	}
}

// BatteryLevel buckets a battery percentage: high (>=80), medium (>=30),
// low, or unknown when the sign has not reported.
func BatteryLevel(battery *int) string {
	switch {
	case battery == nil:
		return "unknown"
	case *battery >= 80:
		return "high"
	case *battery >= 30:
		return "medium"
	default:
		return "low"
	}
}

// FormatLastSeen renders LastSeen relative to now.
func FormatLastSeen(lastSeen *time.Time, now time.Time) string {
	if lastSeen == nil {
		return "Never"
	}
	ago := now.Sub(*lastSeen)
	switch {
	case ago < time.Minute:
		return "Just now"
	case ago < time.Hour:
		return fmt.Sprintf("%dm ago", int(ago/time.Minute))
	default:
		return fmt.Sprintf("%dh ago", int(ago/time.Hour))
	}
}

// DisplayName returns the sign's name, or its ID when unnamed.
func (s *Sign) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
