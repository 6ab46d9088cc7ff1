package sign

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Validation limits.
const (
	// MaxNameLength is the longest accepted sign name, in characters.
	MaxNameLength = 64

	// MaxIDLength bounds provisioned IDs.
	MaxIDLength = 64

	minBattery = 0
	maxBattery = 100
)

// ValidateReport checks that every field is present and in range.
// The returned error wraps ErrInvalidReport.
func ValidateReport(r StatusReport) error {
	var missing []string
	if r.Position == nil {
		missing = append(missing, "position")
	}
	if r.Heading == nil {
		missing = append(missing, "heading")
	}
	if r.Battery == nil {
		missing = append(missing, "battery")
	}
	if r.Signal == nil {
		missing = append(missing, "signal")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidReport, strings.Join(missing, ", "))
	}

	p := *r.Position
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidReport, p.Lat)
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidReport, p.Lon)
	}
	if *r.Heading < 0 || *r.Heading >= 360 {
		return fmt.Errorf("%w: heading %d out of range [0, 360)", ErrInvalidReport, *r.Heading)
	}
	if *r.Battery < minBattery || *r.Battery > maxBattery {
		return fmt.Errorf("%w: battery %d out of range [0, 100]", ErrInvalidReport, *r.Battery)
	}
	return nil
}

// ValidateName checks an operator-supplied name.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if utf8.RuneCountInString(trimmed) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, MaxNameLength)
	}
	return nil
}

// ValidateID checks a sign ID at provisioning time.
func ValidateID(id string) error {
	if id == "" || strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: id %q is empty or padded", ErrValidation, id)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: id exceeds %d bytes", ErrValidation, MaxIDLength)
	}
	if strings.ContainsAny(id, "/+#") {
		return fmt.Errorf("%w: id %q contains a reserved character", ErrValidation, id)
	}
	return nil
}

// IsStale reports whether a sign last seen at lastSeen should be offline
// at now. A sign that has never been seen is stale.
func IsStale(lastSeen *time.Time, now time.Time, threshold time.Duration) bool {
	if lastSeen == nil {
		return true
	}
	return now.Sub(*lastSeen) >= threshold
}

func trimName(name string) string {
	return strings.TrimSpace(name)
}
