package sign

// EffectiveDirection returns the compass bearing an arrow should point,
// given the sign's physical heading and its mode.
//
// Left turns 90° counter-clockwise from the heading, right turns 90°
// clockwise, cross points the opposite way. Test and unknown modes point
// along the heading. The result is normalised to [0, 360).
func EffectiveDirection(heading int, mode Mode) int {
	dir := heading
	switch mode {
	case ModeLeft:
		dir -= 90
	case ModeRight:
		dir += 90
	case ModeCross:
		dir += 180
	}
	return normaliseBearing(dir)
}

func normaliseBearing(deg int) int {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return deg
}
