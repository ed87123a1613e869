package detection

import (
	"fmt"
	"image"
	"strings"
	"time"
	"unicode"
)

const (
	minPlateLength = 6
	maxPlateLength = 12
)

// CleanPlate keeps ASCII letters and digits, uppercased
func CleanPlate(text string) string {
	var b strings.Builder
	for _, r := range text {
		if r > unicode.MaxASCII {
			continue
		}
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// ValidPlate reports whether cleaned plate text is plausible:
// 6 to 12 alphanumerics with at least one digit
func ValidPlate(cleaned string) bool {
	if len(cleaned) < minPlateLength || len(cleaned) > maxPlateLength {
		return false
	}
	hasDigit := false
	for _, r := range cleaned {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return hasDigit
}

// PickPlate returns the first candidate that is valid after cleaning
func PickPlate(candidates ...string) (string, bool) {
	for _, c := range candidates {
		if cleaned := CleanPlate(c); ValidPlate(cleaned) {
			return cleaned, true
		}
	}
	return "", false
}

// PlaceholderPlate is the vehicle number used when no plate could be read.
// It is unique per capture instant: UNKNOWN_HHMMSS_mmm (UTC).
func PlaceholderPlate(capturedAt time.Time) string {
	t := capturedAt.UTC()
	return fmt.Sprintf("UNKNOWN_%s_%03d", t.Format("150405"), t.Nanosecond()/int(time.Millisecond))
}

// PlateRegion widens a vehicle box to include the plate area below it,
// clamped to the frame
func PlateRegion(box BoundingBox, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(box.X1-10, box.Y1-20, box.X2+10, box.Y2+30)
	return r.Intersect(bounds)
}
