package detection

import (
	"context"
	"image"
	"sort"
	"strings"
)

// VehicleType is a detector class label
type VehicleType string

const (
	Car        VehicleType = "car"
	Truck      VehicleType = "truck"
	Bus        VehicleType = "bus"
	Motorcycle VehicleType = "motorcycle"
	Unknown    VehicleType = "unknown"
)

// ParseVehicleType maps a detector label to a VehicleType
func ParseVehicleType(label string) VehicleType {
	switch VehicleType(strings.ToLower(strings.TrimSpace(label))) {
	case Car:
		return Car
	case Truck:
		return Truck
	case Bus:
		return Bus
	case Motorcycle, "motorbike":
		return Motorcycle
	default:
		return Unknown
	}
}

// Title returns the label as stored on transactions ("Car")
func (v VehicleType) Title() string {
	if v == "" {
		return "Unknown"
	}
	s := string(v)
	return strings.ToUpper(s[:1]) + s[1:]
}

// BoundingBox in frame pixel coordinates, X2/Y2 exclusive
type BoundingBox struct {
	X1, Y1, X2, Y2 int
}

func (b BoundingBox) Width() int  { return b.X2 - b.X1 }
func (b BoundingBox) Height() int { return b.Y2 - b.Y1 }

func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one vehicle found in a frame
type Detection struct {
	VehicleType VehicleType
	Confidence  float64
	Box         BoundingBox
}

// Detector finds vehicles in a frame
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]Detection, error)
}

// PlateReader reads a licence plate from the region of a frame around a vehicle.
// An empty string with a nil error means no text was found.
type PlateReader interface {
	ReadPlate(ctx context.Context, frame image.Image, box BoundingBox) (string, error)
}

// Normalize clamps confidences to [0,1] and boxes into bounds, dropping
// detections whose box is empty after clamping or whose class is unknown.
func Normalize(dets []Detection, bounds image.Rectangle) []Detection {
	out := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.VehicleType == Unknown || d.VehicleType == "" {
			continue
		}
		r := d.Box.Rect().Intersect(bounds)
		if r.Empty() {
			continue
		}
		d.Box = BoundingBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
		switch {
		case d.Confidence < 0:
			d.Confidence = 0
		case d.Confidence > 1:
			d.Confidence = 1
		}
		out = append(out, d)
	}
	return out
}

// Best returns the highest-confidence detection. Ties keep the earliest.
func Best(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}

// SortByConfidence orders detections by descending confidence, in place
func SortByConfidence(dets []Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})
}
