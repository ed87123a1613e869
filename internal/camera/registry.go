package camera

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tendant/toll-frame-pipeline/pkg/pipeline"
)

// ErrInvalidStreamURI is returned for stream URIs the poller cannot open
var ErrInvalidStreamURI = errors.New("invalid stream URI")

var streamSchemes = map[string]bool{
	"rtsp":  true,
	"rtsps": true,
	"rtmp":  true,
	"rtmps": true,
	"srt":   true,
}

// Record is a camera row as stored in the datastore
type Record struct {
	ID        string
	Company   string
	Location  string
	TollID    int
	LaneNo    int
	IO        string
	StreamURI string
	Active    bool
}

// Descriptor is a camera the poller can capture from
type Descriptor struct {
	ID        string
	Company   string
	Location  string
	TollID    int
	LaneNo    int
	Direction string
	StreamURI string
}

// Source lists the cameras marked active in the datastore
type Source interface {
	ActiveCameras(ctx context.Context) ([]Record, error)
}

// Registry turns datastore rows into capturable camera descriptors
type Registry struct {
	source Source
	log    zerolog.Logger
}

func NewRegistry(source Source, log zerolog.Logger) *Registry {
	return &Registry{
		source: source,
		log:    log.With().Str("component", "camera_registry").Logger(),
	}
}

// ListActive returns the active cameras with a usable stream. It never fails:
// a datastore error yields an empty list for this cycle.
func (r *Registry) ListActive(ctx context.Context) []Descriptor {
	records, err := r.source.ActiveCameras(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list cameras")
		return nil
	}

	out := make([]Descriptor, 0, len(records))
	for _, rec := range records {
		d, err := Describe(rec)
		if err != nil {
			r.log.Warn().Err(err).Str("camera_id", rec.ID).Msg("skipping camera")
			continue
		}
		out = append(out, d)
	}
	return out
}

// Describe validates a record and normalizes it into a Descriptor
func Describe(rec Record) (Descriptor, error) {
	if !rec.Active {
		return Descriptor{}, fmt.Errorf("camera %s is not active", rec.ID)
	}
	if strings.TrimSpace(rec.ID) == "" {
		return Descriptor{}, errors.New("camera id is required")
	}
	if rec.LaneNo < 0 {
		return Descriptor{}, fmt.Errorf("camera %s has negative lane %d", rec.ID, rec.LaneNo)
	}
	if err := ValidateStreamURI(rec.StreamURI); err != nil {
		return Descriptor{}, err
	}

	company := rec.Company
	if company == "" {
		company = "Unknown"
	}
	location := rec.Location
	if location == "" {
		location = "Unknown"
	}

	return Descriptor{
		ID:        rec.ID,
		Company:   company,
		Location:  location,
		TollID:    rec.TollID,
		LaneNo:    rec.LaneNo,
		Direction: NormalizeDirection(rec.IO),
		StreamURI: strings.TrimSpace(rec.StreamURI),
	}, nil
}

// ValidateStreamURI accepts live stream URIs with a host
func ValidateStreamURI(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidStreamURI)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStreamURI, err)
	}
	if !streamSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidStreamURI, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidStreamURI)
	}
	return nil
}

// NormalizeDirection maps free-form io values to in/out, defaulting to in
func NormalizeDirection(io string) string {
	switch strings.ToLower(strings.TrimSpace(io)) {
	case "out", "exit", "outbound":
		return pipeline.DirectionOut
	default:
		return pipeline.DirectionIn
	}
}
