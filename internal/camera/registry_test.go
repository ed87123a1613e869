package camera

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type staticSource struct {
	records []Record
	err     error
}

func (s staticSource) ActiveCameras(ctx context.Context) ([]Record, error) {
	return s.records, s.err
}

func TestListActive_FiltersInvalidCameras(t *testing.T) {
	source := staticSource{records: []Record{
		{ID: "cam-1", TollID: 101, LaneNo: 2, IO: "in", StreamURI: "rtsp://10.0.0.5:554/stream", Active: true},
		{ID: "cam-2", TollID: 101, LaneNo: 3, IO: "OUT", StreamURI: "rtmp://edge/live", Active: true},
		{ID: "cam-3", LaneNo: 4, StreamURI: "http://10.0.0.7/mjpeg", Active: true},
		{ID: "cam-4", LaneNo: 5, StreamURI: "rtsp:///nohost", Active: true},
		{ID: "cam-5", LaneNo: 6, StreamURI: "rtsp://10.0.0.9/s", Active: false},
		{ID: "cam-6", LaneNo: -1, StreamURI: "rtsp://10.0.0.9/s", Active: true},
		{ID: "cam-7", LaneNo: 7, StreamURI: "", Active: true},
	}}

	got := NewRegistry(source, zerolog.Nop()).ListActive(context.Background())
	if len(got) != 2 {
		t.Fatalf("Expected 2 usable cameras, got %d: %+v", len(got), got)
	}
	if got[0].ID != "cam-1" || got[0].Direction != "in" {
		t.Errorf("Unexpected first camera: %+v", got[0])
	}
	if got[1].ID != "cam-2" || got[1].Direction != "out" {
		t.Errorf("Expected direction to be normalized, got %+v", got[1])
	}
	if got[0].Company != "Unknown" || got[0].Location != "Unknown" {
		t.Errorf("Expected missing company and location to default, got %+v", got[0])
	}
}

func TestListActive_SourceErrorYieldsEmptyList(t *testing.T) {
	got := NewRegistry(staticSource{err: errors.New("db down")}, zerolog.Nop()).ListActive(context.Background())
	if len(got) != 0 {
		t.Errorf("Expected no cameras, got %d", len(got))
	}
}

func TestValidateStreamURI(t *testing.T) {
	valid := []string{"rtsp://cam/stream", "RTSPS://cam:322/s", "srt://cam:9000", " rtsp://user:pw@cam/1 "}
	for _, uri := range valid {
		if err := ValidateStreamURI(uri); err != nil {
			t.Errorf("Expected %q to be valid, got %v", uri, err)
		}
	}

	invalid := []string{"", "file:///dev/video0", "rtsp://", "not a uri", "http://cam/stream"}
	for _, uri := range invalid {
		if err := ValidateStreamURI(uri); !errors.Is(err, ErrInvalidStreamURI) {
			t.Errorf("Expected %q to be rejected, got %v", uri, err)
		}
	}
}

func TestNormalizeDirection(t *testing.T) {
	tests := map[string]string{"in": "in", "": "in", "Out": "out", "exit": "out", "both": "in"}
	for in, want := range tests {
		if got := NormalizeDirection(in); got != want {
			t.Errorf("NormalizeDirection(%q): expected %s, got %s", in, want, got)
		}
	}
}
