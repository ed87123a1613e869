package pipeline

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func validFrameTask() FrameTask {
	return FrameTask{
		Version:    SchemaVersion,
		CameraID:   "cam-1",
		LaneNo:     2,
		TollID:     101,
		Location:   "North Plaza",
		Company:    "Acme Tolls",
		Direction:  DirectionIn,
		StreamURI:  "rtsp://x",
		CapturedAt: time.Date(2025, 9, 22, 14, 3, 7, 42_000_000, time.UTC),
		Image:      []byte{0xff, 0xd8, 0xff},
		ImagePath:  "/101/2/2025-09-22/vehicle_14_03_07_042.jpg",
	}
}

func TestImagePath(t *testing.T) {
	at := time.Date(2025, 9, 22, 14, 3, 7, 42_123_456, time.UTC)
	got := ImagePath(101, 2, at)
	want := "/101/2/2025-09-22/vehicle_14_03_07_042.jpg"
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	// Local times are normalized to UTC
	loc := time.FixedZone("IST", 5*3600+1800)
	got = ImagePath(101, 2, at.In(loc))
	if got != want {
		t.Errorf("Expected UTC path %s, got %s", want, got)
	}
}

func TestImagePath_UniquePerInstant(t *testing.T) {
	at := time.Date(2025, 9, 22, 14, 3, 7, 0, time.UTC)
	a := ImagePath(101, 2, at)
	b := ImagePath(101, 2, at.Add(time.Millisecond))
	if a == b {
		t.Errorf("Expected distinct paths for distinct milliseconds, got %s twice", a)
	}
}

func TestVideoPath(t *testing.T) {
	at := time.Unix(1758549787, 0)
	if got := VideoPath(2, at); got != "/2/1758549787000.mp4" {
		t.Errorf("Expected /2/1758549787000.mp4, got %s", got)
	}

	later := at.Add(250 * time.Millisecond)
	if VideoPath(2, later) == VideoPath(2, at) {
		t.Errorf("Expected recordings started within one second to get distinct paths")
	}
}

func TestFrameTask_JSONRoundTripCarriesBase64Image(t *testing.T) {
	task := validFrameTask()
	body, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(body), `"imageBytes":"/9j/"`) {
		t.Errorf("Expected base64 image field, got %s", body)
	}

	decoded, err := DecodeFrameTask(body)
	if err != nil {
		t.Fatalf("Expected valid task, got %v", err)
	}
	if decoded.Key() != task.Key() {
		t.Errorf("Expected key %s, got %s", task.Key(), decoded.Key())
	}
}

func TestFrameTask_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FrameTask)
		want   error
	}{
		{"valid", func(*FrameTask) {}, nil},
		{"wrong version", func(f *FrameTask) { f.Version = 0 }, ErrUnsupportedVersion},
		{"missing camera", func(f *FrameTask) { f.CameraID = " " }, ErrInvalidTask},
		{"negative lane", func(f *FrameTask) { f.LaneNo = -1 }, ErrInvalidTask},
		{"missing time", func(f *FrameTask) { f.CapturedAt = time.Time{} }, ErrInvalidTask},
		{"missing image", func(f *FrameTask) { f.Image = nil }, ErrInvalidTask},
		{"missing path", func(f *FrameTask) { f.ImagePath = "" }, ErrInvalidTask},
		{"bad direction", func(f *FrameTask) { f.Direction = "sideways" }, ErrInvalidTask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := validFrameTask()
			tt.mutate(&task)
			err := task.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestDecodeFrameTask_MalformedJSON(t *testing.T) {
	_, err := DecodeFrameTask([]byte(`{"cameraId":`))
	if !errors.Is(err, ErrInvalidTask) {
		t.Errorf("Expected ErrInvalidTask, got %v", err)
	}
}

func TestResultTask_Validate(t *testing.T) {
	task := ResultTask{
		Version:   SchemaVersion,
		CameraID:  "cam-1",
		LaneNo:    2,
		TollID:    101,
		EntryTime: time.Now(),
	}
	if err := task.Validate(); err != nil {
		t.Errorf("Expected minimal result to be valid, got %v", err)
	}

	task.Confidence = 1.5
	if err := task.Validate(); !errors.Is(err, ErrInvalidTask) {
		t.Errorf("Expected out of range confidence to be rejected, got %v", err)
	}
}

func TestResultTask_KeyMatchesFrameTask(t *testing.T) {
	frame := validFrameTask()
	result := ResultTask{CameraID: frame.CameraID, EntryTime: frame.CapturedAt}
	if frame.Key() != result.Key() {
		t.Errorf("Expected matching keys, got %s and %s", frame.Key(), result.Key())
	}
}
