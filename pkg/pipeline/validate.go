package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTask is returned when a task is missing a required field
	ErrInvalidTask = errors.New("invalid task")

	// ErrUnsupportedVersion is returned when a task carries an unknown schema version
	ErrUnsupportedVersion = errors.New("unsupported task version")
)

// Validate checks the fields a worker cannot do without.
func (t *FrameTask) Validate() error {
	if t.Version != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, t.Version, SchemaVersion)
	}
	if strings.TrimSpace(t.CameraID) == "" {
		return fmt.Errorf("%w: cameraId is required", ErrInvalidTask)
	}
	if t.LaneNo < 0 {
		return fmt.Errorf("%w: laneNo must be non-negative", ErrInvalidTask)
	}
	if t.CapturedAt.IsZero() {
		return fmt.Errorf("%w: capturedAt is required", ErrInvalidTask)
	}
	if len(t.Image) == 0 {
		return fmt.Errorf("%w: imageBytes is required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.ImagePath) == "" {
		return fmt.Errorf("%w: imagePath is required", ErrInvalidTask)
	}
	if t.Direction != DirectionIn && t.Direction != DirectionOut {
		return fmt.Errorf("%w: direction must be %q or %q", ErrInvalidTask, DirectionIn, DirectionOut)
	}
	return nil
}

// Validate checks the fields the saver needs to build a transaction.
// Optional attributes (vehicle type, confidence, video path) are defaulted
// by the saver instead.
func (t *ResultTask) Validate() error {
	if t.Version != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, t.Version, SchemaVersion)
	}
	if strings.TrimSpace(t.CameraID) == "" {
		return fmt.Errorf("%w: cameraId is required", ErrInvalidTask)
	}
	if t.LaneNo < 0 {
		return fmt.Errorf("%w: laneNo must be non-negative", ErrInvalidTask)
	}
	if t.EntryTime.IsZero() {
		return fmt.Errorf("%w: entryTime is required", ErrInvalidTask)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range", ErrInvalidTask, t.Confidence)
	}
	return nil
}

// DecodeFrameTask parses and validates a FrameTask message body.
func DecodeFrameTask(body []byte) (*FrameTask, error) {
	var task FrameTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &task, nil
}

// DecodeResultTask parses and validates a ResultTask message body.
func DecodeResultTask(body []byte) (*ResultTask, error) {
	var task ResultTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &task, nil
}
