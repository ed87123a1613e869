package pipeline

import (
	"time"
)

// SchemaVersion is the version stamped on every task this build publishes.
// Consumers reject any other version as a permanent failure.
const SchemaVersion = 1

// Queue names
const (
	QueueDetect  = "detect"  // ingress -> worker
	QueuePersist = "persist" // worker -> saver
)

// Direction constants
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// FrameTask carries one captured frame from the poller to a detection worker
type FrameTask struct {
	Version    int       `json:"version"`
	CameraID   string    `json:"cameraId"`
	LaneNo     int       `json:"laneNo"`
	TollID     int       `json:"tollId"`
	Location   string    `json:"location"`
	Company    string    `json:"company"`
	Direction  string    `json:"direction"`
	StreamURI  string    `json:"streamUri"`
	CapturedAt time.Time `json:"capturedAt"`
	Image      []byte    `json:"imageBytes"` // base64 in JSON
	ImagePath  string    `json:"imagePath"`
}

// Key returns the natural key of the capture: one camera, one instant.
func (t *FrameTask) Key() string {
	return TaskKey(t.CameraID, t.CapturedAt)
}

// ResultTask carries the outcome of one FrameTask to the saver
type ResultTask struct {
	Version     int             `json:"version"`
	CameraID    string          `json:"cameraId"`
	LaneNo      int             `json:"laneNo"`
	TollID      int             `json:"tollId"`
	Location    string          `json:"location"`
	Company     string          `json:"company"`
	Direction   string          `json:"direction"`
	VehicleNo   string          `json:"vehicleNo"`
	VehicleType string          `json:"vehicleType"`
	Confidence  float64         `json:"confidence"`
	EntryTime   time.Time       `json:"entryTime"`
	ImagePath   string          `json:"imagePath"`
	VideoPath   string          `json:"videoPath,omitempty"`
	Detections  []DetectionInfo `json:"detections,omitempty"`
	ProcessedAt float64         `json:"processedAt"` // unix seconds
}

// Key returns the same natural key as the FrameTask it was derived from.
func (t *ResultTask) Key() string {
	return TaskKey(t.CameraID, t.EntryTime)
}

// DetectionInfo is the wire form of a single vehicle detection
type DetectionInfo struct {
	VehicleType string  `json:"vehicleType"`
	Confidence  float64 `json:"confidence"`
	X1          int     `json:"x1"`
	Y1          int     `json:"y1"`
	X2          int     `json:"x2"`
	Y2          int     `json:"y2"`
}

// TaskKey builds the deduplication key shared by a frame and its result.
func TaskKey(cameraID string, capturedAt time.Time) string {
	return cameraID + "@" + capturedAt.UTC().Format(time.RFC3339Nano)
}
