package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/tendant/toll-frame-pipeline/internal/detection"
	"github.com/tendant/toll-frame-pipeline/internal/metrics"
	"github.com/tendant/toll-frame-pipeline/internal/recording"
	"github.com/tendant/toll-frame-pipeline/internal/storage"
	"github.com/tendant/toll-frame-pipeline/internal/taskchannel"
	"github.com/tendant/toll-frame-pipeline/pkg/pipeline"
)

type fakeDetector struct {
	dets []detection.Detection
	err  error
}

func (f *fakeDetector) Detect(ctx context.Context, frame image.Image) ([]detection.Detection, error) {
	return f.dets, f.err
}

type fakePlates struct{ text string }

func (f fakePlates) ReadPlate(context.Context, image.Image, detection.BoundingBox) (string, error) {
	return f.text, nil
}

type published struct {
	queue, key string
	body       []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(ctx context.Context, queue, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{queue, key, body})
	return nil
}

func (f *fakePublisher) results(t *testing.T) []pipeline.ResultTask {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pipeline.ResultTask, 0, len(f.msgs))
	for _, m := range f.msgs {
		if m.queue != pipeline.QueuePersist {
			t.Errorf("Expected persist queue, got %s", m.queue)
		}
		var r pipeline.ResultTask
		if err := json.Unmarshal(m.body, &r); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if m.key != r.Key() {
			t.Errorf("Expected publish key %s, got %s", r.Key(), m.key)
		}
		out = append(out, r)
	}
	return out
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests int
}

func (f *fakeRecorder) Request(laneNo int, streamURI string) (recording.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return recording.Session{ID: "s1", LaneNo: laneNo, VideoPath: "/2/1758549787000.mp4"}, f.requests == 1
}

type failingFrames struct{}

func (failingFrames) Put(context.Context, string, io.Reader) error {
	return errors.New("disk full")
}

func (failingFrames) PutImage(context.Context, string, image.Image, int) error {
	return errors.New("disk full")
}

type fakeLedger struct{ seen int }

func (f *fakeLedger) Record(ctx context.Context, queue, key string, v int) (int, error) {
	f.seen++
	return f.seen, nil
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(64, 48, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func frameTask(t *testing.T, capturedAt time.Time) pipeline.FrameTask {
	return pipeline.FrameTask{
		Version:    pipeline.SchemaVersion,
		CameraID:   "cam-1",
		LaneNo:     2,
		TollID:     101,
		Location:   "North Plaza",
		Company:    "Acme Tolls",
		Direction:  pipeline.DirectionIn,
		StreamURI:  "rtsp://10.0.0.5/stream",
		CapturedAt: capturedAt,
		Image:      jpegBytes(t),
		ImagePath:  pipeline.ImagePath(101, 2, capturedAt),
	}
}

func delivery(t *testing.T, task pipeline.FrameTask) taskchannel.Delivery {
	body, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return taskchannel.Delivery{Queue: pipeline.QueueDetect, Key: task.Key(), Body: body, Attempt: 1, RunID: "run-1"}
}

type harness struct {
	worker    *DetectionWorker
	publisher *fakePublisher
	store     *storage.FilesystemStorage
	metrics   *metrics.Metrics
	recorder  *fakeRecorder
}

func newHarness(t *testing.T, det detection.Detector, plates detection.PlateReader, recordingEnabled bool) *harness {
	t.Helper()
	store, err := storage.NewFilesystemStorage(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	h := &harness{
		publisher: &fakePublisher{},
		store:     store,
		metrics:   metrics.New(),
		recorder:  &fakeRecorder{},
	}
	h.worker = New(Deps{
		Detector:  det,
		Plates:    plates,
		Frames:    store,
		Recorder:  h.recorder,
		Publisher: h.publisher,
		Metrics:   h.metrics,
	}, Config{RecordingEnabled: recordingEnabled, JPEGQuality: 90}, zerolog.Nop())
	h.worker.now = func() time.Time { return time.Unix(1758549800, 0) }
	return h
}

var capturedAt = time.Date(2025, 9, 22, 14, 3, 7, 42_000_000, time.UTC)

func TestHandle_CarDetectionProducesResult(t *testing.T) {
	det := &fakeDetector{dets: []detection.Detection{
		{VehicleType: detection.Truck, Confidence: 0.4, Box: detection.BoundingBox{0, 0, 10, 10}},
		{VehicleType: detection.Car, Confidence: 0.91, Box: detection.BoundingBox{5, 5, 40, 40}},
	}}
	h := newHarness(t, det, nil, true)
	task := frameTask(t, capturedAt)

	if err := h.worker.Handle(context.Background(), delivery(t, task)); err != nil {
		t.Fatalf("Expected task to be acknowledged, got %v", err)
	}

	results := h.publisher.results(t)
	if len(results) != 1 {
		t.Fatalf("Expected exactly one result, got %d", len(results))
	}
	r := results[0]
	if r.VehicleType != "Car" || r.Confidence != 0.91 {
		t.Errorf("Expected Car at 0.91, got %s at %v", r.VehicleType, r.Confidence)
	}
	if r.VehicleNo != "UNKNOWN_140307_042" {
		t.Errorf("Expected placeholder plate, got %s", r.VehicleNo)
	}
	if r.ImagePath != task.ImagePath || r.TollID != 101 || r.LaneNo != 2 || r.Direction != "in" {
		t.Errorf("Expected frame fields to be carried over, got %+v", r)
	}
	if r.VideoPath != "/2/1758549787000.mp4" {
		t.Errorf("Expected video path of the started recording, got %q", r.VideoPath)
	}
	if len(r.Detections) != 2 || r.ProcessedAt != 1758549800 {
		t.Errorf("Unexpected detections or processedAt: %+v", r)
	}

	stored, err := os.ReadFile(filepath.Join(h.store.Root(), filepath.FromSlash(task.ImagePath)))
	if err != nil {
		t.Fatalf("Expected frame to be stored, got %v", err)
	}
	if !bytes.Equal(stored, task.Image) {
		t.Errorf("Expected JPEG payload to be stored as received")
	}
	if got := testutil.ToFloat64(h.metrics.Detections.WithLabelValues("car")); got != 1 {
		t.Errorf("Expected detection metric, got %v", got)
	}
}

func TestHandle_DetectorFailureStillEmitsPlaceholder(t *testing.T) {
	h := newHarness(t, &fakeDetector{err: errors.New("model crashed")}, nil, true)

	if err := h.worker.Handle(context.Background(), delivery(t, frameTask(t, capturedAt))); err != nil {
		t.Fatalf("Expected task to be acknowledged, got %v", err)
	}

	results := h.publisher.results(t)
	if len(results) != 1 {
		t.Fatalf("Expected a placeholder result, got %d", len(results))
	}
	if results[0].VehicleType != "Unknown" || results[0].Confidence != 0 || results[0].VideoPath != "" {
		t.Errorf("Unexpected placeholder result: %+v", results[0])
	}
	if h.recorder.requests != 0 {
		t.Errorf("Expected no recording without a detection")
	}
	if got := testutil.ToFloat64(h.metrics.DetectorFailures); got != 1 {
		t.Errorf("Expected detector failure metric, got %v", got)
	}
}

func TestHandle_PlateValidity(t *testing.T) {
	tests := []struct {
		ocr  string
		want string
	}{
		{"AB12XY3456", "AB12XY3456"},
		{"HELLO", "UNKNOWN_140307_042"},
	}

	for _, tt := range tests {
		t.Run(tt.ocr, func(t *testing.T) {
			det := &fakeDetector{dets: []detection.Detection{{VehicleType: detection.Car, Confidence: 0.8, Box: detection.BoundingBox{0, 0, 30, 30}}}}
			h := newHarness(t, det, fakePlates{text: tt.ocr}, false)

			if err := h.worker.Handle(context.Background(), delivery(t, frameTask(t, capturedAt))); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if got := h.publisher.results(t)[0].VehicleNo; got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestHandle_MalformedTaskIsRejected(t *testing.T) {
	h := newHarness(t, &fakeDetector{}, nil, true)

	task := frameTask(t, capturedAt)
	task.CameraID = ""
	err := h.worker.Handle(context.Background(), delivery(t, task))
	if !taskchannel.IsPermanent(err) || !errors.Is(err, pipeline.ErrInvalidTask) {
		t.Errorf("Expected permanent invalid task error, got %v", err)
	}

	bad := taskchannel.Delivery{Queue: pipeline.QueueDetect, Key: "x", Body: []byte("not json")}
	if err := h.worker.Handle(context.Background(), bad); !taskchannel.IsPermanent(err) {
		t.Errorf("Expected permanent error for malformed JSON, got %v", err)
	}

	if len(h.publisher.results(t)) != 0 {
		t.Errorf("Expected nothing to be published")
	}
}

func TestHandle_UndecodableImageIsRejected(t *testing.T) {
	h := newHarness(t, &fakeDetector{}, nil, true)

	task := frameTask(t, capturedAt)
	task.Image = []byte("not an image")
	if err := h.worker.Handle(context.Background(), delivery(t, task)); !taskchannel.IsPermanent(err) {
		t.Errorf("Expected permanent error, got %v", err)
	}
}

func TestHandle_NonJPEGFrameIsReencoded(t *testing.T) {
	h := newHarness(t, &fakeDetector{}, nil, false)

	var buf bytes.Buffer
	png.Encode(&buf, imaging.New(8, 8, color.White))
	task := frameTask(t, capturedAt)
	task.Image = buf.Bytes()

	if err := h.worker.Handle(context.Background(), delivery(t, task)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	r, err := h.store.GetReader(context.Background(), task.ImagePath)
	if err != nil {
		t.Fatalf("Expected stored frame, got %v", err)
	}
	defer r.Close()
	head := make([]byte, 3)
	io.ReadFull(r, head)
	if !isJPEG(append(head, 0)) {
		t.Errorf("Expected stored frame to be JPEG, got % x", head)
	}
}

func TestHandle_ImageWriteFailureIsNonFatal(t *testing.T) {
	pub := &fakePublisher{}
	m := metrics.New()
	w := New(Deps{Detector: &fakeDetector{}, Frames: failingFrames{}, Publisher: pub, Metrics: m}, Config{}, zerolog.Nop())

	if err := w.Handle(context.Background(), delivery(t, frameTask(t, capturedAt))); err != nil {
		t.Fatalf("Expected task to be acknowledged, got %v", err)
	}
	if len(pub.results(t)) != 1 {
		t.Errorf("Expected result to be published despite image loss")
	}
	if got := testutil.ToFloat64(m.ImageWriteFailures); got != 1 {
		t.Errorf("Expected image write failure metric, got %v", got)
	}
}

func TestHandle_PublishFailureIsTransient(t *testing.T) {
	h := newHarness(t, &fakeDetector{}, nil, false)
	h.publisher.err = errors.New("broker unavailable")

	err := h.worker.Handle(context.Background(), delivery(t, frameTask(t, capturedAt)))
	if err == nil || taskchannel.IsPermanent(err) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestHandle_SameLaneRecordsOnce(t *testing.T) {
	det := &fakeDetector{dets: []detection.Detection{{VehicleType: detection.Car, Confidence: 0.9, Box: detection.BoundingBox{0, 0, 30, 30}}}}
	h := newHarness(t, det, nil, true)

	h.worker.Handle(context.Background(), delivery(t, frameTask(t, capturedAt)))
	h.worker.Handle(context.Background(), delivery(t, frameTask(t, capturedAt.Add(time.Second))))

	results := h.publisher.results(t)
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	if results[0].VideoPath != results[1].VideoPath {
		t.Errorf("Expected both results to link the lane's recording")
	}
}

func TestHandle_RecordingDisabled(t *testing.T) {
	det := &fakeDetector{dets: []detection.Detection{{VehicleType: detection.Car, Confidence: 0.9, Box: detection.BoundingBox{0, 0, 30, 30}}}}
	h := newHarness(t, det, nil, false)

	h.worker.Handle(context.Background(), delivery(t, frameTask(t, capturedAt)))
	if h.recorder.requests != 0 {
		t.Errorf("Expected no recording requests when disabled")
	}
}

func TestHandle_RedeliveryIsObserved(t *testing.T) {
	pub := &fakePublisher{}
	m := metrics.New()
	w := New(Deps{Detector: &fakeDetector{}, Publisher: pub, Ledger: &fakeLedger{}, Metrics: m}, Config{}, zerolog.Nop())

	d := delivery(t, frameTask(t, capturedAt))
	w.Handle(context.Background(), d)
	w.Handle(context.Background(), d)

	if got := testutil.ToFloat64(m.RedeliveriesObserved.WithLabelValues(pipeline.QueueDetect)); got != 1 {
		t.Errorf("Expected one observed redelivery, got %v", got)
	}
	results := pub.results(t)
	if len(results) != 2 || results[0].Key() != results[1].Key() {
		t.Errorf("Expected redelivery to publish a result with the same key")
	}
}
