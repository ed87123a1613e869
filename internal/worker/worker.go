package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/tendant/toll-frame-pipeline/internal/detection"
	"github.com/tendant/toll-frame-pipeline/internal/metrics"
	"github.com/tendant/toll-frame-pipeline/internal/recording"
	"github.com/tendant/toll-frame-pipeline/internal/taskchannel"
	"github.com/tendant/toll-frame-pipeline/pkg/pipeline"
)

// FrameStore persists captured frames at their image path
type FrameStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	PutImage(ctx context.Context, key string, img image.Image, quality int) error
}

// Recorder starts lane recordings
type Recorder interface {
	Request(laneNo int, streamURI string) (recording.Session, bool)
}

// DeliveryLedger counts deliveries per task key
type DeliveryLedger interface {
	Record(ctx context.Context, queue, key string, schemaVersion int) (int, error)
}

// Config for the detection worker
type Config struct {
	RecordingEnabled bool
	JPEGQuality      int
}

// Deps are the collaborators of a DetectionWorker. Recorder and Ledger are optional.
type Deps struct {
	Detector  detection.Detector
	Plates    detection.PlateReader
	Frames    FrameStore
	Recorder  Recorder
	Publisher taskchannel.Publisher
	Ledger    DeliveryLedger
	Metrics   *metrics.Metrics
}

// DetectionWorker turns FrameTasks into ResultTasks
type DetectionWorker struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time
}

func New(deps Deps, cfg Config, log zerolog.Logger) *DetectionWorker {
	if deps.Plates == nil {
		deps.Plates = detection.NopPlateReader{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	return &DetectionWorker{
		deps: deps,
		cfg:  cfg,
		log:  log.With().Str("component", "detection_worker").Logger(),
		now:  time.Now,
	}
}

// Handle is the taskchannel.Handler for the detect queue
func (w *DetectionWorker) Handle(ctx context.Context, d taskchannel.Delivery) error {
	log := w.log.With().
		Str("run_id", d.RunID).
		Str("task_key", d.Key).
		Int("attempt", d.Attempt).
		Logger()

	w.recordDelivery(ctx, log, d)

	// Step 1: Decode and validate task
	task, err := pipeline.DecodeFrameTask(d.Body)
	if err != nil {
		log.Error().Err(err).Msg("rejecting malformed frame task")
		return taskchannel.Permanent(err)
	}

	result, err := w.Process(ctx, log, task)
	if err != nil {
		return err
	}

	// Step 6: Publish result
	body, err := json.Marshal(result)
	if err != nil {
		return taskchannel.Permanent(fmt.Errorf("failed to marshal result: %w", err))
	}
	if err := w.deps.Publisher.Publish(ctx, pipeline.QueuePersist, result.Key(), body); err != nil {
		log.Warn().Err(err).Msg("failed to publish result")
		return fmt.Errorf("publish result: %w", err)
	}
	w.deps.Metrics.TasksPublished.WithLabelValues(pipeline.QueuePersist).Inc()

	log.Info().
		Str("camera_id", result.CameraID).
		Int("lane_no", result.LaneNo).
		Str("vehicle_no", result.VehicleNo).
		Str("vehicle_type", result.VehicleType).
		Float64("confidence", result.Confidence).
		Msg("result published")
	return nil
}

// Process runs detection for one validated frame task and builds its result
func (w *DetectionWorker) Process(ctx context.Context, log zerolog.Logger, task *pipeline.FrameTask) (*pipeline.ResultTask, error) {
	log = log.With().
		Str("camera_id", task.CameraID).
		Int("lane_no", task.LaneNo).
		Int("toll_id", task.TollID).
		Logger()

	// Step 2: Decode frame
	frame, err := imaging.Decode(bytes.NewReader(task.Image))
	if err != nil {
		log.Error().Err(err).Msg("rejecting undecodable frame")
		return nil, taskchannel.Permanent(fmt.Errorf("%w: image: %v", pipeline.ErrInvalidTask, err))
	}

	// Step 3: Detect, degrading to zero detections on failure
	var dets []detection.Detection
	if w.deps.Detector != nil {
		dets, err = w.deps.Detector.Detect(ctx, frame)
		if err != nil {
			log.Warn().Err(err).Msg("detector failed, continuing with zero detections")
			w.deps.Metrics.DetectorFailures.Inc()
			dets = nil
		}
	}
	dets = detection.Normalize(dets, frame.Bounds())

	// Step 4: Store frame; failure is non-fatal
	if err := w.storeFrame(ctx, task, frame); err != nil {
		log.Warn().Err(err).Str("image_path", task.ImagePath).Msg("failed to write frame")
		w.deps.Metrics.ImageWriteFailures.Inc()
	}

	best, found := detection.Best(dets)

	// Step 5: Recording and plate
	var videoPath string
	if found {
		w.deps.Metrics.Detections.WithLabelValues(string(best.VehicleType)).Inc()
		videoPath = w.requestRecording(log, task)
	}

	vehicleNo := detection.PlaceholderPlate(task.CapturedAt)
	if found {
		text, err := w.deps.Plates.ReadPlate(ctx, frame, best.Box)
		if err != nil {
			log.Warn().Err(err).Msg("plate reader failed")
		} else if plate, ok := detection.PickPlate(text); ok {
			vehicleNo = plate
		}
	}

	vehicleType := detection.Unknown.Title()
	confidence := 0.0
	if found {
		vehicleType = best.VehicleType.Title()
		confidence = best.Confidence
	}

	infos := make([]pipeline.DetectionInfo, 0, len(dets))
	for _, d := range dets {
		infos = append(infos, pipeline.DetectionInfo{
			VehicleType: d.VehicleType.Title(),
			Confidence:  d.Confidence,
			X1:          d.Box.X1,
			Y1:          d.Box.Y1,
			X2:          d.Box.X2,
			Y2:          d.Box.Y2,
		})
	}

	now := w.now()
	return &pipeline.ResultTask{
		Version:     pipeline.SchemaVersion,
		CameraID:    task.CameraID,
		LaneNo:      task.LaneNo,
		TollID:      task.TollID,
		Location:    task.Location,
		Company:     task.Company,
		Direction:   task.Direction,
		VehicleNo:   vehicleNo,
		VehicleType: vehicleType,
		Confidence:  confidence,
		EntryTime:   task.CapturedAt,
		ImagePath:   task.ImagePath,
		VideoPath:   videoPath,
		Detections:  infos,
		ProcessedAt: float64(now.UnixNano()) / float64(time.Second),
	}, nil
}

// storeFrame writes JPEG payloads as received and re-encodes anything else
func (w *DetectionWorker) storeFrame(ctx context.Context, task *pipeline.FrameTask, frame image.Image) error {
	if w.deps.Frames == nil {
		return nil
	}
	if isJPEG(task.Image) {
		return w.deps.Frames.Put(ctx, task.ImagePath, bytes.NewReader(task.Image))
	}
	return w.deps.Frames.PutImage(ctx, task.ImagePath, frame, w.cfg.JPEGQuality)
}

// requestRecording returns the video path of the lane's current session, if any
func (w *DetectionWorker) requestRecording(log zerolog.Logger, task *pipeline.FrameTask) string {
	if !w.cfg.RecordingEnabled || w.deps.Recorder == nil || task.StreamURI == "" {
		return ""
	}
	sess, started := w.deps.Recorder.Request(task.LaneNo, task.StreamURI)
	if started {
		log.Info().Str("session_id", sess.ID).Msg("lane recording started")
	} else {
		log.Debug().Str("session_id", sess.ID).Msg("lane already recording")
	}
	return sess.VideoPath
}

func (w *DetectionWorker) recordDelivery(ctx context.Context, log zerolog.Logger, d taskchannel.Delivery) {
	if w.deps.Ledger == nil {
		return
	}
	seen, err := w.deps.Ledger.Record(ctx, d.Queue, d.Key, pipeline.SchemaVersion)
	if err != nil {
		log.Warn().Err(err).Msg("failed to record delivery")
		return
	}
	if seen > 1 {
		log.Warn().Int("seen_count", seen).Msg("redelivered task")
		w.deps.Metrics.RedeliveriesObserved.WithLabelValues(d.Queue).Inc()
	}
}

func isJPEG(b []byte) bool {
	return len(b) > 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF
}
