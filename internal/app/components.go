package app

import (
	"context"
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/tendant/toll-frame-pipeline/internal/camera"
	"github.com/tendant/toll-frame-pipeline/internal/detection"
	"github.com/tendant/toll-frame-pipeline/internal/poller"
	"github.com/tendant/toll-frame-pipeline/internal/recording"
	"github.com/tendant/toll-frame-pipeline/internal/repository"
	"github.com/tendant/toll-frame-pipeline/internal/saver"
	"github.com/tendant/toll-frame-pipeline/internal/storage"
	"github.com/tendant/toll-frame-pipeline/internal/taskchannel"
	"github.com/tendant/toll-frame-pipeline/internal/worker"
)

// DeliveryLedger is satisfied by the dedupe ledger
type DeliveryLedger interface {
	Record(ctx context.Context, queue, key string, schemaVersion int) (int, error)
}

// DeliveryLedger returns the broker ledger, or nil when it is disabled
func (b *Broker) DeliveryLedger() DeliveryLedger {
	if b.Ledger == nil {
		return nil
	}
	return b.Ledger
}

// NewPoller builds the frame poller over the camera table
func NewPoller(base *Base, gdb *gorm.DB, grabber poller.Grabber, publisher taskchannel.Publisher) *poller.Poller {
	cfg := base.Config.Poller
	registry := camera.NewRegistry(repository.NewCameraRepository(gdb), base.Log)
	return poller.New(poller.Config{
		Interval:       cfg.Interval,
		CaptureTimeout: cfg.CaptureTimeout,
		Concurrency:    cfg.CaptureConcurrency,
	}, registry, grabber, publisher, base.Metrics, base.Log)
}

// OpenDetector loads the vehicle detection model with one session per worker
func OpenDetector(base *Base) (*detection.ONNXDetector, error) {
	cfg := base.Config
	return detection.NewONNXDetector(detection.ONNXConfig{
		ModelPath:          cfg.Detector.ModelPath,
		RuntimeLibraryPath: cfg.Detector.RuntimeLibraryPath,
		Threshold:          cfg.Detector.ConfidenceThreshold,
		Sessions:           cfg.Worker.Concurrency,
	})
}

// NewPlateReader returns the HTTP plate reader when configured
func NewPlateReader(base *Base) detection.PlateReader {
	if url := base.Config.Detector.PlateReaderURL; url != "" {
		return detection.NewHTTPPlateReader(url)
	}
	base.Log.Warn().Msg("PLATE_READER_URL not set, every result gets a placeholder plate")
	return detection.NopPlateReader{}
}

// WorkerStack is a detection worker with its frame store and lane recorder
type WorkerStack struct {
	Worker     *worker.DetectionWorker
	Frames     *storage.FilesystemStorage
	Videos     *storage.FilesystemStorage
	Recordings *recording.Orchestrator
}

// NewWorkerStack builds the detection worker. ledger may be nil.
func NewWorkerStack(base *Base, detector detection.Detector, plates detection.PlateReader, transcoder recording.Transcoder, publisher taskchannel.Publisher, ledger DeliveryLedger) (*WorkerStack, error) {
	cfg := base.Config

	frames, err := openStore(cfg.Storage.ImageRoot)
	if err != nil {
		return nil, fmt.Errorf("image root: %w", err)
	}
	videos, err := openStore(cfg.Storage.VideoRoot)
	if err != nil {
		return nil, fmt.Errorf("video root: %w", err)
	}

	recordings := recording.NewOrchestrator(recording.Config{
		Duration: cfg.Recording.Duration,
		Grace:    cfg.Recording.Grace,
	}, transcoder, videos, base.Metrics, base.Log)

	deps := worker.Deps{
		Detector:  detector,
		Plates:    plates,
		Frames:    frames,
		Recorder:  recordings,
		Publisher: publisher,
		Metrics:   base.Metrics,
	}
	if ledger != nil {
		deps.Ledger = ledger
	}

	w := worker.New(deps, worker.Config{
		RecordingEnabled: cfg.Recording.Enabled,
		JPEGQuality:      cfg.Poller.JPEGQuality,
	}, base.Log)

	return &WorkerStack{
		Worker:     w,
		Frames:     frames,
		Videos:     videos,
		Recordings: recordings,
	}, nil
}

// NewResultSaver builds the saver over the transactions table. ledger may be nil.
func NewResultSaver(base *Base, gdb *gorm.DB, ledger DeliveryLedger) *saver.ResultSaver {
	var l saver.DeliveryLedger
	if ledger != nil {
		l = ledger
	}
	return saver.New(repository.NewTransactionRepository(gdb), l, base.Metrics, base.Log)
}

func openStore(root string) (*storage.FilesystemStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return storage.NewFilesystemStorage(root)
}
