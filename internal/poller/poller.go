package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/toll-frame-pipeline/internal/camera"
	"github.com/tendant/toll-frame-pipeline/internal/metrics"
	"github.com/tendant/toll-frame-pipeline/internal/taskchannel"
	"github.com/tendant/toll-frame-pipeline/pkg/pipeline"
)

// Grabber captures one encoded still frame from a live stream
type Grabber interface {
	Grab(ctx context.Context, streamURI string) ([]byte, error)
}

// CameraLister lists the cameras to poll in a cycle
type CameraLister interface {
	ListActive(ctx context.Context) []camera.Descriptor
}

type Config struct {
	Interval       time.Duration
	CaptureTimeout time.Duration
	Concurrency    int
}

// CycleReport summarizes one polling cycle
type CycleReport struct {
	Cameras   int
	Published int
	Failed    int
	Duration  time.Duration
}

// Poller captures one frame per active camera per interval and publishes
// it to the detect queue
type Poller struct {
	cfg       Config
	cameras   CameraLister
	grabber   Grabber
	publisher taskchannel.Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func New(cfg Config, cameras CameraLister, grabber Grabber, publisher taskchannel.Publisher, m *metrics.Metrics, log zerolog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if m == nil {
		m = metrics.New()
	}
	return &Poller{
		cfg:       cfg,
		cameras:   cameras,
		grabber:   grabber,
		publisher: publisher,
		metrics:   m,
		log:       log.With().Str("component", "frame_poller").Logger(),
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled. A cycle never overlaps the next one;
// ticks missed by a slow cycle are dropped.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info().
		Dur("interval", p.cfg.Interval).
		Int("concurrency", p.cfg.Concurrency).
		Msg("frame poller started")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		report := p.Cycle(ctx)
		if report.Duration > p.cfg.Interval {
			p.log.Warn().
				Dur("duration", report.Duration).
				Dur("interval", p.cfg.Interval).
				Msg("poll cycle exceeded interval")
		}

		select {
		case <-ctx.Done():
			p.log.Info().Msg("frame poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Cycle captures from every active camera once. Per-camera failures are
// logged and counted; they never abort the cycle.
func (p *Poller) Cycle(ctx context.Context) CycleReport {
	start := time.Now()
	cams := p.cameras.ListActive(ctx)

	var published, failed int64
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	for _, cam := range cams {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := p.captureOne(ctx, cam); err != nil {
				atomic.AddInt64(&failed, 1)
				return nil
			}
			atomic.AddInt64(&published, 1)
			return nil
		})
	}
	_ = g.Wait()

	report := CycleReport{
		Cameras:   len(cams),
		Published: int(published),
		Failed:    int(failed),
		Duration:  time.Since(start),
	}
	p.metrics.PollCycleDuration.Observe(report.Duration.Seconds())
	p.log.Debug().
		Int("cameras", report.Cameras).
		Int("published", report.Published).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("poll cycle finished")
	return report
}

func (p *Poller) captureOne(ctx context.Context, cam camera.Descriptor) error {
	log := p.log.With().
		Str("camera_id", cam.ID).
		Int("lane_no", cam.LaneNo).
		Int("toll_id", cam.TollID).
		Logger()

	cctx, cancel := context.WithTimeout(ctx, p.cfg.CaptureTimeout)
	data, err := p.grabber.Grab(cctx, cam.StreamURI)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("capture failed, skipping camera this cycle")
		p.metrics.CaptureFailures.WithLabelValues(cam.ID).Inc()
		return err
	}

	capturedAt := p.now().UTC()
	task := pipeline.FrameTask{
		Version:    pipeline.SchemaVersion,
		CameraID:   cam.ID,
		LaneNo:     cam.LaneNo,
		TollID:     cam.TollID,
		Location:   cam.Location,
		Company:    cam.Company,
		Direction:  cam.Direction,
		StreamURI:  cam.StreamURI,
		CapturedAt: capturedAt,
		Image:      data,
		ImagePath:  pipeline.ImagePath(cam.TollID, cam.LaneNo, capturedAt),
	}

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal frame task: %w", err)
	}
	if err := p.publisher.Publish(ctx, pipeline.QueueDetect, task.Key(), body); err != nil {
		log.Warn().Err(err).Msg("failed to publish frame task")
		return err
	}

	p.metrics.FramesCaptured.Inc()
	p.metrics.TasksPublished.WithLabelValues(pipeline.QueueDetect).Inc()
	log.Debug().Str("image_path", task.ImagePath).Int("bytes", len(data)).Msg("frame published")
	return nil
}
