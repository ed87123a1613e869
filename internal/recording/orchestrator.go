package recording

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tendant/toll-frame-pipeline/pkg/pipeline"
)

const defaultHistorySize = 100

// Transcoder records duration of a live stream into outputPath
type Transcoder interface {
	Record(ctx context.Context, streamURI, outputPath string, duration time.Duration) error
}

// PathResolver maps a video key to a filesystem path
type PathResolver interface {
	Resolve(key string) (string, error)
}

// Observer receives recording events. Optional.
type Observer interface {
	RecordingEvent(outcome string)
	ActiveRecordings(n int)
}

type Config struct {
	Duration    time.Duration
	Grace       time.Duration
	HistorySize int
}

// Orchestrator runs at most one recording per lane. Each recording is a
// supervised goroutine bounded by Duration+Grace; the lane is released when
// it returns, fails, panics or times out.
type Orchestrator struct {
	cfg        Config
	transcoder Transcoder
	videos     PathResolver
	observer   Observer
	log        zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	lanes   map[int]*Session
	history []Session
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(cfg Config, transcoder Transcoder, videos PathResolver, observer Observer, log zerolog.Logger) *Orchestrator {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		transcoder: transcoder,
		videos:     videos,
		observer:   observer,
		log:        log.With().Str("component", "recording").Logger(),
		now:        time.Now,
		lanes:      make(map[int]*Session),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Request starts a recording of laneNo unless one is already pending or
// running for it. It never blocks on the recording itself.
func (o *Orchestrator) Request(laneNo int, streamURI string) (Session, bool) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.event("skipped")
		return Session{LaneNo: laneNo, Status: StatusIdle}, false
	}
	if current, ok := o.lanes[laneNo]; ok {
		s := *current
		o.mu.Unlock()
		o.event("skipped")
		return s, false
	}

	now := o.now()
	sess := &Session{
		ID:        uuid.New().String(),
		LaneNo:    laneNo,
		StreamURI: streamURI,
		VideoPath: pipeline.VideoPath(laneNo, now),
		Status:    StatusPending,
		StartedAt: now,
	}
	o.lanes[laneNo] = sess
	active := len(o.lanes)
	snapshot := *sess
	o.wg.Add(1)
	o.mu.Unlock()

	o.event("started")
	o.activeChanged(active)
	o.log.Info().
		Str("session_id", sess.ID).
		Int("lane_no", laneNo).
		Str("video_path", sess.VideoPath).
		Msg("recording requested")

	go o.supervise(sess.ID, laneNo)
	return snapshot, true
}

func (o *Orchestrator) supervise(id string, laneNo int) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.Duration+o.cfg.Grace)
	defer cancel()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recording panic: %v\n%s", r, debug.Stack())
		}
		o.finish(laneNo, id, err)
	}()

	o.mu.Lock()
	sess := o.lanes[laneNo]
	sess.Status = StatusRunning
	uri, key := sess.StreamURI, sess.VideoPath
	o.mu.Unlock()

	path, err := o.videos.Resolve(key)
	if err != nil {
		return
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("transcoder panic: %v", r)
			}
		}()
		done <- o.transcoder.Record(ctx, uri, path, o.cfg.Duration)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
}

func (o *Orchestrator) finish(laneNo int, id string, err error) {
	finished := o.now()
	outcome := OutcomeCompleted
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		outcome = OutcomeTimedOut
	case err != nil:
		outcome = OutcomeFailed
	}

	o.mu.Lock()
	sess, ok := o.lanes[laneNo]
	if !ok || sess.ID != id {
		o.mu.Unlock()
		return
	}
	delete(o.lanes, laneNo)
	sess.Status = StatusIdle
	sess.Outcome = outcome
	sess.FinishedAt = &finished
	if err != nil {
		sess.Error = err.Error()
	}
	o.history = append(o.history, *sess)
	if len(o.history) > o.cfg.HistorySize {
		o.history = o.history[len(o.history)-o.cfg.HistorySize:]
	}
	active := len(o.lanes)
	o.mu.Unlock()

	o.event(outcome)
	o.activeChanged(active)

	logEvent := o.log.Info()
	if err != nil {
		logEvent = o.log.Warn().Err(err)
	}
	logEvent.
		Str("session_id", id).
		Int("lane_no", laneNo).
		Str("outcome", outcome).
		Dur("elapsed", finished.Sub(sess.StartedAt)).
		Msg("recording finished")
}

// Status returns the state of a lane
func (o *Orchestrator) Status(laneNo int) Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.lanes[laneNo]; ok {
		return s.Status
	}
	return StatusIdle
}

// Active returns the pending and running sessions
func (o *Orchestrator) Active() []Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Session, 0, len(o.lanes))
	for _, s := range o.lanes {
		out = append(out, *s)
	}
	return out
}

// History returns finished sessions, most recent first
func (o *Orchestrator) History() []Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Session, len(o.history))
	for i, s := range o.history {
		out[len(o.history)-1-i] = s
	}
	return out
}

// Shutdown refuses new requests, cancels running recordings and waits for
// their supervisors to release every lane
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) event(outcome string) {
	if o.observer != nil {
		o.observer.RecordingEvent(outcome)
	}
}

func (o *Orchestrator) activeChanged(n int) {
	if o.observer != nil {
		o.observer.ActiveRecordings(n)
	}
}
