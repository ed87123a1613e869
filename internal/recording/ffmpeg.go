package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xfrr/goffmpeg"
	"github.com/xfrr/goffmpeg/transcoder"
)

// DefaultStopGrace is how long ffmpeg gets to finalize the file after being
// asked to quit before it is killed
const DefaultStopGrace = 2 * time.Second

// FFmpegTranscoder records a stream segment with ffmpeg via goffmpeg.
// The video stream is copied without re-encoding and audio is dropped.
type FFmpegTranscoder struct {
	stopGrace time.Duration
}

func NewFFmpegTranscoder() *FFmpegTranscoder {
	return &FFmpegTranscoder{stopGrace: DefaultStopGrace}
}

// Record implements Transcoder. When ctx ends first the ffmpeg process is
// asked to quit, then killed, and Record returns only after it has exited.
func (t *FFmpegTranscoder) Record(ctx context.Context, streamURI, outputPath string, duration time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create video directory: %w", err)
	}

	// Binary lookup runs under ctx. The live stream is not probed up front
	// so ffmpeg is the only process started.
	cfg, err := goffmpeg.Configure(ctx)
	if err != nil {
		return fmt.Errorf("failed to locate ffmpeg: %w", err)
	}

	trans := new(transcoder.Transcoder)
	trans.SetConfiguration(cfg)
	if err := trans.InitializeEmptyTranscoder(); err != nil {
		return fmt.Errorf("failed to initialize transcoder: %w", err)
	}
	if err := trans.SetInputPath(streamURI); err != nil {
		return err
	}
	if err := trans.SetOutputPath(outputPath); err != nil {
		return err
	}

	trans.MediaFile().SetVideoCodec("copy")
	trans.MediaFile().SetSkipAudio(true)
	trans.MediaFile().SetOutputFormat("mp4")
	trans.MediaFile().SetDuration(strconv.FormatFloat(duration.Seconds(), 'f', -1, 64))

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("recording of %s abandoned: %w", streamURI, err)
	}

	done := trans.Run(false)
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("transcoding failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		t.stop(trans, done)
		return fmt.Errorf("recording of %s abandoned: %w", streamURI, ctx.Err())
	}
}

// stop asks ffmpeg to quit, kills it after the grace period and waits for
// the run goroutine to report
func (t *FFmpegTranscoder) stop(trans *transcoder.Transcoder, done <-chan error) {
	_ = trans.Stop()

	grace := time.NewTimer(t.stopGrace)
	defer grace.Stop()

	select {
	case <-done:
		return
	case <-grace.C:
	}

	if proc := trans.Process(); proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
	<-done
}
