package capture

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"
)

// GoCVGrabber opens the stream with OpenCV, reads a single frame and
// releases the stream
type GoCVGrabber struct {
	quality int
}

func NewGoCVGrabber(jpegQuality int) *GoCVGrabber {
	return &GoCVGrabber{quality: jpegQuality}
}

type grabResult struct {
	data []byte
	err  error
}

// Grab captures one JPEG frame. Opening an unreachable stream can block inside
// OpenCV; ctx bounds how long the caller waits for it.
func (g *GoCVGrabber) Grab(ctx context.Context, streamURI string) ([]byte, error) {
	done := make(chan grabResult, 1)
	go func() {
		data, err := g.grab(streamURI)
		done <- grabResult{data, err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("capture from %s: %w", streamURI, ctx.Err())
	}
}

func (g *GoCVGrabber) grab(streamURI string) ([]byte, error) {
	stream, err := gocv.OpenVideoCapture(streamURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	if !stream.IsOpened() {
		return nil, fmt.Errorf("failed to open stream %s", streamURI)
	}

	img := gocv.NewMat()
	defer img.Close()

	if ok := stream.Read(&img); !ok || img.Empty() {
		return nil, ErrNoFrame
	}

	frame, err := img.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return EncodeJPEG(frame, g.quality)
}
