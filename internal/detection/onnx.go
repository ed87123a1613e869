package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	yoloInputSize   = 640
	yoloPredictions = 8400
	yoloClasses     = 80
	yoloChannels    = 4 + yoloClasses
	defaultIoU      = 0.45
)

// COCO class indices of the vehicle classes
var vehicleClasses = []int{2, 3, 5, 7}

var cocoVehicles = map[int]VehicleType{
	2: Car,
	3: Motorcycle,
	5: Bus,
	7: Truck,
}

// ONNXConfig configures the YOLOv8 detector
type ONNXConfig struct {
	ModelPath          string
	RuntimeLibraryPath string
	Threshold          float64
	IoUThreshold       float64
	// Sessions is the number of inference sessions, one per concurrent Detect
	Sessions int
}

type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

// ErrDetectorClosed is returned by Detect after Close
var ErrDetectorClosed = errors.New("detector closed")

// sessionPool hands out idle sessions and tracks the ones checked out so
// that close can wait for them before they are destroyed
type sessionPool struct {
	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	inflight sync.WaitGroup
	idle     chan *onnxSession
}

func newSessionPool(size int) *sessionPool {
	return &sessionPool{
		done: make(chan struct{}),
		idle: make(chan *onnxSession, size),
	}
}

func (p *sessionPool) add(s *onnxSession) {
	p.idle <- s
}

func (p *sessionPool) acquire(ctx context.Context) (*onnxSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrDetectorClosed
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	select {
	case s := <-p.idle:
		return s, nil
	case <-ctx.Done():
		p.inflight.Done()
		return nil, ctx.Err()
	case <-p.done:
		p.inflight.Done()
		return nil, ErrDetectorClosed
	}
}

func (p *sessionPool) release(s *onnxSession) {
	p.idle <- s
	p.inflight.Done()
}

// close refuses new acquires, waits for checked out sessions to come back
// and destroys every session. Only the first call does any work.
func (p *sessionPool) close() int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.inflight.Wait()

	n := 0
	for {
		select {
		case s := <-p.idle:
			s.destroy()
			n++
		default:
			return n
		}
	}
}

// ONNXDetector runs a YOLOv8 COCO export through onnxruntime
type ONNXDetector struct {
	pool      *sessionPool
	threshold float32
	iou       float64
}

// NewONNXDetector initializes the runtime environment and a pool of sessions
func NewONNXDetector(cfg ONNXConfig) (*ONNXDetector, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("detector model path is required")
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = defaultIoU
	}

	if cfg.RuntimeLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.RuntimeLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	d := &ONNXDetector{
		pool:      newSessionPool(cfg.Sessions),
		threshold: float32(cfg.Threshold),
		iou:       cfg.IoUThreshold,
	}
	for i := 0; i < cfg.Sessions; i++ {
		s, err := newONNXSession(cfg.ModelPath)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		d.pool.add(s)
	}
	return d, nil
}

func newONNXSession(modelPath string) (*onnxSession, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, yoloInputSize, yoloInputSize))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, yoloChannels, yoloPredictions))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"images"}, []string{"output0"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		options)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &onnxSession{session: session, input: input, output: output}, nil
}

// Detect runs inference on one frame
func (d *ONNXDetector) Detect(ctx context.Context, frame image.Image) ([]Detection, error) {
	s, err := d.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer d.pool.release(s)

	resized := imaging.Resize(frame, yoloInputSize, yoloInputSize, imaging.Linear)
	fillInput(resized, s.input.GetData())

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	b := frame.Bounds()
	dets := decodeYOLO(s.output.GetData(), b.Dx(), b.Dy(), d.threshold)
	return nonMaxSuppression(dets, d.iou), nil
}

// Close waits for in-flight Detect calls, then releases every session and
// the runtime environment. Detect returns ErrDetectorClosed afterwards.
func (d *ONNXDetector) Close() error {
	d.pool.close()
	return ort.DestroyEnvironment()
}

// fillInput writes img as planar RGB scaled to [0,1]
func fillInput(img *image.NRGBA, dst []float32) {
	channelSize := yoloInputSize * yoloInputSize
	for y := 0; y < yoloInputSize; y++ {
		for x := 0; x < yoloInputSize; x++ {
			i := y*yoloInputSize + x
			p := img.PixOffset(x, y)
			dst[i] = float32(img.Pix[p]) / 255.0
			dst[channelSize+i] = float32(img.Pix[p+1]) / 255.0
			dst[channelSize*2+i] = float32(img.Pix[p+2]) / 255.0
		}
	}
}

// decodeYOLO reads a (1, 84, N) YOLOv8 output laid out channel-major:
// rows 0-3 are cx, cy, w, h in input pixels, rows 4.. are class scores.
func decodeYOLO(out []float32, origW, origH int, threshold float32) []Detection {
	n := len(out) / yoloChannels
	if n == 0 {
		return nil
	}
	scaleX := float32(origW) / yoloInputSize
	scaleY := float32(origH) / yoloInputSize

	var dets []Detection
	for i := 0; i < n; i++ {
		bestClass, bestScore := -1, float32(0)
		for _, class := range vehicleClasses {
			if score := out[(4+class)*n+i]; score > bestScore {
				bestClass, bestScore = class, score
			}
		}
		if bestClass < 0 || bestScore < threshold {
			continue
		}

		cx, cy := out[i], out[n+i]
		w, h := out[2*n+i], out[3*n+i]
		dets = append(dets, Detection{
			VehicleType: cocoVehicles[bestClass],
			Confidence:  float64(bestScore),
			Box: BoundingBox{
				X1: int((cx - w/2) * scaleX),
				Y1: int((cy - h/2) * scaleY),
				X2: int((cx + w/2) * scaleX),
				Y2: int((cy + h/2) * scaleY),
			},
		})
	}
	return dets
}

// nonMaxSuppression keeps the most confident box among overlapping boxes
func nonMaxSuppression(dets []Detection, iouThreshold float64) []Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		overlap := false
		for _, k := range kept {
			if iou(d.Box, k.Box) > iouThreshold {
				overlap = true
				break
			}
		}
		if !overlap {
			kept = append(kept, d)
		}
	}
	return kept
}

func iou(a, b BoundingBox) float64 {
	inter := a.Rect().Intersect(b.Rect())
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Width()*a.Height()+b.Width()*b.Height()) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}
