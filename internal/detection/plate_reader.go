package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
)

// NopPlateReader never finds a plate
type NopPlateReader struct{}

func (NopPlateReader) ReadPlate(context.Context, image.Image, BoundingBox) (string, error) {
	return "", nil
}

// HTTPPlateReader posts the plate region of a frame to an ALPR service and
// returns the first plausible plate among its candidates
type HTTPPlateReader struct {
	url        string
	httpClient *http.Client
}

// NewHTTPPlateReader creates a plate reader for the given endpoint
func NewHTTPPlateReader(url string) *HTTPPlateReader {
	return &HTTPPlateReader{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type plateResponse struct {
	Results []struct {
		Plate string  `json:"plate"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// ReadPlate implements PlateReader
func (r *HTTPPlateReader) ReadPlate(ctx context.Context, frame image.Image, box BoundingBox) (string, error) {
	region := PlateRegion(box, frame.Bounds())
	if region.Empty() {
		return "", nil
	}
	crop := imaging.Crop(frame, region)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("upload", "plate.jpg")
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if err := imaging.Encode(part, crop, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return "", fmt.Errorf("failed to encode plate region: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call plate reader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("plate reader returned status %d: %s", resp.StatusCode, string(msg))
	}

	var result plateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode plate response: %w", err)
	}

	candidates := make([]string, 0, len(result.Results))
	for _, c := range result.Results {
		candidates = append(candidates, c.Plate)
	}
	plate, _ := PickPlate(candidates...)
	return plate, nil
}
