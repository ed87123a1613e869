package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tendant/toll-frame-pipeline/internal/dbosruntime"
	"github.com/tendant/toll-frame-pipeline/internal/recording"
	"github.com/tendant/toll-frame-pipeline/internal/repository"
)

// Client is an HTTP client for the pipeline read API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// TransactionQuery filters Transactions. Zero values are omitted.
type TransactionQuery struct {
	CameraID string
	TollID   *int
	LaneNo   *int
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}

func (q TransactionQuery) values() url.Values {
	v := url.Values{}
	if q.CameraID != "" {
		v.Set("camera_id", q.CameraID)
	}
	if q.TollID != nil {
		v.Set("toll_id", strconv.Itoa(*q.TollID))
	}
	if q.LaneNo != nil {
		v.Set("lane", strconv.Itoa(*q.LaneNo))
	}
	if !q.From.IsZero() {
		v.Set("from", q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		v.Set("to", q.To.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// Recordings is the recording state of a worker
type Recordings struct {
	Active  []recording.Session `json:"active"`
	History []recording.Session `json:"history"`
}

// Transactions lists stored toll transactions, newest first
func (c *Client) Transactions(ctx context.Context, q TransactionQuery) ([]repository.TollTransaction, error) {
	var out []repository.TollTransaction
	if err := c.get(ctx, "/api/v1/transactions", q.values(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Recordings returns the active and recent recordings of a worker
func (c *Client) Recordings(ctx context.Context) (*Recordings, error) {
	var out Recordings
	if err := c.get(ctx, "/api/v1/recordings", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskStatus returns the broker status of the task published under key on queue
func (c *Client) TaskStatus(ctx context.Context, queue, key string) (*dbosruntime.WorkflowStatusInfo, error) {
	var out dbosruntime.WorkflowStatusInfo
	path := fmt.Sprintf("/api/v1/tasks/%s/%s", url.PathEscape(queue), url.PathEscape(key))
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, data interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: data}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
