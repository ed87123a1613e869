package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tendant/toll-frame-pipeline/internal/dbosruntime"
	"github.com/tendant/toll-frame-pipeline/internal/recording"
	"github.com/tendant/toll-frame-pipeline/internal/repository"
	"github.com/tendant/toll-frame-pipeline/internal/storage"
)

type TransactionFinder interface {
	FindTransactions(ctx context.Context, f repository.TransactionFilter) ([]repository.TollTransaction, error)
}

type RecordingLister interface {
	Active() []recording.Session
	History() []recording.Session
}

type TaskStatusLookup interface {
	TaskStatus(ctx context.Context, queue, key string) (*dbosruntime.WorkflowStatusInfo, error)
}

// Deps are the read models served by the API. Nil members disable their
// routes with 404.
type Deps struct {
	Transactions TransactionFinder
	Recordings   RecordingLister
	Frames       storage.ReaderWithMetadata
	Tasks        TaskStatusLookup
	Metrics      http.Handler
}

type Handler struct {
	deps Deps
	log  zerolog.Logger
}

func NewHandler(deps Deps, log zerolog.Logger) *Handler {
	return &Handler{
		deps: deps,
		log:  log.With().Str("component", "http").Logger(),
	}
}

// NewRouter builds a gin engine with the handler registered
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	h.Register(r)
	return r
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.health)
	if h.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(h.deps.Metrics))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/transactions", h.listTransactions)
		api.GET("/recordings", h.listRecordings)
		api.GET("/images/*path", h.getImage)
		api.GET("/tasks/:queue/*key", h.getTaskStatus)
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request served")
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listTransactions(c *gin.Context) {
	if h.deps.Transactions == nil {
		c.JSON(http.StatusNotFound, errorResponse("transactions are not served by this process"))
		return
	}

	filter, err := parseTransactionFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	txs, err := h.deps.Transactions.FindTransactions(c.Request.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to find transactions")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	if txs == nil {
		txs = []repository.TollTransaction{}
	}

	c.JSON(http.StatusOK, successResponse(txs))
}

func (h *Handler) listRecordings(c *gin.Context) {
	if h.deps.Recordings == nil {
		c.JSON(http.StatusNotFound, errorResponse("recordings are not served by this process"))
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{
		"active":  nonNil(h.deps.Recordings.Active()),
		"history": nonNil(h.deps.Recordings.History()),
	}))
}

func (h *Handler) getImage(c *gin.Context) {
	if h.deps.Frames == nil {
		c.JSON(http.StatusNotFound, errorResponse("images are not served by this process"))
		return
	}

	key := c.Param("path")
	ctx := c.Request.Context()

	meta, err := h.deps.Frames.GetMetadata(ctx, key)
	if err != nil {
		h.storageError(c, err)
		return
	}
	rc, err := h.deps.Frames.GetReader(ctx, key)
	if err != nil {
		h.storageError(c, err)
		return
	}
	defer rc.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, meta.Size, contentType, rc, nil)
}

func (h *Handler) storageError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, errorResponse("invalid path"))
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse("not found"))
	default:
		h.log.Error().Err(err).Msg("failed to read frame")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func (h *Handler) getTaskStatus(c *gin.Context) {
	if h.deps.Tasks == nil {
		c.JSON(http.StatusNotFound, errorResponse("task status requires the durable broker"))
		return
	}

	queue := c.Param("queue")
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		c.JSON(http.StatusBadRequest, errorResponse("task key is required"))
		return
	}

	status, err := h.deps.Tasks.TaskStatus(c.Request.Context(), queue, key)
	if err != nil {
		if errors.Is(err, dbosruntime.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, errorResponse(err.Error()))
			return
		}
		h.log.Error().Err(err).Str("queue", queue).Str("task_key", key).Msg("failed to get task status")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.JSON(http.StatusOK, successResponse(status))
}

func parseTransactionFilter(c *gin.Context) (repository.TransactionFilter, error) {
	f := repository.TransactionFilter{
		CameraID: strings.TrimSpace(c.Query("camera_id")),
	}

	var err error
	if f.LaneNo, err = optionalInt(c, "lane"); err != nil {
		return f, err
	}
	if f.TollID, err = optionalInt(c, "toll_id"); err != nil {
		return f, err
	}
	if f.From, err = optionalTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = optionalTime(c, "to"); err != nil {
		return f, err
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return f, errors.New("from must be before to")
	}

	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = n
	}
	if o := c.Query("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

func optionalInt(c *gin.Context, name string) (*int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil, errors.New(name + " must be a non-negative integer")
	}
	return &n, nil
}

// optionalTime accepts RFC 3339 timestamps or plain dates
func optionalTime(c *gin.Context, name string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New(name + " must be an RFC 3339 timestamp or YYYY-MM-DD date")
}

func nonNil(s []recording.Session) []recording.Session {
	if s == nil {
		return []recording.Session{}
	}
	return s
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}
