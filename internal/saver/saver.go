package saver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/tendant/toll-frame-pipeline/internal/metrics"
	"github.com/tendant/toll-frame-pipeline/internal/repository"
	"github.com/tendant/toll-frame-pipeline/internal/taskchannel"
	"github.com/tendant/toll-frame-pipeline/pkg/pipeline"
)

// Defaults applied to missing optional attributes
const (
	DefaultVehicleType = "Unknown"
	DefaultVehicleNo   = "UNKNOWN"
	DefaultLocation    = "Unknown"
)

// TransactionStore persists transactions idempotently by capture
type TransactionStore interface {
	UpsertTransaction(ctx context.Context, tx *repository.TollTransaction) (bool, error)
}

// DeliveryLedger counts deliveries per task key
type DeliveryLedger interface {
	Record(ctx context.Context, queue, key string, schemaVersion int) (int, error)
}

// ResultSaver writes ResultTasks to the datastore
type ResultSaver struct {
	store   TransactionStore
	ledger  DeliveryLedger
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a ResultSaver. ledger may be nil.
func New(store TransactionStore, ledger DeliveryLedger, m *metrics.Metrics, log zerolog.Logger) *ResultSaver {
	if m == nil {
		m = metrics.New()
	}
	return &ResultSaver{
		store:   store,
		ledger:  ledger,
		metrics: m,
		log:     log.With().Str("component", "result_saver").Logger(),
	}
}

// Handle is the taskchannel.Handler for the persist queue
func (s *ResultSaver) Handle(ctx context.Context, d taskchannel.Delivery) error {
	log := s.log.With().
		Str("run_id", d.RunID).
		Str("task_key", d.Key).
		Int("attempt", d.Attempt).
		Logger()

	if s.ledger != nil {
		if seen, err := s.ledger.Record(ctx, d.Queue, d.Key, pipeline.SchemaVersion); err != nil {
			log.Warn().Err(err).Msg("failed to record delivery")
		} else if seen > 1 {
			log.Warn().Int("seen_count", seen).Msg("redelivered task")
			s.metrics.RedeliveriesObserved.WithLabelValues(d.Queue).Inc()
		}
	}

	result, err := pipeline.DecodeResultTask(d.Body)
	if err != nil {
		log.Error().Err(err).Msg("rejecting malformed result task")
		return taskchannel.Permanent(err)
	}

	tx, err := ToTransaction(result)
	if err != nil {
		log.Error().Err(err).Msg("rejecting unmappable result task")
		return taskchannel.Permanent(err)
	}

	inserted, err := s.store.UpsertTransaction(ctx, tx)
	if err != nil {
		log.Warn().Err(err).Msg("datastore write failed")
		return fmt.Errorf("upsert transaction: %w", err)
	}

	log = log.With().
		Str("camera_id", tx.CameraID).
		Int("lane_no", tx.LaneNo).
		Int("toll_id", tx.TollID).
		Logger()

	if !inserted {
		s.metrics.Transactions.WithLabelValues("duplicate").Inc()
		log.Warn().Msg("transaction already stored for capture")
		return nil
	}

	s.metrics.Transactions.WithLabelValues("inserted").Inc()
	log.Info().
		Int64("transaction_id", tx.ID).
		Str("vehicle_no", tx.VehicleNo).
		Str("vehicle_type", tx.VehicleType).
		Msg("transaction stored")
	return nil
}

// ToTransaction maps a result into a transaction row, applying defaults
func ToTransaction(r *pipeline.ResultTask) (*repository.TollTransaction, error) {
	vehicleType := strings.TrimSpace(r.VehicleType)
	if vehicleType == "" {
		vehicleType = DefaultVehicleType
	}
	vehicleNo := strings.TrimSpace(r.VehicleNo)
	if vehicleNo == "" {
		vehicleNo = DefaultVehicleNo
	}
	location := strings.TrimSpace(r.Location)
	if location == "" {
		location = DefaultLocation
	}
	direction := r.Direction
	if direction != pipeline.DirectionOut {
		direction = pipeline.DirectionIn
	}

	processedAt := time.Now().UTC()
	if r.ProcessedAt > 0 {
		sec, frac := math.Modf(r.ProcessedAt)
		processedAt = time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	}

	var dets datatypes.JSON
	if len(r.Detections) > 0 {
		raw, err := json.Marshal(r.Detections)
		if err != nil {
			return nil, fmt.Errorf("marshal detections: %w", err)
		}
		dets = datatypes.JSON(raw)
	}

	return &repository.TollTransaction{
		CameraID:    r.CameraID,
		EntryTime:   r.EntryTime.UTC(),
		Location:    location,
		TollID:      r.TollID,
		LaneNo:      r.LaneNo,
		VehicleNo:   vehicleNo,
		VehicleType: vehicleType,
		Image:       r.ImagePath,
		Video:       r.VideoPath,
		Confidence:  r.Confidence,
		Company:     r.Company,
		IO:          direction,
		ProcessedAt: processedAt,
		Detections:  dets,
	}, nil
}
