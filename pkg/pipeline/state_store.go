package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/observability"
)

// DefaultStateTTL bounds how long an inactive document's state record lives.
// Abandoned documents fall out of the store instead of accumulating.
const DefaultStateTTL = 24 * time.Hour

// StageRecord is the tracked state of one stage for one document
type StageRecord struct {
	Status    Status                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// StageUpdate is one entry of a batch state write
type StageUpdate struct {
	DocumentID uuid.UUID
	Stage      Stage
	Status     Status
	Metadata   map[string]interface{}
}

// StateStore keeps one hash per document in the cache database, one field
// per stage. All writes go through the transition table.
type StateStore struct {
	store    *cache.Store
	logger   observability.Logger
	stateTTL time.Duration
	now      func() time.Time
}

// NewStateStore creates a state store over the given cache store
func NewStateStore(store *cache.Store, logger observability.Logger) *StateStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &StateStore{
		store:    store,
		logger:   logger,
		stateTTL: DefaultStateTTL,
		now:      time.Now,
	}
}

// SetNowFunc injects a clock for tests
func (s *StateStore) SetNowFunc(now func() time.Time) { s.now = now }

func stateKey(documentID uuid.UUID) string {
	key, _ := cache.FormatKey(cache.KeyDocState, map[string]string{
		"document_id": documentID.String(),
	})
	return key
}

// GetState returns the full per-stage state of a document. Stages never
// written report nothing; callers treat absence as StatusNone. ok=false
// means the record does not exist or the store is unavailable.
func (s *StateStore) GetState(ctx context.Context, documentID uuid.UUID) (map[Stage]StageRecord, bool) {
	fields, ok := s.store.HGetAll(ctx, stateKey(documentID))
	if !ok {
		return nil, false
	}
	state := make(map[Stage]StageRecord, len(fields))
	for field, raw := range fields {
		var rec StageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("skipping malformed stage record", map[string]interface{}{
				"document_id": documentID.String(),
				"stage":       field,
				"error":       err.Error(),
			})
			continue
		}
		state[Stage(field)] = rec
	}
	return state, true
}

// GetStage returns one stage's record. A missing record reads as StatusNone.
func (s *StateStore) GetStage(ctx context.Context, documentID uuid.UUID, stage Stage) StageRecord {
	state, ok := s.GetState(ctx, documentID)
	if !ok {
		return StageRecord{Status: StatusNone}
	}
	rec, ok := state[stage]
	if !ok {
		return StageRecord{Status: StatusNone}
	}
	return rec
}

// SetStage writes a single stage status, enforcing the transition table
func (s *StateStore) SetStage(ctx context.Context, documentID uuid.UUID, stage Stage, status Status, metadata map[string]interface{}) error {
	current := s.GetStage(ctx, documentID, stage)
	if err := ValidateTransition(stage, current.Status, status); err != nil {
		return err
	}
	update, err := s.encodeUpdate(StageUpdate{
		DocumentID: documentID,
		Stage:      stage,
		Status:     status,
		Metadata:   metadata,
	})
	if err != nil {
		return err
	}
	// A store outage is absorbed: the stage re-executes later instead of
	// the pipeline failing on a cache write.
	if !s.store.AtomicBatchUpdate(ctx, []cache.FieldUpdate{update}) {
		s.logger.Warn("stage state write degraded to no-op", map[string]interface{}{
			"document_id": documentID.String(),
			"stage":       string(stage),
			"status":      string(status),
		})
	}
	return nil
}

// BatchSetStages applies several stage updates atomically: all of them or
// none. Every transition is validated before anything is written; a single
// invalid transition rejects the whole batch.
func (s *StateStore) BatchSetStages(ctx context.Context, updates []StageUpdate) error {
	fieldUpdates := make([]cache.FieldUpdate, 0, len(updates))
	for _, u := range updates {
		current := s.GetStage(ctx, u.DocumentID, u.Stage)
		if err := ValidateTransition(u.Stage, current.Status, u.Status); err != nil {
			return err
		}
		fu, err := s.encodeUpdate(u)
		if err != nil {
			return err
		}
		fieldUpdates = append(fieldUpdates, fu)
	}
	if !s.store.AtomicBatchUpdate(ctx, fieldUpdates) {
		s.logger.Warn("batch stage state write degraded to no-op", map[string]interface{}{
			"updates": len(updates),
		})
	}
	return nil
}

// ResetStage is the explicit operator retry path: it forces a stage back to
// pending regardless of its current status. This is the only way out of
// completed or failed other than the transition table.
func (s *StateStore) ResetStage(ctx context.Context, documentID uuid.UUID, stage Stage, metadata map[string]interface{}) error {
	update, err := s.encodeUpdate(StageUpdate{
		DocumentID: documentID,
		Stage:      stage,
		Status:     StatusPending,
		Metadata:   metadata,
	})
	if err != nil {
		return err
	}
	if !s.store.AtomicBatchUpdate(ctx, []cache.FieldUpdate{update}) {
		s.logger.Warn("stage reset degraded to no-op", map[string]interface{}{
			"document_id": documentID.String(),
			"stage":       string(stage),
		})
	}
	return nil
}

// Clear removes a document's whole state record
func (s *StateStore) Clear(ctx context.Context, documentID uuid.UUID) {
	s.store.Delete(ctx, stateKey(documentID))
}

func (s *StateStore) encodeUpdate(u StageUpdate) (cache.FieldUpdate, error) {
	rec := StageRecord{
		Status:    u.Status,
		Metadata:  u.Metadata,
		Timestamp: s.now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return cache.FieldUpdate{}, err
	}
	return cache.FieldUpdate{
		Key:   stateKey(u.DocumentID),
		Field: string(u.Stage),
		Value: string(raw),
		TTL:   s.stateTTL,
	}, nil
}
