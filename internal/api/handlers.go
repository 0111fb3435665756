package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/repository"
)

type createDocumentRequest struct {
	ProjectID     uuid.UUID `json:"project_id" binding:"required"`
	FileName      string    `json:"file_name" binding:"required"`
	StorageBucket string    `json:"storage_bucket" binding:"required"`
	StorageKey    string    `json:"storage_key" binding:"required"`
	BatchID       string    `json:"batch_id"`
}

type createBatchRequest struct {
	Documents []createDocumentRequest `json:"documents" binding:"required,min=1"`
}

// errObjectNotFound marks a submission whose source file is absent from
// object storage
var errObjectNotFound = errors.New("source object not found")

// handleCreateDocument registers a document and kicks off its pipeline
func (s *Server) handleCreateDocument(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc, err := s.submitDocument(c, req)
	if err != nil {
		if errors.Is(err, errObjectNotFound) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": fmt.Sprintf("no object at s3://%s/%s", req.StorageBucket, req.StorageKey),
			})
			return
		}
		s.logger.Error("Failed to submit document", map[string]interface{}{
			"file_name": req.FileName,
			"error":     err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit document"})
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

// handleCreateBatch registers a batch of documents and seeds its progress
// counters before any worker can report completion
func (s *Server) handleCreateBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batchID := uuid.NewString()
	if !s.batches.InitBatch(c, batchID, len(req.Documents)) {
		s.logger.Warn("Batch counters unavailable, continuing without progress tracking", map[string]interface{}{
			"batch_id": batchID,
		})
	}

	docs := make([]*models.Document, 0, len(req.Documents))
	for _, d := range req.Documents {
		d.BatchID = batchID
		doc, err := s.submitDocument(c, d)
		if err != nil {
			if errors.Is(err, errObjectNotFound) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{
					"error":    fmt.Sprintf("no object at s3://%s/%s", d.StorageBucket, d.StorageKey),
					"batch_id": batchID,
				})
				return
			}
			s.logger.Error("Failed to submit batch document", map[string]interface{}{
				"batch_id":  batchID,
				"file_name": d.FileName,
				"error":     err.Error(),
			})
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":    "failed to submit batch",
				"batch_id": batchID,
			})
			return
		}
		docs = append(docs, doc)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id":  batchID,
		"documents": docs,
	})
}

func (s *Server) submitDocument(c *gin.Context, req createDocumentRequest) (*models.Document, error) {
	// Reject submissions pointing at nothing before any row or task exists.
	// If storage cannot answer, accept the document and let OCR surface the
	// problem.
	if s.objects != nil {
		if exists, err := s.objects.Exists(c, req.StorageBucket, req.StorageKey); err == nil && !exists {
			return nil, errObjectNotFound
		}
	}

	now := time.Now().UTC()
	doc := &models.Document{
		ID:            uuid.New(),
		ProjectID:     req.ProjectID,
		FileName:      req.FileName,
		StorageBucket: req.StorageBucket,
		StorageKey:    req.StorageKey,
		Status:        models.DocumentStatusPending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repos.Documents.Create(c, doc); err != nil {
		return nil, err
	}

	s.seedStages(c, doc.ID)

	task := queue.NewTask(string(pipeline.StageOCR), doc.ID, doc.Version, req.BatchID)
	if err := s.tasks.Enqueue(c, task); err != nil {
		return nil, err
	}
	return doc, nil
}

// seedStages marks every stage pending so status polling shows the full
// ladder. Seeding is best effort: the worker treats an absent record as
// pending, so a cache outage here does not block processing.
func (s *Server) seedStages(c *gin.Context, documentID uuid.UUID) {
	updates := make([]pipeline.StageUpdate, 0, len(pipeline.Stages()))
	for _, stage := range pipeline.Stages() {
		updates = append(updates, pipeline.StageUpdate{
			DocumentID: documentID,
			Stage:      stage,
			Status:     pipeline.StatusPending,
		})
	}
	if err := s.states.BatchSetStages(c, updates); err != nil {
		s.logger.Warn("Failed to seed stage state", map[string]interface{}{
			"document_id": documentID.String(),
			"error":       err.Error(),
		})
	}
}

// handleDocumentStatus reports the per-stage state plus the durable summary
func (s *Server) handleDocumentStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	final, err := s.repos.Documents.GetFinalState(c, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load document"})
		return
	}

	stages := gin.H{}
	if state, ok := s.states.GetState(c, id); ok {
		for stage, rec := range state {
			stages[string(stage)] = rec
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"document": final,
		"stages":   stages,
		"version":  s.gate.CurrentVersion(c, id),
	})
}

// handleRetryDocument restarts a document's pipeline under a new version.
// The bump isolates the new attempt from every cached artifact of the old
// one, so nothing stale can be reused.
func (s *Server) handleRetryDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	version, err := s.repos.Documents.BumpVersion(c, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to bump version"})
		return
	}

	removed := s.gate.InvalidateDocument(c, id)
	s.states.Clear(c, id)
	s.gate.BumpVersion(c, id, version)
	s.seedStages(c, id)

	task := queue.NewTask(string(pipeline.StageOCR), id, version, "")
	if err := s.tasks.Enqueue(c, task); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue retry"})
		return
	}

	s.logger.Info("Document retry submitted", map[string]interface{}{
		"document_id":  id.String(),
		"version":      version,
		"keys_removed": removed,
	})
	c.JSON(http.StatusAccepted, gin.H{
		"document_id": id,
		"version":     version,
	})
}

// handleInvalidateDocument drops every cached key for a document. The durable
// rows are untouched; the next access rebuilds the cache from them.
func (s *Server) handleInvalidateDocument(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}
	removed := s.gate.InvalidateDocument(c, id)
	c.JSON(http.StatusOK, gin.H{
		"document_id":  id,
		"keys_removed": removed,
	})
}

// handleBatchProgress reports batch counters
func (s *Server) handleBatchProgress(c *gin.Context) {
	progress, ok := s.batches.Progress(c, c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "batch not found"})
		return
	}
	c.JSON(http.StatusOK, progress)
}

// handleCacheMetrics reports hit/miss/set counters per key category over the
// last hour
func (s *Server) handleCacheMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusOK, gin.H{"categories": []interface{}{}})
		return
	}
	snaps, err := s.metrics.SnapshotAll(c)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": snaps})
}
