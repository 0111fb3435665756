package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/observability"
	"github.com/lexpipe/lexpipe/pkg/ocr"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/repository"
	"github.com/lexpipe/lexpipe/pkg/resolution"
)

// errOCRPending signals that the async OCR job has not finished and a delayed
// poll task was enqueued. It is not a failure.
var errOCRPending = errors.New("ocr job still in progress")

// ProcessorConfig tunes stage execution
type ProcessorConfig struct {
	OCRPollInterval time.Duration
	OCRMaxPolls     int
}

// DefaultProcessorConfig returns sensible defaults for stage execution
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		OCRPollInterval: 15 * time.Second,
		OCRMaxPolls:     120,
	}
}

// StageEnqueuer submits stage tasks onto the task queue. It satisfies
// pipeline.TaskEnqueuer.
type StageEnqueuer struct {
	queue queue.TaskQueue
}

// NewStageEnqueuer wraps a task queue
func NewStageEnqueuer(q queue.TaskQueue) *StageEnqueuer {
	return &StageEnqueuer{queue: q}
}

// EnqueueStage submits a task to run one stage for a document
func (e *StageEnqueuer) EnqueueStage(ctx context.Context, documentID uuid.UUID, stage pipeline.Stage, version int, batchID string) error {
	return e.queue.Enqueue(ctx, queue.NewTask(string(stage), documentID, version, batchID))
}

// Processor executes pipeline stage tasks. Each task runs one stage for one
// document: check the gate, do the work, persist durably, then hand off to
// the gate for caching, state and chaining.
type Processor struct {
	cfg     ProcessorConfig
	gate    *pipeline.Gate
	states  *pipeline.StateStore
	batches *pipeline.BatchTracker
	repos   *repository.Repositories
	coord   *resolution.Coordinator
	ocr     ocr.Client
	chunker *Chunker
	tasks   queue.TaskQueue
	events  queue.EventPublisher
	retry   *RetryHandler
	logger  observability.Logger
}

// NewProcessor wires a stage processor
func NewProcessor(
	cfg ProcessorConfig,
	gate *pipeline.Gate,
	states *pipeline.StateStore,
	batches *pipeline.BatchTracker,
	repos *repository.Repositories,
	coord *resolution.Coordinator,
	ocrClient ocr.Client,
	chunker *Chunker,
	tasks queue.TaskQueue,
	events queue.EventPublisher,
	retry *RetryHandler,
	logger observability.Logger,
) *Processor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.OCRPollInterval <= 0 {
		cfg.OCRPollInterval = DefaultProcessorConfig().OCRPollInterval
	}
	if cfg.OCRMaxPolls <= 0 {
		cfg.OCRMaxPolls = DefaultProcessorConfig().OCRMaxPolls
	}
	if retry == nil {
		retry = NewRetryHandler(nil, logger)
	}
	return &Processor{
		cfg:     cfg,
		gate:    gate,
		states:  states,
		batches: batches,
		repos:   repos,
		coord:   coord,
		ocr:     ocrClient,
		chunker: chunker,
		tasks:   tasks,
		events:  events,
		retry:   retry,
		logger:  logger.WithPrefix("worker"),
	}
}

// ProcessTask runs one stage task end to end. A nil return means the message
// can be acknowledged; failures are recorded durably before returning nil so
// the queue never loops a poisoned task.
func (p *Processor) ProcessTask(ctx context.Context, task queue.Task) error {
	ctx, span := observability.StartSpan(ctx, "worker.ProcessTask")
	defer span.End()

	stage := pipeline.Stage(task.Type)
	if _, valid := validStage(stage); !valid {
		p.logger.Error("Dropping task with unsupported type", map[string]interface{}{
			"task_id":   task.TaskID,
			"task_type": task.Type,
		})
		return nil
	}

	doc, err := p.repos.Documents.GetByID(ctx, task.DocumentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			p.logger.Error("Dropping task for unknown document", map[string]interface{}{
				"task_id":     task.TaskID,
				"document_id": task.DocumentID.String(),
			})
			return nil
		}
		// Transient DB error: leave the message for redelivery
		return err
	}

	version := p.gate.CurrentVersion(ctx, doc.ID)
	if task.Version != 0 && task.Version != version {
		// A manual retry bumped the version after this task was enqueued; its
		// artifacts belong to a superseded attempt
		p.logger.Info("Dropping stale task from a previous version", map[string]interface{}{
			"task_id":      task.TaskID,
			"task_version": task.Version,
			"current":      version,
		})
		p.auditSkipped(ctx, doc.ID, task, "stale version")
		return nil
	}

	lock, ok := p.gate.AcquireStageLock(ctx, doc.ID, stage)
	if !ok {
		// Another worker holds this (document, stage); let it finish
		return nil
	}
	defer lock.Release(ctx)

	if decision := p.gate.Check(ctx, doc.ID, stage); decision.Skip {
		p.auditSkipped(ctx, doc.ID, task, "stage already completed")
		p.chainAfterSkip(ctx, doc, stage, version, task.BatchID)
		return nil
	}

	taskID, auditErr := p.repos.Tasks.Start(ctx, doc.ID, task.Type, task.TaskID)
	if auditErr != nil {
		p.logger.Warn("Failed to record task start", map[string]interface{}{
			"document_id": doc.ID.String(),
			"error":       auditErr.Error(),
		})
	}

	execErr := p.retry.ExecuteWithRetry(ctx, task, func() error {
		return p.runStage(ctx, doc, stage, version, task)
	})

	if errors.Is(execErr, errOCRPending) {
		// Not done, not failed: the poll task carries on
		p.finishAudit(ctx, taskID, models.TaskStatusPending, "ocr job in progress")
		return nil
	}
	if execErr != nil {
		p.failStage(ctx, doc, stage, task, execErr)
		p.finishAudit(ctx, taskID, models.TaskStatusFailed, execErr.Error())
		return nil
	}

	p.finishAudit(ctx, taskID, models.TaskStatusCompleted, "")
	p.publishEvent(ctx, doc.ID, stage, string(pipeline.StatusCompleted), task.BatchID, nil)
	return nil
}

func validStage(stage pipeline.Stage) (pipeline.Stage, bool) {
	for _, s := range pipeline.Stages() {
		if s == stage {
			return s, true
		}
	}
	return stage, false
}

func (p *Processor) runStage(ctx context.Context, doc *models.Document, stage pipeline.Stage, version int, task queue.Task) error {
	// The pending seed can be absent at dequeue time: the state hash TTL
	// expired, the cache was down when the document was submitted, or a
	// retry cleared the ladder. An absent record means the stage has not
	// started, so seed it before moving to processing.
	if rec := p.states.GetStage(ctx, doc.ID, stage); rec.Status == pipeline.StatusNone {
		if err := p.states.SetStage(ctx, doc.ID, stage, pipeline.StatusPending, nil); err != nil {
			return err
		}
	}
	if err := p.states.SetStage(ctx, doc.ID, stage, pipeline.StatusProcessing, nil); err != nil {
		return err
	}
	switch stage {
	case pipeline.StageOCR:
		return p.runOCR(ctx, doc, version, task)
	case pipeline.StageChunking:
		return p.runChunking(ctx, doc, version, task)
	case pipeline.StageExtraction:
		return p.runExtraction(ctx, doc, version, task)
	case pipeline.StageResolution:
		return p.runResolution(ctx, doc, version, task)
	case pipeline.StageRelationships:
		return p.runRelationships(ctx, doc, version, task)
	default:
		return fmt.Errorf("unsupported stage %q", stage)
	}
}

func (p *Processor) runOCR(ctx context.Context, doc *models.Document, version int, task queue.Task) error {
	rec := p.states.GetStage(ctx, doc.ID, pipeline.StageOCR)
	jobID, _ := rec.Metadata["job_id"].(string)
	polls := metadataInt(rec.Metadata, "polls")

	if jobID == "" {
		submitted, err := p.ocr.SubmitJob(ctx, doc.StorageBucket, doc.StorageKey)
		if err != nil {
			return fmt.Errorf("failed to submit ocr job: %w", err)
		}
		if err := p.repos.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusProcessing, ""); err != nil {
			p.logger.Warn("Failed to mark document processing", map[string]interface{}{
				"document_id": doc.ID.String(),
				"error":       err.Error(),
			})
		}
		return p.requeueOCRPoll(ctx, doc.ID, version, task, submitted, 0)
	}

	result, err := p.ocr.PollJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to poll ocr job %s: %w", jobID, err)
	}

	switch result.Status {
	case ocr.JobStatusSucceeded:
		if err := p.repos.Documents.SetExtractedText(ctx, doc.ID, result.Text); err != nil {
			return fmt.Errorf("failed to persist extracted text: %w", err)
		}
		env, err := pipeline.NewEnvelope(pipeline.ArtifactOCR, version, doc.ID, &pipeline.OCRResult{
			Text:  result.Text,
			Pages: result.Pages,
		})
		if err != nil {
			return err
		}
		return p.gate.MarkComplete(ctx, doc.ID, pipeline.StageOCR, env, map[string]interface{}{
			"job_id":     jobID,
			"page_count": len(result.Pages),
			"text_chars": len(result.Text),
		}, task.BatchID)

	case ocr.JobStatusFailed:
		return fmt.Errorf("ocr job failed: %s", result.StatusMessage)

	default:
		polls++
		if polls >= p.cfg.OCRMaxPolls {
			return fmt.Errorf("ocr job failed: still in progress after %d polls", polls)
		}
		return p.requeueOCRPoll(ctx, doc.ID, version, task, jobID, polls)
	}
}

func (p *Processor) requeueOCRPoll(ctx context.Context, documentID uuid.UUID, version int, task queue.Task, jobID string, polls int) error {
	if err := p.states.SetStage(ctx, documentID, pipeline.StageOCR, pipeline.StatusProcessing, map[string]interface{}{
		"job_id": jobID,
		"polls":  polls,
	}); err != nil {
		return err
	}
	poll := queue.NewTask(string(pipeline.StageOCR), documentID, version, task.BatchID)
	if err := p.tasks.EnqueueDelayed(ctx, poll, p.cfg.OCRPollInterval); err != nil {
		return fmt.Errorf("failed to requeue ocr poll: %w", err)
	}
	return errOCRPending
}

func (p *Processor) runChunking(ctx context.Context, doc *models.Document, version int, task queue.Task) error {
	input, err := p.gate.LoadArtifact(ctx, doc.ID, pipeline.StageOCR, version)
	if err != nil {
		return err
	}
	ocrResult, err := input.DecodeOCR()
	if err != nil {
		return err
	}

	chunks := p.chunker.Chunk(doc.ID, ocrResult.Text)
	if err := p.repos.Chunks.ReplaceForDocument(ctx, doc.ID, chunks); err != nil {
		return fmt.Errorf("failed to persist chunks: %w", err)
	}

	env, err := pipeline.NewEnvelope(pipeline.ArtifactChunks, version, doc.ID, &pipeline.ChunkList{Chunks: chunks})
	if err != nil {
		return err
	}
	return p.gate.MarkComplete(ctx, doc.ID, pipeline.StageChunking, env, map[string]interface{}{
		"chunk_count": len(chunks),
	}, task.BatchID)
}

func (p *Processor) runExtraction(ctx context.Context, doc *models.Document, version int, task queue.Task) error {
	input, err := p.gate.LoadArtifact(ctx, doc.ID, pipeline.StageChunking, version)
	if err != nil {
		return err
	}
	chunkList, err := input.DecodeChunks()
	if err != nil {
		return err
	}

	mentions, err := p.coord.ExtractEntities(ctx, doc.ID, chunkList.Chunks)
	if err != nil {
		return err
	}

	env, err := pipeline.NewEnvelope(pipeline.ArtifactMentions, version, doc.ID, mentions)
	if err != nil {
		return err
	}
	return p.gate.MarkComplete(ctx, doc.ID, pipeline.StageExtraction, env, map[string]interface{}{
		"mention_count": len(mentions.Mentions),
		"failed_chunks": mentions.FailedChunks,
	}, task.BatchID)
}

func (p *Processor) runResolution(ctx context.Context, doc *models.Document, version int, task queue.Task) error {
	input, err := p.gate.LoadArtifact(ctx, doc.ID, pipeline.StageExtraction, version)
	if err != nil {
		return err
	}
	mentionList, err := input.DecodeMentions()
	if err != nil {
		return err
	}

	canonical, err := p.coord.ResolveEntities(ctx, doc.ID, mentionList.Mentions)
	if err != nil {
		return err
	}

	env, err := pipeline.NewEnvelope(pipeline.ArtifactCanonical, version, doc.ID, canonical)
	if err != nil {
		return err
	}
	return p.gate.MarkComplete(ctx, doc.ID, pipeline.StageResolution, env, map[string]interface{}{
		"entity_count": len(canonical.Entities),
	}, task.BatchID)
}

func (p *Processor) runRelationships(ctx context.Context, doc *models.Document, version int, task queue.Task) error {
	input, err := p.gate.LoadArtifact(ctx, doc.ID, pipeline.StageResolution, version)
	if err != nil {
		return err
	}
	canonical, err := input.DecodeCanonical()
	if err != nil {
		return err
	}

	count, err := p.coord.BuildRelationships(ctx, doc, canonical)
	if err != nil {
		return err
	}

	if err := p.gate.MarkComplete(ctx, doc.ID, pipeline.StageRelationships, nil, map[string]interface{}{
		"relationship_count": count,
	}, task.BatchID); err != nil {
		return err
	}
	return p.finishPipeline(ctx, doc, task)
}

// finishPipeline marks the document done and settles its batch slot
func (p *Processor) finishPipeline(ctx context.Context, doc *models.Document, task queue.Task) error {
	if err := p.repos.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to mark document completed: %w", err)
	}
	if task.BatchID != "" {
		p.batches.Transition(ctx, task.BatchID, string(models.DocumentStatusPending), string(models.DocumentStatusCompleted))
	}
	p.publishEvent(ctx, doc.ID, pipeline.StagePipeline, string(pipeline.StatusCompleted), task.BatchID, nil)
	p.logger.Info("Pipeline completed", map[string]interface{}{
		"document_id": doc.ID.String(),
		"batch_id":    task.BatchID,
	})
	return nil
}

// failStage records a permanent stage failure on every surface: stage state,
// document status, batch slot and the event stream.
func (p *Processor) failStage(ctx context.Context, doc *models.Document, stage pipeline.Stage, task queue.Task, cause error) {
	if err := p.states.SetStage(ctx, doc.ID, stage, pipeline.StatusFailed, map[string]interface{}{
		"error": models.TruncateError(cause.Error()),
	}); err != nil {
		p.logger.Warn("Failed to record stage failure in state store", map[string]interface{}{
			"document_id": doc.ID.String(),
			"stage":       string(stage),
			"error":       err.Error(),
		})
	}
	if err := p.repos.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusFailed, cause.Error()); err != nil {
		p.logger.Error("Failed to mark document failed", map[string]interface{}{
			"document_id": doc.ID.String(),
			"error":       err.Error(),
		})
	}
	if task.BatchID != "" {
		p.batches.Transition(ctx, task.BatchID, string(models.DocumentStatusPending), string(models.DocumentStatusFailed))
	}
	p.publishEvent(ctx, doc.ID, stage, string(pipeline.StatusFailed), task.BatchID, map[string]interface{}{
		"error": models.TruncateError(cause.Error()),
	})
	p.logger.Error("Stage failed permanently", map[string]interface{}{
		"document_id": doc.ID.String(),
		"stage":       string(stage),
		"error":       cause.Error(),
	})
}

// chainAfterSkip keeps the pipeline moving when a stage's work was already
// done: enqueue the next stage, or settle the document if this was the last.
func (p *Processor) chainAfterSkip(ctx context.Context, doc *models.Document, stage pipeline.Stage, version int, batchID string) {
	next, ok := pipeline.NextStage(stage)
	if !ok {
		// Final stage already complete; make sure the document reflects it
		if doc.Status != models.DocumentStatusCompleted {
			if err := p.repos.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusCompleted, ""); err != nil {
				p.logger.Warn("Failed to settle document after skip", map[string]interface{}{
					"document_id": doc.ID.String(),
					"error":       err.Error(),
				})
			}
		}
		return
	}
	if err := p.tasks.Enqueue(ctx, queue.NewTask(string(next), doc.ID, version, batchID)); err != nil {
		p.logger.Warn("Failed to chain next stage after skip", map[string]interface{}{
			"document_id": doc.ID.String(),
			"next_stage":  string(next),
			"error":       err.Error(),
		})
	}
}

func (p *Processor) auditSkipped(ctx context.Context, documentID uuid.UUID, task queue.Task, reason string) {
	taskID, err := p.repos.Tasks.Start(ctx, documentID, task.Type, task.TaskID)
	if err != nil {
		return
	}
	_ = p.repos.Tasks.Finish(ctx, taskID, models.TaskStatusSkipped, reason)
}

func (p *Processor) finishAudit(ctx context.Context, taskID uuid.UUID, status models.TaskStatus, errMsg string) {
	if taskID == uuid.Nil {
		return
	}
	if err := p.repos.Tasks.Finish(ctx, taskID, status, errMsg); err != nil {
		p.logger.Warn("Failed to record task finish", map[string]interface{}{
			"task_id": taskID.String(),
			"error":   err.Error(),
		})
	}
}

func (p *Processor) publishEvent(ctx context.Context, documentID uuid.UUID, stage pipeline.Stage, status, batchID string, metadata map[string]interface{}) {
	if p.events == nil {
		return
	}
	_ = p.events.Publish(ctx, queue.PipelineEvent{
		EventID:    uuid.NewString(),
		EventType:  "pipeline.stage." + status,
		DocumentID: documentID,
		Stage:      string(stage),
		Status:     status,
		BatchID:    batchID,
		Metadata:   metadata,
	})
}

// metadataInt reads an int out of stage metadata that has been through a JSON
// round trip, where numbers come back as float64
func metadataInt(metadata map[string]interface{}, key string) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
