package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexpipe/lexpipe/pkg/cache"
	"github.com/lexpipe/lexpipe/pkg/extraction"
	"github.com/lexpipe/lexpipe/pkg/models"
	"github.com/lexpipe/lexpipe/pkg/ocr"
	"github.com/lexpipe/lexpipe/pkg/pipeline"
	"github.com/lexpipe/lexpipe/pkg/queue"
	"github.com/lexpipe/lexpipe/pkg/repository"
	"github.com/lexpipe/lexpipe/pkg/resolution"
)

// --- in-memory repository fakes ---

type memDocumentRepo struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*models.Document
}

func newMemDocumentRepo() *memDocumentRepo {
	return &memDocumentRepo{docs: make(map[uuid.UUID]*models.Document)}
}

func (r *memDocumentRepo) Create(_ context.Context, doc *models.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *doc
	r.docs[doc.ID] = &cp
	return nil
}

func (r *memDocumentRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (r *memDocumentRepo) UpdateStatus(_ context.Context, id uuid.UUID, status models.DocumentStatus, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	doc.Status = status
	if errorMsg != "" {
		truncated := models.TruncateError(errorMsg)
		doc.ErrorMessage = &truncated
	} else {
		doc.ErrorMessage = nil
	}
	return nil
}

func (r *memDocumentRepo) SetExtractedText(_ context.Context, id uuid.UUID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	doc.ExtractedText = &text
	return nil
}

func (r *memDocumentRepo) BumpVersion(_ context.Context, id uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	doc.Version++
	doc.Status = models.DocumentStatusPending
	doc.ErrorMessage = nil
	return doc.Version, nil
}

func (r *memDocumentRepo) GetFinalState(_ context.Context, id uuid.UUID) (*models.FinalState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	state := &models.FinalState{DocumentID: id, Status: doc.Status}
	if doc.ErrorMessage != nil {
		state.ErrorMessage = *doc.ErrorMessage
	}
	return state, nil
}

type memChunkRepo struct {
	mu    sync.Mutex
	byDoc map[uuid.UUID][]models.Chunk
}

func newMemChunkRepo() *memChunkRepo {
	return &memChunkRepo{byDoc: make(map[uuid.UUID][]models.Chunk)}
}

func (r *memChunkRepo) ReplaceForDocument(_ context.Context, documentID uuid.UUID, chunks []models.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDoc[documentID] = chunks
	return nil
}

func (r *memChunkRepo) GetByDocument(_ context.Context, documentID uuid.UUID) ([]models.Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDoc[documentID], nil
}

type memMentionRepo struct {
	mu    sync.Mutex
	byDoc map[uuid.UUID][]models.EntityMention
}

func newMemMentionRepo() *memMentionRepo {
	return &memMentionRepo{byDoc: make(map[uuid.UUID][]models.EntityMention)}
}

func (r *memMentionRepo) ReplaceForDocument(_ context.Context, documentID uuid.UUID, mentions []models.EntityMention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDoc[documentID] = mentions
	return nil
}

func (r *memMentionRepo) GetByDocument(_ context.Context, documentID uuid.UUID) ([]models.EntityMention, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDoc[documentID], nil
}

func (r *memMentionRepo) LinkCanonical(_ context.Context, mentions []models.EntityMention) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range mentions {
		for i, existing := range r.byDoc[m.DocumentID] {
			if existing.ID == m.ID {
				r.byDoc[m.DocumentID][i].CanonicalEntityID = m.CanonicalEntityID
			}
		}
	}
	return nil
}

type memCanonicalRepo struct {
	mu    sync.Mutex
	byDoc map[uuid.UUID][]models.CanonicalEntity
}

func newMemCanonicalRepo() *memCanonicalRepo {
	return &memCanonicalRepo{byDoc: make(map[uuid.UUID][]models.CanonicalEntity)}
}

func (r *memCanonicalRepo) ReplaceForDocument(_ context.Context, documentID uuid.UUID, entities []models.CanonicalEntity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDoc[documentID] = entities
	return nil
}

func (r *memCanonicalRepo) GetByDocument(_ context.Context, documentID uuid.UUID) ([]models.CanonicalEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDoc[documentID], nil
}

type memRelationshipRepo struct {
	mu    sync.Mutex
	byDoc map[uuid.UUID][]models.Relationship
}

func newMemRelationshipRepo() *memRelationshipRepo {
	return &memRelationshipRepo{byDoc: make(map[uuid.UUID][]models.Relationship)}
}

func (r *memRelationshipRepo) ReplaceForDocument(_ context.Context, documentID uuid.UUID, relationships []models.Relationship) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDoc[documentID] = relationships
	return nil
}

func (r *memRelationshipRepo) CountByDocument(_ context.Context, documentID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDoc[documentID]), nil
}

type memTaskRepo struct {
	mu   sync.Mutex
	rows []models.ProcessingTask
}

func (r *memTaskRepo) Start(_ context.Context, documentID uuid.UUID, taskType string, queueMsgID string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := models.ProcessingTask{
		ID:         uuid.New(),
		DocumentID: documentID,
		TaskType:   taskType,
		Status:     models.TaskStatusStarted,
		StartedAt:  time.Now().UTC(),
	}
	if queueMsgID != "" {
		row.QueueMsgID = &queueMsgID
	}
	r.rows = append(r.rows, row)
	return row.ID, nil
}

func (r *memTaskRepo) Finish(_ context.Context, taskID uuid.UUID, status models.TaskStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].ID == taskID {
			r.rows[i].Status = status
			if errMsg != "" {
				truncated := models.TruncateError(errMsg)
				r.rows[i].Error = &truncated
			}
			now := time.Now().UTC()
			r.rows[i].CompletedAt = &now
		}
	}
	return nil
}

func (r *memTaskRepo) GetByDocument(_ context.Context, documentID uuid.UUID) ([]models.ProcessingTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ProcessingTask
	for _, row := range r.rows {
		if row.DocumentID == documentID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *memTaskRepo) byStatus(status models.TaskStatus) []models.ProcessingTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ProcessingTask
	for _, row := range r.rows {
		if row.Status == status {
			out = append(out, row)
		}
	}
	return out
}

// fakeOCRClient completes jobs after a configurable number of pending polls
type fakeOCRClient struct {
	mu           sync.Mutex
	text         string
	pendingPolls int
	failMessage  string
	polls        int
	submitted    int
}

func (c *fakeOCRClient) SubmitJob(_ context.Context, _, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted++
	return "textract-job-1", nil
}

func (c *fakeOCRClient) PollJob(_ context.Context, _ string) (*ocr.JobResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if c.polls <= c.pendingPolls {
		return &ocr.JobResult{Status: ocr.JobStatusInProgress}, nil
	}
	if c.failMessage != "" {
		return &ocr.JobResult{Status: ocr.JobStatusFailed, StatusMessage: c.failMessage}, nil
	}
	return &ocr.JobResult{
		Status: ocr.JobStatusSucceeded,
		Text:   c.text,
		Pages:  []models.PageMetadata{{PageNumber: 1, LineCount: 3}},
	}, nil
}

// staticExtractor returns the same mentions for every chunk
type staticExtractor struct {
	mentions []extraction.RawMention
	err      error
}

func (e *staticExtractor) Extract(_ context.Context, _ string) ([]extraction.RawMention, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.mentions, nil
}

type processorFixture struct {
	processor     *Processor
	tasks         *queue.MemoryTaskQueue
	events        *queue.MemoryEventPublisher
	states        *pipeline.StateStore
	batches       *pipeline.BatchTracker
	gate          *pipeline.Gate
	docs          *memDocumentRepo
	chunks        *memChunkRepo
	mentions      *memMentionRepo
	canonical     *memCanonicalRepo
	relationships *memRelationshipRepo
	audit         *memTaskRepo
	ocrClient     *fakeOCRClient
	extractor     *staticExtractor
}

func setupProcessor(t *testing.T) *processorFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	clients := map[cache.Database]*redis.Client{
		cache.DatabaseCache:     redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 0}),
		cache.DatabaseBatch:     redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 1}),
		cache.DatabaseMetrics:   redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 2}),
		cache.DatabaseRateLimit: redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 3}),
	}
	store := cache.NewStoreFromClients(clients, nil)
	t.Cleanup(func() { _ = store.Close() })

	f := &processorFixture{
		tasks:         queue.NewMemoryTaskQueue(),
		events:        queue.NewMemoryEventPublisher(),
		docs:          newMemDocumentRepo(),
		chunks:        newMemChunkRepo(),
		mentions:      newMemMentionRepo(),
		canonical:     newMemCanonicalRepo(),
		relationships: newMemRelationshipRepo(),
		audit:         &memTaskRepo{},
		ocrClient:     &fakeOCRClient{text: "John Smith filed a complaint against Acme Corp."},
		extractor: &staticExtractor{mentions: []extraction.RawMention{
			{Text: "John Smith", EntityType: "person", StartOffset: 0, EndOffset: 10, Confidence: 0.95},
			{Text: "Acme Corp", EntityType: "organization", StartOffset: 37, EndOffset: 46, Confidence: 0.9},
		}},
	}

	repos := &repository.Repositories{
		Documents:     f.docs,
		Chunks:        f.chunks,
		Mentions:      f.mentions,
		Canonical:     f.canonical,
		Relationships: f.relationships,
		Tasks:         f.audit,
	}

	f.states = pipeline.NewStateStore(store, nil)
	f.batches = pipeline.NewBatchTracker(store, nil)
	loader := repository.NewArtifactLoader(repos)
	f.gate = pipeline.NewGate(f.states, store, loader, NewStageEnqueuer(f.tasks), nil)
	coord := resolution.NewCoordinator(f.extractor, resolution.NewFuzzyResolver(0.85), repos, nil)

	f.processor = NewProcessor(
		ProcessorConfig{OCRPollInterval: time.Millisecond, OCRMaxPolls: 10},
		f.gate, f.states, f.batches, repos, coord,
		f.ocrClient, NewChunker(4000, 400),
		f.tasks, f.events,
		NewRetryHandler(fastRetryConfig(), nil),
		nil,
	)
	return f
}

func (f *processorFixture) newDocument(t *testing.T) *models.Document {
	t.Helper()
	doc := &models.Document{
		ID:            uuid.New(),
		ProjectID:     uuid.New(),
		FileName:      "complaint.pdf",
		StorageBucket: "legal-docs",
		StorageKey:    "uploads/complaint.pdf",
		Status:        models.DocumentStatusPending,
		Version:       1,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.docs.Create(context.Background(), doc))
	return doc
}

// drive pumps the queue through the processor until it drains
func (f *processorFixture) drive(t *testing.T, ctx context.Context) {
	t.Helper()
	for i := 0; i < 100; i++ {
		tasks, receipts, err := f.tasks.Receive(ctx, 10, 0)
		require.NoError(t, err)
		if len(tasks) == 0 {
			if f.tasks.Len() == 0 {
				return
			}
			// Delayed OCR poll tasks become visible shortly
			time.Sleep(5 * time.Millisecond)
			continue
		}
		for i, task := range tasks {
			if err := f.processor.ProcessTask(ctx, task); err == nil {
				require.NoError(t, f.tasks.Delete(ctx, receipts[i]))
			}
		}
	}
	t.Fatal("queue did not drain")
}

func TestProcessorRunsFullPipeline(t *testing.T) {
	f := setupProcessor(t)
	ctx := context.Background()
	doc := f.newDocument(t)

	require.True(t, f.batches.InitBatch(ctx, "batch-1", 1))
	require.NoError(t, f.tasks.Enqueue(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "batch-1")))
	f.drive(t, ctx)

	// Document settled
	final, err := f.docs.GetFinalState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusCompleted, final.Status)

	// Every stage completed in the state store
	state, ok := f.states.GetState(ctx, doc.ID)
	require.True(t, ok)
	for _, stage := range pipeline.Stages() {
		assert.Equal(t, pipeline.StatusCompleted, state[stage].Status, "stage %s", stage)
	}

	// Durable outputs exist at every layer
	persisted, err := f.chunks.GetByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	mentions, err := f.mentions.GetByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, mentions, 2)
	entities, err := f.canonical.GetByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, entities, 2)

	// Structural, containment and co-occurrence edges
	edgeCount, err := f.relationships.CountByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, edgeCount, "doc->project, 2 entity->chunk, 1 co-occurrence")

	// Batch accounting settled
	progress, ok := f.batches.Progress(ctx, "batch-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), progress.Completed)
	assert.Equal(t, models.BatchStatusCompleted, progress.Status)

	// A pipeline-completed event went out
	var sawPipelineDone bool
	for _, e := range f.events.Events() {
		if e.Stage == string(pipeline.StagePipeline) && e.Status == string(pipeline.StatusCompleted) {
			sawPipelineDone = true
		}
	}
	assert.True(t, sawPipelineDone)
}

func TestProcessorPollsOCRUntilDone(t *testing.T) {
	f := setupProcessor(t)
	f.ocrClient.pendingPolls = 2
	ctx := context.Background()
	doc := f.newDocument(t)

	require.NoError(t, f.tasks.Enqueue(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "")))
	f.drive(t, ctx)

	assert.Equal(t, 1, f.ocrClient.submitted)
	assert.Equal(t, 3, f.ocrClient.polls, "two pending polls then success")

	final, err := f.docs.GetFinalState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusCompleted, final.Status)

	// The submit attempt and the two in-progress polls are audited as
	// pending, not completed; nothing is left dangling in started
	assert.Len(t, f.audit.byStatus(models.TaskStatusPending), 3)
	assert.Empty(t, f.audit.byStatus(models.TaskStatusStarted))
}

func TestProcessorResumesAfterStateExpiry(t *testing.T) {
	f := setupProcessor(t)
	ctx := context.Background()
	doc := f.newDocument(t)

	require.NoError(t, f.tasks.Enqueue(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "")))
	f.drive(t, ctx)

	// The stage hash expired; a redelivered OCR task must start the stage
	// from scratch instead of failing on the missing record
	f.states.Clear(ctx, doc.ID)
	require.NoError(t, f.tasks.Enqueue(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "")))
	f.drive(t, ctx)

	assert.Equal(t, 2, f.ocrClient.submitted, "lost state forces re-execution")

	final, err := f.docs.GetFinalState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusCompleted, final.Status)

	state, ok := f.states.GetState(ctx, doc.ID)
	require.True(t, ok)
	for _, stage := range pipeline.Stages() {
		assert.Equal(t, pipeline.StatusCompleted, state[stage].Status, "stage %s", stage)
	}
}

func TestProcessorFailsStagePermanently(t *testing.T) {
	f := setupProcessor(t)
	f.ocrClient.failMessage = "document is password protected"
	ctx := context.Background()
	doc := f.newDocument(t)

	require.True(t, f.batches.InitBatch(ctx, "batch-1", 1))
	require.NoError(t, f.tasks.Enqueue(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "batch-1")))
	f.drive(t, ctx)

	final, err := f.docs.GetFinalState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "password protected")

	rec := f.states.GetStage(ctx, doc.ID, pipeline.StageOCR)
	assert.Equal(t, pipeline.StatusFailed, rec.Status)

	progress, ok := f.batches.Progress(ctx, "batch-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), progress.Failed)
	assert.Equal(t, models.BatchStatusCompleted, progress.Status, "a fully failed batch is still accounted for")

	// The failed OCR job must not have been polled again
	assert.Equal(t, 1, f.ocrClient.polls)
	assert.Empty(t, f.audit.byStatus(models.TaskStatusStarted), "every audit row must be settled")
}

func TestProcessorRetriesTransientExtractionErrors(t *testing.T) {
	f := setupProcessor(t)
	f.extractor.err = errors.New("model throttled")
	ctx := context.Background()
	doc := f.newDocument(t)

	require.NoError(t, f.tasks.Enqueue(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "")))
	f.drive(t, ctx)

	final, err := f.docs.GetFinalState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "extraction failed")

	// Earlier stages stay completed; only extraction failed
	assert.Equal(t, pipeline.StatusCompleted, f.states.GetStage(ctx, doc.ID, pipeline.StageChunking).Status)
	assert.Equal(t, pipeline.StatusFailed, f.states.GetStage(ctx, doc.ID, pipeline.StageExtraction).Status)
}

func TestProcessorSkipsCompletedStageAndChains(t *testing.T) {
	f := setupProcessor(t)
	ctx := context.Background()
	doc := f.newDocument(t)

	require.NoError(t, f.tasks.Enqueue(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "")))
	f.drive(t, ctx)
	submitted := f.ocrClient.submitted

	// Redelivering the OCR task after completion must not redo the work
	require.NoError(t, f.processor.ProcessTask(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "")))
	assert.Equal(t, submitted, f.ocrClient.submitted)
	assert.NotEmpty(t, f.audit.byStatus(models.TaskStatusSkipped))

	// The skip still chains the next stage so the pipeline cannot stall
	assert.Equal(t, 1, f.tasks.Len())
}

func TestProcessorDropsStaleVersionTask(t *testing.T) {
	f := setupProcessor(t)
	ctx := context.Background()
	doc := f.newDocument(t)
	_, err := f.docs.BumpVersion(ctx, doc.ID)
	require.NoError(t, err)

	require.NoError(t, f.processor.ProcessTask(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "")))

	assert.Zero(t, f.ocrClient.submitted)
	assert.NotEmpty(t, f.audit.byStatus(models.TaskStatusSkipped))
}

func TestProcessorDropsUnknownDocument(t *testing.T) {
	f := setupProcessor(t)
	err := f.processor.ProcessTask(context.Background(), queue.NewTask(string(pipeline.StageOCR), uuid.New(), 1, ""))
	assert.NoError(t, err, "unknown documents are dropped, not redelivered")
}

func TestProcessorDropsUnsupportedTaskType(t *testing.T) {
	f := setupProcessor(t)
	err := f.processor.ProcessTask(context.Background(), queue.NewTask("defragment", uuid.New(), 1, ""))
	assert.NoError(t, err)
}

func TestWorkerRunProcessesUntilCancelled(t *testing.T) {
	f := setupProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	doc := f.newDocument(t)

	require.NoError(t, f.tasks.Enqueue(ctx, queue.NewTask(string(pipeline.StageOCR), doc.ID, 1, "")))

	w := New(Config{MaxMessages: 5, WaitSeconds: 1, Concurrency: 2, ErrorBackoff: time.Millisecond}, f.tasks, f.processor, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		final, err := f.docs.GetFinalState(context.Background(), doc.ID)
		return err == nil && final.Status == models.DocumentStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
