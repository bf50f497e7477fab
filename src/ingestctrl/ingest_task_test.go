package ingestctrl

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policypulse/src/infrastructure/integrations/enrichment"
	"policypulse/src/infrastructure/job"
	"policypulse/src/infrastructure/realtime"
	"policypulse/src/storage/postgres/commentctrl"
	"policypulse/src/tabular"
)

type fakeCommentStore struct {
	mu       sync.Mutex
	created  []*commentctrl.Comment
	seen     map[string]bool
	failWith error
}

func newFakeCommentStore() *fakeCommentStore {
	return &fakeCommentStore{seen: make(map[string]bool)}
}

func (s *fakeCommentStore) Create(_ context.Context, comment *commentctrl.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if s.seen[comment.DedupeKey] {
		// Same semantics as the ON CONFLICT DO NOTHING insert.
		return nil
	}
	s.seen[comment.DedupeKey] = true
	s.created = append(s.created, comment)
	return nil
}

func (s *fakeCommentStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

type fakeEnricher struct {
	result *enrichment.Result
	calls  int
}

func (e *fakeEnricher) Enrich(_ context.Context, _ string) *enrichment.Result {
	e.calls++
	return e.result
}

// recordingBroadcaster collects published events for assertion.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (b *recordingBroadcaster) Publish(_ context.Context, event realtime.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBroadcaster) Subscribe(_ context.Context, _ string) (<-chan realtime.Event, error) {
	return nil, errors.New("not implemented")
}

func (b *recordingBroadcaster) Close() error { return nil }

func (b *recordingBroadcaster) all() []realtime.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]realtime.Event(nil), b.events...)
}

func (b *recordingBroadcaster) statuses(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, event := range b.all() {
		var payload struct {
			Status string `json:"status"`
		}
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		out = append(out, payload.Status)
	}
	return out
}

func validRow(i int) tabular.Row {
	return tabular.Row{
		"id":     strconv.Itoa(i),
		"text":   "Comment number " + strconv.Itoa(i),
		"author": "Resident " + strconv.Itoa(i),
	}
}

func makeRows(n int) []tabular.Row {
	rows := make([]tabular.Row, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, validRow(i))
	}
	return rows
}

func seedJob(t *testing.T, repo job.Repository, policyID int64, totalRows int) *job.IngestJob {
	t.Helper()
	record := &job.IngestJob{
		ID:        "job-" + strconv.Itoa(totalRows),
		PolicyID:  policyID,
		Filename:  "comments.csv",
		Status:    job.StatusQueued,
		TotalRows: totalRows,
	}
	require.NoError(t, repo.Create(context.Background(), record))
	return record
}

func newTask(repo job.Repository, store CommentStore, enricher Enricher, broadcaster realtime.Broadcaster, cfg Config) (*IngestTask, *job.ProgressTracker) {
	progress := job.NewProgressTracker()
	return NewIngestTask(repo, store, enricher, broadcaster, progress, cfg, logr.Discard()), progress
}

func TestHandleAllRowsValid(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 50)
	task, progress := newTask(repo, store, nil, broadcaster, Config{})

	err := task.Handle(context.Background(), job.WorkItem{
		JobID: record.ID, PolicyID: 42, Rows: makeRows(50),
	})
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 50, got.ProcessedRows)
	assert.Empty(t, got.Errors)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, 50, store.count())

	_, live := progress.Get(record.ID)
	assert.False(t, live, "live progress should be released on completion")
}

func TestHandleToleratesBadRows(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 50)
	task, _ := newTask(repo, store, nil, broadcaster, Config{})

	rows := makeRows(50)
	rows[4][tabular.ColumnLatitude] = "not-a-number"
	rows[11][tabular.ColumnLatitude] = "123.4" // out of range

	err := task.Handle(context.Background(), job.WorkItem{
		JobID: record.ID, PolicyID: 42, Rows: rows,
	})
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 50, got.ProcessedRows)
	require.Len(t, got.Errors, 2)
	assert.Contains(t, got.Errors[0], "row 5")
	assert.Contains(t, got.Errors[1], "row 12")
	assert.Equal(t, 48, store.count())
}

func TestHandleFailsWhenStorageIsDown(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 50)
	task, _ := newTask(repo, store, nil, broadcaster, Config{})

	// Comment writes are row-scoped, so the job still completes with row
	// errors; a failing progress persist is job-scoped and must bubble up.
	failing := &failingRepository{Repository: repo, failSaveProgress: true}
	task.jobs = failing

	err := task.Handle(context.Background(), job.WorkItem{
		JobID: record.ID, PolicyID: 42, Rows: makeRows(50),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save progress")
}

type failingRepository struct {
	job.Repository
	failSaveProgress bool
}

func (r *failingRepository) SaveProgress(ctx context.Context, id string, processedRows int, errs []string) error {
	if r.failSaveProgress {
		return errors.New("connection refused")
	}
	return r.Repository.SaveProgress(ctx, id, processedRows, errs)
}

func TestHandleSkipsTerminalJob(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 3)
	require.NoError(t, repo.MarkProcessing(context.Background(), record.ID))
	require.NoError(t, repo.Finish(context.Background(), record.ID, job.StatusCompleted, 3, nil, time.Now()))

	task, _ := newTask(repo, store, nil, broadcaster, Config{})
	err := task.Handle(context.Background(), job.WorkItem{
		JobID: record.ID, PolicyID: 42, Rows: makeRows(3),
	})
	require.NoError(t, err)
	assert.Zero(t, store.count(), "duplicate delivery must not reprocess rows")
	assert.Empty(t, broadcaster.all())
}

func TestHandleAppliesEnrichment(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 2)
	enricher := &fakeEnricher{result: &enrichment.Result{
		SentimentScore:  0.75,
		SummaryShort:    "supportive",
		SummaryDetailed: "The commenter supports the proposal.",
		Keywords:        []string{"support", "zoning"},
	}}
	task, _ := newTask(repo, store, enricher, broadcaster, Config{})

	err := task.Handle(context.Background(), job.WorkItem{
		JobID: record.ID, PolicyID: 42, Rows: makeRows(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, enricher.calls)

	require.Equal(t, 2, store.count())
	comment := store.created[0]
	require.NotNil(t, comment.SentimentScore)
	assert.InDelta(t, 0.75, *comment.SentimentScore, 1e-9)
	assert.Equal(t, commentctrl.Keywords{"support", "zoning"}, comment.Keywords)
}

func TestHandleContinuesWhenEnrichmentReturnsNothing(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 2)
	task, _ := newTask(repo, store, &fakeEnricher{result: nil}, broadcaster, Config{})

	err := task.Handle(context.Background(), job.WorkItem{
		JobID: record.ID, PolicyID: 42, Rows: makeRows(2),
	})
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Empty(t, got.Errors)
	require.Equal(t, 2, store.count())
	assert.Nil(t, store.created[0].SentimentScore)
}

func TestHandlePublishesProgressEvents(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 25)
	task, _ := newTask(repo, store, nil, broadcaster, Config{BatchSize: 10})

	err := task.Handle(context.Background(), job.WorkItem{
		JobID: record.ID, PolicyID: 42, Rows: makeRows(25),
	})
	require.NoError(t, err)

	events := broadcaster.all()
	// processing start, two batch checkpoints at 10 and 20, completion.
	require.Len(t, events, 4)
	for _, event := range events {
		assert.Equal(t, realtime.PolicyChannel(42), event.Channel)
		assert.Equal(t, realtime.EventJobUpdate, event.Type)
	}
	assert.Equal(t,
		[]string{string(job.StatusProcessing), string(job.StatusProcessing), string(job.StatusProcessing), string(job.StatusCompleted)},
		broadcaster.statuses(t))
}

func TestHandleCapsPersistedErrors(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 8)
	task, _ := newTask(repo, store, nil, broadcaster, Config{MaxErrors: 3})

	rows := make([]tabular.Row, 0, 8)
	for i := 1; i <= 8; i++ {
		rows = append(rows, tabular.Row{"id": strconv.Itoa(i), "author": "a"}) // missing text
	}
	err := task.Handle(context.Background(), job.WorkItem{
		JobID: record.ID, PolicyID: 42, Rows: rows,
	})
	require.NoError(t, err)

	got, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	require.Len(t, got.Errors, 4)
	assert.Equal(t, "5 additional row errors suppressed (cap 3)", got.Errors[3])
}

func TestAbortMarksJobFailed(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 50)
	task, progress := newTask(repo, store, nil, broadcaster, Config{})

	require.NoError(t, repo.MarkProcessing(context.Background(), record.ID))
	progress.Set(record.ID, 30)

	task.Abort(context.Background(), job.WorkItem{JobID: record.ID, PolicyID: 42}, errors.New("database connection lost"))

	got, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 30, got.ProcessedRows)
	assert.NotNil(t, got.FinishedAt)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0], "database connection lost")
	assert.Equal(t, []string{string(job.StatusFailed)}, broadcaster.statuses(t))
}

func TestAbortSkipsTerminalJob(t *testing.T) {
	repo := job.NewMemoryRepository()
	record := seedJob(t, repo, 42, 1)
	require.NoError(t, repo.MarkProcessing(context.Background(), record.ID))
	require.NoError(t, repo.Finish(context.Background(), record.ID, job.StatusCompleted, 1, nil, time.Now()))

	broadcaster := &recordingBroadcaster{}
	task, _ := newTask(repo, newFakeCommentStore(), nil, broadcaster, Config{})
	task.Abort(context.Background(), job.WorkItem{JobID: record.ID, PolicyID: 42}, errors.New("late failure"))

	got, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Empty(t, broadcaster.all())
}

func TestDedupeKeyStableUnderMapOrder(t *testing.T) {
	row := tabular.Row{"id": "1", "text": "hello", "author": "a", "city": "Springfield"}
	first := dedupeKey("job-1", 1, row)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, dedupeKey("job-1", 1, row))
	}
	assert.NotEqual(t, first, dedupeKey("job-1", 2, row))
	assert.NotEqual(t, first, dedupeKey("job-2", 1, row))

	changed := tabular.Row{"id": "1", "text": "hello!", "author": "a", "city": "Springfield"}
	assert.NotEqual(t, first, dedupeKey("job-1", 1, changed))
}

func TestRetriedRowsAreIdempotent(t *testing.T) {
	repo := job.NewMemoryRepository()
	store := newFakeCommentStore()
	broadcaster := &recordingBroadcaster{}
	record := seedJob(t, repo, 42, 4)
	task, _ := newTask(repo, store, nil, broadcaster, Config{})

	item := job.WorkItem{JobID: record.ID, PolicyID: 42, Rows: makeRows(4)}

	// A retried attempt replays rows a previous attempt already wrote; the
	// dedupe key makes the second write a no-op.
	for _, index := range []int{0, 1} {
		require.NoError(t, task.processRow(context.Background(), item, index, item.Rows[index]))
	}
	require.Equal(t, 2, store.count())

	require.NoError(t, task.Handle(context.Background(), item))
	assert.Equal(t, 4, store.count())

	got, err := repo.Get(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 4, got.ProcessedRows)
}
