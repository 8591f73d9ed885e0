package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/clausewatch/internal/ai"
	"github.com/kiranshivaraju/clausewatch/internal/ai/mock"
	"github.com/kiranshivaraju/clausewatch/internal/artifact"
	"github.com/kiranshivaraju/clausewatch/internal/cache"
	"github.com/kiranshivaraju/clausewatch/internal/content"
	"github.com/kiranshivaraju/clausewatch/internal/detect"
	"github.com/kiranshivaraju/clausewatch/internal/lock"
	"github.com/kiranshivaraju/clausewatch/internal/pipeline"
	"github.com/kiranshivaraju/clausewatch/internal/queue"
	"github.com/kiranshivaraju/clausewatch/internal/status"
	"github.com/kiranshivaraju/clausewatch/internal/store"
	"github.com/kiranshivaraju/clausewatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingCache keeps every status written for a job. When gated, the next
// status read returns its value only after release is closed, so the reader
// acts on what it saw while other deliveries move on.
type recordingCache struct {
	cache.Cache
	mu       sync.Mutex
	statuses map[string][]models.Status

	gated   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (c *recordingCache) record(key cache.Key, value []byte) {
	if key.Segment(0) != cache.NamespaceTask {
		return
	}
	var st models.Status
	if err := json.Unmarshal(value, &st); err == nil {
		c.mu.Lock()
		c.statuses[key.Segment(1)] = append(c.statuses[key.Segment(1)], st)
		c.mu.Unlock()
	}
}

func (c *recordingCache) Set(ctx context.Context, key cache.Key, value []byte, ttl time.Duration) error {
	c.record(key, value)
	return c.Cache.Set(ctx, key, value, ttl)
}

func (c *recordingCache) Update(ctx context.Context, key cache.Key, ttl time.Duration, fn cache.UpdateFunc) error {
	return c.Cache.Update(ctx, key, ttl, func(current []byte, found bool) ([]byte, error) {
		next, err := fn(current, found)
		if err == nil {
			c.record(key, next)
		}
		return next, err
	})
}

func (c *recordingCache) Get(ctx context.Context, key cache.Key) ([]byte, bool, error) {
	data, found, err := c.Cache.Get(ctx, key)
	if key.Segment(0) == cache.NamespaceTask && c.gated.CompareAndSwap(true, false) {
		close(c.read)
		<-c.release
	}
	return data, found, err
}

// gateNextStatusRead arms the gate and returns its channels.
func (c *recordingCache) gateNextStatusRead() (read <-chan struct{}, release chan<- struct{}) {
	c.read = make(chan struct{})
	c.release = make(chan struct{})
	c.gated.Store(true)
	return c.read, c.release
}

func (c *recordingCache) terminals(jobID uuid.UUID) int {
	n := 0
	for _, k := range c.kinds(jobID) {
		if k != models.StatusActivity {
			n++
		}
	}
	return n
}

func (c *recordingCache) activities(jobID uuid.UUID) []models.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Activity
	for _, st := range c.statuses[jobID.String()] {
		if st.Kind == models.StatusActivity {
			out = append(out, st.Activity)
		}
	}
	return out
}

func (c *recordingCache) kinds(jobID uuid.UUID) []models.StatusKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.StatusKind
	for _, st := range c.statuses[jobID.String()] {
		out = append(out, st.Kind)
	}
	return out
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	msg.Attempt = 1
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *fakeQueue) Run(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *fakeQueue) last(t *testing.T) queue.Message {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	require.NotEmpty(t, q.msgs)
	return q.msgs[len(q.msgs)-1]
}

type fakeHistory struct {
	mu       sync.Mutex
	created  map[uuid.UUID]*models.Job
	statuses map[uuid.UUID][]string
}

func (h *fakeHistory) CreateJob(_ context.Context, job *models.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created[job.ID] = job
	return nil
}

func (h *fakeHistory) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, _ ...store.JobUpdateOption) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses[id] = append(h.statuses[id], status)
	return nil
}

func (h *fakeHistory) of(id uuid.UUID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.statuses[id]...)
}

type fakeTrigger struct{ n atomic.Int32 }

func (f *fakeTrigger) Trigger() { f.n.Add(1) }

const (
	bodyText    = "The supplier may travel first class on all trips."
	policyText  = "Travel is economy class only."
	docExcerpt  = "travel first class"
	polExcerpt  = "economy class only"
	translation = `{"title":"Voyages","content":"Les voyages se font en classe économique uniquement."}`
)

type harness struct {
	d       *Dispatcher
	cache   *recordingCache
	content *content.MemoryStore
	model   *mock.MockProvider
	queue   *fakeQueue
	history *fakeHistory
	purge   *fakeTrigger
	locker  *lock.Locker
	issues  *artifact.Issues
}

func newHarness(t *testing.T, mode lock.Mode) *harness {
	t.Helper()
	rc := &recordingCache{Cache: cache.NewMemoryCache(), statuses: make(map[string][]models.Status)}

	store := content.NewMemoryStore()
	store.PutPage("p", "Supplier agreement", bodyText)
	store.PutAttachment("p", "att-1", "travel.pdf", "application/pdf", []byte("%PDF"))

	finding := `{"findings":[{"severity":"high","reason_title":"First class travel","reason_analysis":"Policy requires economy.","policy_excerpt":"` + polExcerpt + `","document_excerpt":"` + docExcerpt + `"}]}`
	model := mock.NewMockProvider()
	model.ProcessFunc = func(_ context.Context, prompt models.Prompt) (string, error) {
		switch prompt.Schema.Name {
		case "extraction":
			if prompt.AssetID == "" {
				return `{"title":"Supplier agreement","language":"en","content":"ignored"}`, nil
			}
			return `{"title":"Travel policy","language":"en","content":"` + policyText + `"}`, nil
		case "translation":
			return translation, nil
		case "findings":
			return finding, nil
		}
		return "", errors.New("unexpected prompt")
	}

	svc := ai.NewService(model, ai.Options{InferenceTimeout: 5 * time.Second, PollInterval: time.Millisecond, MaxPolls: 3})
	locker := lock.NewLocker(lock.NewMemoryBackend(), lock.Config{Mode: mode, Lease: time.Second, PollInterval: 5 * time.Millisecond})
	h := &harness{
		cache:   rc,
		content: store,
		model:   model,
		queue:   &fakeQueue{},
		history: &fakeHistory{created: make(map[uuid.UUID]*models.Job), statuses: make(map[uuid.UUID][]string)},
		purge:   &fakeTrigger{},
		locker:  locker,
		issues:  artifact.NewIssues(rc),
	}
	h.d = New(Deps{
		Status:    status.NewStore(rc, time.Hour),
		Queue:     h.queue,
		Locker:    locker,
		Content:   store,
		Pipeline:  pipeline.New(svc, store),
		Engine:    detect.NewEngine(svc, 2),
		Documents: artifact.NewDocuments(rc),
		Issues:    h.issues,
		History:   h.history,
		Purge:     h.purge,
	})
	return h
}

// run submits task and handles it to completion.
func (h *harness) run(t *testing.T, task models.Task) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	jobID, err := h.d.Submit(ctx, task)
	require.NoError(t, err)
	require.NoError(t, h.d.Handle(ctx, h.queue.last(t)))
	return jobID
}

func (h *harness) poll(t *testing.T, jobID uuid.UUID) models.Status {
	t.Helper()
	st, err := h.d.Poll(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, st.Terminal(), "status %s", st.Kind)
	return st
}

func (h *harness) cached(t *testing.T, key cache.Key) (models.Document, bool) {
	t.Helper()
	data, found, err := h.cache.Get(context.Background(), key)
	require.NoError(t, err)
	if !found {
		return models.Document{}, false
	}
	var doc models.Document
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc, true
}

// assertSubsequence checks that want appears in got in order.
func assertSubsequence(t *testing.T, want, got []models.Activity) {
	t.Helper()
	i := 0
	for _, a := range got {
		if i < len(want) && a == want[i] {
			i++
		}
	}
	assert.Equal(t, len(want), i, "expected %v within %v", want, got)
}

func TestSubmit_InvalidTask(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)

	_, err := h.d.Submit(context.Background(), models.Task{Type: models.TaskPolicy, Scope: "p"})
	assert.ErrorIs(t, err, models.ErrInvalidTask)
	assert.Empty(t, h.queue.msgs)
}

func TestSubmit_SchedulesJob(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	ctx := context.Background()

	jobID, err := h.d.Submit(ctx, models.Task{Type: models.TaskClear, Scope: "p"})
	require.NoError(t, err)

	st, err := h.d.Poll(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActivity, st.Kind)
	assert.Equal(t, models.Scheduling, st.Activity)
	assert.Equal(t, []models.Activity{models.Submitting, models.Scheduling}, h.cache.activities(jobID))

	msg := h.queue.last(t)
	assert.Equal(t, jobID, msg.JobID)
	assert.Equal(t, models.TaskClear, msg.Task.Type)
	require.Contains(t, h.history.created, jobID)
	assert.Equal(t, models.JobStatusPending, h.history.created[jobID].Status)
}

func TestSubmit_EnqueueFailureForgetsJob(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	h.queue.err = errors.New("nats down")

	_, err := h.d.Submit(context.Background(), models.Task{Type: models.TaskClear, Scope: "p"})
	require.Error(t, err)

	h.cache.mu.Lock()
	var jobID string
	for id := range h.cache.statuses {
		jobID = id
	}
	h.cache.mu.Unlock()
	_, err = h.d.Poll(context.Background(), uuid.MustParse(jobID))
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPolicy_ExtractsTranslatesAndCaches(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)

	jobID := h.run(t, models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1", Language: "fr"})

	assertSubsequence(t, []models.Activity{models.Locking, models.Fetching, models.Scanning, models.Prompting, models.Extracting, models.Caching, models.Translating, models.Caching}, h.cache.activities(jobID))

	doc, err := models.ResultAs[models.Document](h.poll(t, jobID))
	require.NoError(t, err)
	assert.Equal(t, "fr", doc.Language)
	assert.False(t, doc.Original)
	assert.Equal(t, "Voyages", doc.Title)

	original, ok := h.cached(t, cache.PolicyKey("p", "att-1", ""))
	require.True(t, ok)
	assert.True(t, original.Original)
	assert.Equal(t, "en", original.Language)
	translated, ok := h.cached(t, cache.PolicyKey("p", "att-1", "fr"))
	require.True(t, ok)
	assert.False(t, translated.Original)

	// The terminal status is consumed by the poll that returned it.
	_, err = h.d.Poll(context.Background(), jobID)
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Equal(t, []string{models.JobStatusRunning, models.JobStatusCompleted}, h.history.of(jobID))
	assert.Equal(t, int32(1), h.purge.n.Load())

	_, held, err := h.locker.Holder(context.Background(), lockKey(models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1"}))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestPolicy_CacheHitSkipsModel(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	task := models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1", Language: "fr"}
	h.poll(t, h.run(t, task))
	prompts := len(h.model.Prompts())

	jobID := h.run(t, task)
	doc, err := models.ResultAs[models.Document](h.poll(t, jobID))
	require.NoError(t, err)
	assert.Equal(t, "fr", doc.Language)
	assert.Len(t, h.model.Prompts(), prompts)
	assert.Equal(t, 1, h.model.Uploads())
}

func TestPolicy_SameLanguageWritesNoTranslation(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)

	jobID := h.run(t, models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1", Language: "en"})
	doc, err := models.ResultAs[models.Document](h.poll(t, jobID))
	require.NoError(t, err)
	assert.True(t, doc.Original)
	assert.NotContains(t, h.cache.activities(jobID), models.Translating)

	_, ok := h.cached(t, cache.PolicyKey("p", "att-1", "en"))
	assert.False(t, ok)
}

func TestPolicy_StaleEntryIsRecomputed(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	ctx := context.Background()
	res, err := h.content.GetResource(ctx, "att-1")
	require.NoError(t, err)

	stale := models.Document{Original: true, Language: "en", Source: "att-1", CreatedAt: res.ModifiedAt.Add(-time.Hour), Title: "old", Content: "old text"}
	docs := artifact.NewDocuments(h.cache)
	require.NoError(t, docs.Put(ctx, cache.PolicyKey("p", "att-1", ""), stale))

	jobID := h.run(t, models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1"})
	doc, err := models.ResultAs[models.Document](h.poll(t, jobID))
	require.NoError(t, err)

	assert.Equal(t, policyText, doc.Content)
	assert.Equal(t, 1, h.model.Uploads())
	cached, ok := h.cached(t, cache.PolicyKey("p", "att-1", ""))
	require.True(t, ok)
	assert.False(t, cached.CreatedAt.Before(res.ModifiedAt))
}

func TestPolicy_TouchedAttachmentInvalidatesTranslation(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	task := models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1", Language: "fr"}
	h.poll(t, h.run(t, task))

	h.content.Touch("att-1", time.Now().Add(time.Minute))
	h.poll(t, h.run(t, task))
	assert.Equal(t, 2, h.model.Uploads())
}

func TestPolicy_MissingAttachmentFailsWithNotFound(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)

	jobID := h.run(t, models.Task{Type: models.TaskPolicy, Scope: "p", Source: "nope"})
	st := h.poll(t, jobID)
	require.Equal(t, models.StatusTrace, st.Kind)
	assert.Equal(t, models.CodeNotFound, st.Trace.Code)
	assert.Equal(t, []string{models.JobStatusRunning, models.JobStatusFailed}, h.history.of(jobID))
	assert.Equal(t, int32(1), h.purge.n.Load())

	_, held, err := h.locker.Holder(context.Background(), cache.PolicyKey("p", "nope", ""))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestPolicy_PanicBecomesInternalTrace(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	h.model.ProcessFunc = func(context.Context, models.Prompt) (string, error) {
		panic("model exploded")
	}

	st := h.poll(t, h.run(t, models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1"}))
	require.Equal(t, models.StatusTrace, st.Kind)
	assert.Equal(t, models.CodeInternal, st.Trace.Code)
}

func TestPolicies_ReturnsEveryPolicyAttachment(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	h.content.PutAttachment("p", "att-2", "pay.docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", []byte("PK"))
	h.content.PutAttachment("p", "img", "logo.png", "image/png", []byte("png"))

	docs, err := models.ResultAs[[]models.Document](h.poll(t, h.run(t, models.Task{Type: models.TaskPolicies, Scope: "p"})))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, 2, h.model.Uploads())
}

func TestIssues_WithoutRefreshReturnsCachedSet(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)

	st := h.poll(t, h.run(t, models.Task{Type: models.TaskIssues, Scope: "p", Policies: []string{"att-1"}}))
	issues, err := models.ResultAs[[]models.Issue](st)
	require.NoError(t, err)
	assert.NotNil(t, issues)
	assert.Empty(t, issues)
	assert.Empty(t, h.model.Prompts())
}

func detectIssues(t *testing.T, h *harness) []models.Issue {
	t.Helper()
	st := h.poll(t, h.run(t, models.Task{Type: models.TaskIssues, Scope: "p", Policies: []string{"att-1"}, Refresh: true}))
	issues, err := models.ResultAs[[]models.Issue](st)
	require.NoError(t, err)
	return issues
}

func TestIssues_CachedReadNeedsNoPolicies(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	detected := detectIssues(t, h)
	require.NotEmpty(t, detected)
	prompts := len(h.model.Prompts())

	st := h.poll(t, h.run(t, models.Task{Type: models.TaskIssues, Scope: "p"}))
	issues, err := models.ResultAs[[]models.Issue](st)
	require.NoError(t, err)
	assert.Equal(t, len(detected), len(issues))
	assert.Len(t, h.model.Prompts(), prompts)
}

func TestIssues_RefreshDetectsAndCaches(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)

	issues := detectIssues(t, h)
	require.Len(t, issues, 1)
	issue := issues[0]
	assert.Equal(t, models.SeverityHigh, issue.Severity)
	ref := issue.DocumentReference("")
	require.NotNil(t, ref)
	assert.Equal(t, 17, ref.Offset)

	cached, err := h.issues.List(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, issue.ID, cached[0].ID)

	// Body and policy documents are cached along the way.
	_, ok := h.cached(t, cache.PolicyKey("p", "", ""))
	assert.True(t, ok)
	_, ok = h.cached(t, cache.PolicyKey("p", "att-1", ""))
	assert.True(t, ok)

	// A second refresh replaces the set rather than appending to it.
	detectIssues(t, h)
	cached, err = h.issues.List(context.Background(), "p")
	require.NoError(t, err)
	assert.Len(t, cached, 1)
}

func TestIssueMutations(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	issue := detectIssues(t, h)[0]
	note := "Checked with legal"

	got, err := models.ResultAs[models.Issue](h.poll(t, h.run(t, models.Task{Type: models.TaskTransition, Scope: "p", IssueID: issue.ID, State: models.IssueAccepted})))
	require.NoError(t, err)
	assert.Equal(t, models.IssueAccepted, got.State)

	got, err = models.ResultAs[models.Issue](h.poll(t, h.run(t, models.Task{Type: models.TaskClassify, Scope: "p", IssueID: issue.ID, Severity: models.SeverityLow})))
	require.NoError(t, err)
	assert.Equal(t, models.SeverityLow, got.Severity)
	assert.Equal(t, models.IssueAccepted, got.State)

	got, err = models.ResultAs[models.Issue](h.poll(t, h.run(t, models.Task{Type: models.TaskAnnotate, Scope: "p", IssueID: issue.ID, Annotations: &note})))
	require.NoError(t, err)
	assert.Equal(t, note, got.Annotations)

	stored, err := h.issues.Get(context.Background(), "p", issue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityLow, stored.Severity)
	assert.Equal(t, note, stored.Annotations)
	assert.Equal(t, issue.Title, stored.Title)
}

func TestIssueMutation_UnknownIssue(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)

	st := h.poll(t, h.run(t, models.Task{Type: models.TaskTransition, Scope: "p", IssueID: "missing", State: models.IssueRejected}))
	require.Equal(t, models.StatusTrace, st.Kind)
	assert.Equal(t, models.CodeNotFound, st.Trace.Code)
}

func TestResolve_ReplacesExcerptAndDeletesIssue(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	issue := detectIssues(t, h)[0]
	replacement := "travel economy class"

	st := h.poll(t, h.run(t, models.Task{Type: models.TaskResolve, Scope: "p", IssueID: issue.ID, Replacement: &replacement}))
	require.Equal(t, models.StatusResult, st.Kind)
	assert.JSONEq(t, "null", string(st.Result))

	body, err := h.content.GetBody(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "The supplier may travel economy class on all trips.", body.Content)

	_, err = h.issues.Get(context.Background(), "p", issue.ID)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestResolve_ConflictWhenExcerptGone(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	issue := detectIssues(t, h)[0]
	h.content.PutPage("p", "Supplier agreement", "Rewritten entirely.")
	replacement := "x"

	st := h.poll(t, h.run(t, models.Task{Type: models.TaskResolve, Scope: "p", IssueID: issue.ID, Replacement: &replacement}))
	require.Equal(t, models.StatusTrace, st.Kind)
	assert.Equal(t, models.CodeConflict, st.Trace.Code)

	_, err := h.issues.Get(context.Background(), "p", issue.ID)
	assert.NoError(t, err, "issue is kept when the body could not be updated")
}

func TestResolve_WithoutReplacementOnlyDeletes(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	issue := detectIssues(t, h)[0]

	h.poll(t, h.run(t, models.Task{Type: models.TaskResolve, Scope: "p", IssueID: issue.ID}))
	body, err := h.content.GetBody(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, bodyText, body.Content)
}

func TestClear_WaitsForIssuesLock(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	ctx := context.Background()
	detectIssues(t, h)

	// Another job holds the page-wide issues lock.
	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.locker.WithLock(ctx, uuid.New(), cache.IssuesPrefix("p"), func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	jobID, err := h.d.Submit(ctx, models.Task{Type: models.TaskClear, Scope: "p"})
	require.NoError(t, err)
	handled := make(chan error, 1)
	go func() { handled <- h.d.Handle(ctx, h.queue.last(t)) }()

	require.Eventually(t, func() bool {
		st, err := h.d.status.Get(ctx, jobID)
		return err == nil && st.Kind == models.StatusActivity && st.Activity == models.Locking
	}, time.Second, 5*time.Millisecond)

	// Still locked: the clear job has not started purging.
	time.Sleep(30 * time.Millisecond)
	assert.NotContains(t, h.cache.activities(jobID), models.Purging)
	remaining, err := h.issues.List(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	close(release)
	require.NoError(t, <-handled)

	assertSubsequence(t, []models.Activity{models.Locking, models.Purging}, h.cache.activities(jobID))
	st := h.poll(t, jobID)
	assert.Equal(t, models.StatusResult, st.Kind)

	remaining, err = h.issues.List(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestFailFast_RetriesWhileLocked(t *testing.T) {
	h := newHarness(t, lock.ModeFailFast)
	ctx := context.Background()

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = h.locker.WithLock(ctx, uuid.New(), cache.IssuesPrefix("p"), func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	jobID, err := h.d.Submit(ctx, models.Task{Type: models.TaskClear, Scope: "p"})
	require.NoError(t, err)
	msg := h.queue.last(t)

	err = h.d.Handle(ctx, msg)
	delay, retry := queue.RetryDelay(err)
	require.True(t, retry, "expected retry, got %v", err)
	assert.Equal(t, 5*time.Millisecond, delay)

	st, err := h.d.status.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.Locking, st.Activity)
	assert.False(t, st.Terminal())

	close(release)
	require.Eventually(t, func() bool {
		_, held, _ := h.locker.Holder(ctx, cache.IssuesPrefix("p"))
		return !held
	}, time.Second, 5*time.Millisecond)

	msg.Attempt = 2
	require.NoError(t, h.d.Handle(ctx, msg))
	assert.Equal(t, models.StatusResult, h.poll(t, jobID).Kind)
	assert.Equal(t, []string{models.JobStatusRunning, models.JobStatusCompleted}, h.history.of(jobID))
}

func TestFailFast_FinalDeliveryEndsInTrace(t *testing.T) {
	h := newHarness(t, lock.ModeFailFast)
	ctx := context.Background()

	release := make(chan struct{})
	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.locker.WithLock(ctx, uuid.New(), cache.IssuesPrefix("p"), func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	t.Cleanup(func() {
		close(release)
		<-done
	})

	jobID, err := h.d.Submit(ctx, models.Task{Type: models.TaskClear, Scope: "p"})
	require.NoError(t, err)
	msg := h.queue.last(t)
	msg.Attempt = 5
	msg.Final = true

	require.NoError(t, h.d.Handle(ctx, msg))

	st := h.poll(t, jobID)
	require.Equal(t, models.StatusTrace, st.Kind)
	assert.Equal(t, models.CodeUnavailable, st.Trace.Code)
	assert.Contains(t, st.Trace.Text, "resource locked")
	assert.Equal(t, models.JobStatusFailed, h.history.of(jobID)[len(h.history.of(jobID))-1])
}

func TestRetryDelay_BacksOffToCap(t *testing.T) {
	poll := 10 * time.Millisecond
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, poll},
		{1, poll},
		{2, 2 * poll},
		{3, 4 * poll},
		{5, 16 * poll},
		{40, 16 * poll},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(poll, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestHandle_RedeliveryAfterCompletionIsSkipped(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	ctx := context.Background()

	jobID := h.run(t, models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1"})
	prompts := len(h.model.Prompts())

	require.NoError(t, h.d.Handle(ctx, h.queue.last(t)))
	assert.Len(t, h.model.Prompts(), prompts)

	// Nothing but the first terminal status was ever written.
	kinds := h.cache.kinds(jobID)
	assert.Equal(t, models.StatusResult, kinds[len(kinds)-1])
	terminal := 0
	for _, k := range kinds {
		if k != models.StatusActivity {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)

	// Once consumed the job stays gone.
	h.poll(t, jobID)
	require.NoError(t, h.d.Handle(ctx, h.queue.last(t)))
	_, err := h.d.Poll(ctx, jobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestHandle_LateCopyCannotResurrectConsumedJob(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	ctx := context.Background()

	jobID, err := h.d.Submit(ctx, models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1"})
	require.NoError(t, err)
	msg := h.queue.last(t)

	// A second delivery reads the job as still scheduled, then stalls.
	read, release := h.cache.gateNextStatusRead()
	late := make(chan error, 1)
	go func() { late <- h.d.Handle(ctx, msg) }()
	<-read

	require.NoError(t, h.d.Handle(ctx, msg))
	assert.Equal(t, models.StatusResult, h.poll(t, jobID).Kind)
	prompts := len(h.model.Prompts())

	close(release)
	require.NoError(t, <-late)

	_, err = h.d.Poll(ctx, jobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, 1, h.cache.terminals(jobID))
	assert.Len(t, h.model.Prompts(), prompts)
	assert.Equal(t, []string{models.JobStatusRunning, models.JobStatusCompleted}, h.history.of(jobID))
}

func TestHandle_ShutdownLeavesJobForRedelivery(t *testing.T) {
	h := newHarness(t, lock.ModeQueue)
	ctx, cancel := context.WithCancel(context.Background())

	h.model.ProcessFunc = func(ctx context.Context, _ models.Prompt) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}
	jobID, err := h.d.Submit(context.Background(), models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1"})
	require.NoError(t, err)

	err = h.d.Handle(ctx, h.queue.last(t))
	assert.ErrorIs(t, err, context.Canceled)

	st, err := h.d.status.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.False(t, st.Terminal())
	assert.Zero(t, h.purge.n.Load())
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "policy:p:att-1", lockKey(models.Task{Type: models.TaskPolicy, Scope: "p", Source: "att-1", Language: "fr"}).String())
	assert.Equal(t, "policy:p", lockKey(models.Task{Type: models.TaskPolicies, Scope: "p"}).String())
	assert.Equal(t, "issue:p", lockKey(models.Task{Type: models.TaskIssues, Scope: "p"}).String())
	assert.Equal(t, "issue:p", lockKey(models.Task{Type: models.TaskClear, Scope: "p"}).String())
	assert.Equal(t, "issue:p:i1", lockKey(models.Task{Type: models.TaskAnnotate, Scope: "p", IssueID: "i1"}).String())
}

func TestReplaceExcerpt(t *testing.T) {
	ref := models.Reference{Excerpt: "première classe", Offset: 20, Length: 15}
	text := "Le fournisseur voya première classe."

	got, err := replaceExcerpt(text, ref, "classe économique")
	require.NoError(t, err)
	assert.Equal(t, "Le fournisseur voya classe économique.", got)

	// Shifted text falls back to a unique occurrence.
	got, err = replaceExcerpt("Préambule. "+text, ref, "classe économique")
	require.NoError(t, err)
	assert.Equal(t, "Préambule. Le fournisseur voya classe économique.", got)

	_, err = replaceExcerpt("première classe, première classe", models.Reference{Excerpt: "première classe", Offset: 40}, "x")
	assert.ErrorIs(t, err, content.ErrConflict)
}

func TestTraceFromError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{models.ErrInvalidTask, models.CodeInvalidTask},
		{content.ErrNotFound, models.CodeNotFound},
		{artifact.ErrNotFound, models.CodeNotFound},
		{content.ErrConflict, models.CodeConflict},
		{ai.ErrInvalidResponse, models.CodeInvalidResponse},
		{ai.ErrAssetFailed, models.CodeInvalidResponse},
		{ai.ErrInferenceTimeout, models.CodeTimeout},
		{content.ErrTimeout, models.CodeTimeout},
		{ai.ErrProviderUnavailable, models.CodeUnavailable},
		{lock.ErrLeaseLost, models.CodeUnavailable},
		{lock.ErrLocked, models.CodeUnavailable},
		{errors.New("boom"), models.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.err.Error(), func(t *testing.T) {
			wrapped := errors.Join(errors.New("context"), tt.err)
			trace := TraceFromError(wrapped)
			assert.Equal(t, tt.code, trace.Code)
			assert.Equal(t, wrapped.Error(), trace.Text)
		})
	}
}
