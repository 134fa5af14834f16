package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"caseflow/internal/artifact"
	"caseflow/internal/docs"
	"caseflow/internal/inference"
	"caseflow/internal/queue"
	"caseflow/internal/retry"
)

// memQueue is an in-memory queue.Queue with a run ledger.
type memQueue struct {
	mu            sync.Mutex
	rows          map[string]*queue.CaseRow
	order         []string
	results       map[string]queue.Result
	runs          []string
	failSetStatus bool
}

func newMemQueue(rows ...queue.CaseRow) *memQueue {
	q := &memQueue{rows: map[string]*queue.CaseRow{}, results: map[string]queue.Result{}}
	for i := range rows {
		r := rows[i]
		q.rows[r.ID] = &r
		q.order = append(q.order, r.ID)
	}
	return q
}

func (q *memQueue) ListPending(context.Context) ([]queue.CaseRow, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.CaseRow
	for _, id := range q.order {
		if q.rows[id].Status == queue.StatusPending {
			out = append(out, *q.rows[id])
		}
	}
	return out, nil
}

func (q *memQueue) MarkProcessing(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.rows[id]
	if !ok {
		return queue.ErrNotFound
	}
	row.Status = queue.StatusProcessing
	return nil
}

func (q *memQueue) SetStatus(_ context.Context, id string, status queue.Status, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failSetStatus {
		return &queue.PersistenceError{Op: "set status", Err: fmt.Errorf("backend down")}
	}
	row, ok := q.rows[id]
	if !ok {
		return queue.ErrNotFound
	}
	row.Status = status
	row.ErrReason = queue.TruncateReason(reason)
	return nil
}

func (q *memQueue) WriteResult(_ context.Context, id string, result queue.Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.rows[id]
	if !ok {
		return queue.ErrNotFound
	}
	row.Status = queue.StatusCompleted
	q.results[id] = result
	return nil
}

func (q *memQueue) RequeueStale(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func (q *memQueue) RecordRun(_ context.Context, runID string, _, _ time.Time, _, _ int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runs = append(q.runs, runID)
	return nil
}

func (q *memQueue) status(id string) (queue.Status, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rows[id].Status, q.rows[id].ErrReason
}

// scriptedCaller counts model calls and replays a fixed outcome.
type scriptedCaller struct {
	mu    sync.Mutex
	calls int
	resp  *inference.StreamedResponse
	err   error
}

func (c *scriptedCaller) Send(context.Context, *inference.Session, []inference.GeminiPart) (*inference.StreamedResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *scriptedCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type staticEnsurer string

func (s staticEnsurer) Ensure(context.Context) (string, error) { return string(s), nil }

type failingEnsurer struct{}

func (failingEnsurer) Ensure(context.Context) (string, error) {
	return "", fmt.Errorf("cache bootstrap failed")
}

func goodResponse() *inference.StreamedResponse {
	return &inference.StreamedResponse{
		Text:         "## Case Analysis\n\n" + strings.Repeat("The record supports the claim. ", 400),
		FinishReason: inference.FinishComplete,
		Usage:        inference.Usage{InputTokens: 9000, OutputTokens: 2500},
		Model:        "gemini-2.5-flash",
	}
}

// testHarness wires a processor over a docs dir holding the prompts plus
// whatever evidence files the test created.
type testHarness struct {
	queue  *memQueue
	caller *scriptedCaller
	docDir string
	outDir string
	proc   *Processor
}

func newHarness(t *testing.T, q *memQueue, caller *scriptedCaller) *testHarness {
	t.Helper()
	docDir := t.TempDir()
	for name, text := range map[string]string{
		"system.md": "You are a careful clinical report writer.",
		"prompt.md": "Analyze the attached case documents.",
	} {
		if err := os.WriteFile(filepath.Join(docDir, name), []byte(text), 0644); err != nil {
			t.Fatal(err)
		}
	}

	source := &docs.DirSource{Base: docDir}
	outDir := t.TempDir()
	proc := NewProcessor(ProcessorConfig{
		Queue:           q,
		Source:          source,
		Sessions:        inference.NewSessionManager(source, "system.md"),
		Caller:          caller,
		Artifacts:       &artifact.LocalStore{Base: t.TempDir()},
		Policy:          retry.Policy{MaxAttempts: 3, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond},
		ReportPromptRef: "prompt.md",
		OutputDir:       outDir,
	})
	return &testHarness{queue: q, caller: caller, docDir: docDir, outDir: outDir, proc: proc}
}

func (h *testHarness) addEvidence(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(h.docDir, name), []byte("%PDF-1.4"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestProcessor_CompletesCase(t *testing.T) {
	q := newMemQueue(queue.CaseRow{
		ID:     "case-1",
		Status: queue.StatusPending,
		Documents: map[queue.DocumentKind]string{
			queue.KindTranscriptInterview: "transcript.pdf",
			queue.KindRapSheet:            "rapsheet.pdf",
		},
	})
	caller := &scriptedCaller{resp: goodResponse()}
	h := newHarness(t, q, caller)
	h.addEvidence(t, "transcript.pdf", "rapsheet.pdf")

	rows, _ := q.ListPending(context.Background())
	if err := h.proc.Process(context.Background(), rows[0], "cachedContents/x"); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	status, _ := q.status("case-1")
	if status != queue.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", status)
	}
	result := q.results["case-1"]
	if result.TokensOut != 2500 || result.Model != "gemini-2.5-flash" {
		t.Errorf("Result mismatch: %+v", result)
	}
	if result.ReportLink == "" {
		t.Error("Expected report link recorded")
	}
	if result.FinishedAt.Before(result.StartedAt) {
		t.Error("Timestamps inverted")
	}

	// Permanent copy under the dated output tree.
	report := filepath.Join(h.outDir, time.Now().Format("2006-01-02"), "case-1.md")
	if _, err := os.Stat(report); err != nil {
		t.Errorf("Permanent report missing: %v", err)
	}
}

func TestProcessor_PartialDocumentResolution(t *testing.T) {
	q := newMemQueue(queue.CaseRow{
		ID:     "case-1",
		Status: queue.StatusPending,
		Documents: map[queue.DocumentKind]string{
			queue.KindTranscriptInterview: "transcript.pdf",
			queue.KindDOEAbuse:            "missing-abuse.pdf",
			queue.KindDAIR:                "dair.pdf",
			queue.KindFAIR:                "missing-fair.pdf",
			queue.KindRapSheet:            "rapsheet.pdf",
		},
	})
	caller := &scriptedCaller{resp: goodResponse()}
	h := newHarness(t, q, caller)
	h.addEvidence(t, "transcript.pdf", "dair.pdf", "rapsheet.pdf")

	rows, _ := q.ListPending(context.Background())
	if err := h.proc.Process(context.Background(), rows[0], ""); err != nil {
		t.Fatalf("Process must degrade, not fail: %v", err)
	}
	if status, _ := q.status("case-1"); status != queue.StatusCompleted {
		t.Errorf("Expected COMPLETED despite 2 unresolvable documents, got %s", status)
	}
}

func TestProcessor_ZeroDocumentsShortCircuits(t *testing.T) {
	q := newMemQueue(queue.CaseRow{ID: "case-1", Status: queue.StatusPending})
	caller := &scriptedCaller{resp: goodResponse()}
	h := newHarness(t, q, caller)

	if err := h.proc.Process(context.Background(), queue.CaseRow{ID: "case-1"}, ""); err == nil {
		t.Fatal("Expected failure for a documentless case")
	}

	status, reason := q.status("case-1")
	if status != queue.StatusError {
		t.Errorf("Expected ERROR, got %s", status)
	}
	if reason == "" {
		t.Error("Expected a recorded reason")
	}
	if caller.callCount() != 0 {
		t.Errorf("Model must never be invoked without documents, got %d calls", caller.callCount())
	}
}

func TestProcessor_SafetyBlockEndsInError(t *testing.T) {
	q := newMemQueue(queue.CaseRow{
		ID:        "case-1",
		Status:    queue.StatusPending,
		Documents: map[queue.DocumentKind]string{queue.KindTranscriptInterview: "transcript.pdf"},
	})
	caller := &scriptedCaller{err: &inference.EmptyResponseError{FinishReason: inference.FinishSafetyBlocked}}
	h := newHarness(t, q, caller)
	h.addEvidence(t, "transcript.pdf")

	rows, _ := q.ListPending(context.Background())
	if err := h.proc.Process(context.Background(), rows[0], ""); err == nil {
		t.Fatal("Expected failure")
	}

	status, reason := q.status("case-1")
	if status != queue.StatusError {
		t.Errorf("Expected ERROR, got %s", status)
	}
	if !strings.Contains(reason, "SAFETY_BLOCKED") {
		t.Errorf("Expected finish reason in recorded reason, got %q", reason)
	}
	// Bounded by the policy, never an infinite loop.
	if caller.callCount() != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", caller.callCount())
	}
}

func TestProcessor_TransientFailureRecovers(t *testing.T) {
	q := newMemQueue(queue.CaseRow{
		ID:        "case-1",
		Status:    queue.StatusPending,
		Documents: map[queue.DocumentKind]string{queue.KindTranscriptInterview: "transcript.pdf"},
	})

	caller := &flakyCaller{failures: 2, resp: goodResponse()}
	h := newHarnessWithCaller(t, q, caller)
	h.addEvidence(t, "transcript.pdf")

	rows, _ := q.ListPending(context.Background())
	if err := h.proc.Process(context.Background(), rows[0], ""); err != nil {
		t.Fatalf("Expected recovery within the attempt budget: %v", err)
	}
	if status, _ := q.status("case-1"); status != queue.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", status)
	}
}

// flakyCaller fails the first n calls with a transient provider error.
type flakyCaller struct {
	mu       sync.Mutex
	failures int
	calls    int
	resp     *inference.StreamedResponse
}

func (c *flakyCaller) Send(context.Context, *inference.Session, []inference.GeminiPart) (*inference.StreamedResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failures {
		return nil, &inference.ProviderError{StatusCode: 503, Message: "overloaded"}
	}
	return c.resp, nil
}

func newHarnessWithCaller(t *testing.T, q *memQueue, caller ModelCaller) *testHarness {
	t.Helper()
	h := newHarness(t, q, &scriptedCaller{})
	h.proc.cfg.Caller = caller
	return h
}

func TestProcessor_StatusWriteFailureDoesNotPanic(t *testing.T) {
	q := newMemQueue(queue.CaseRow{ID: "case-1", Status: queue.StatusPending})
	q.failSetStatus = true
	h := newHarness(t, q, &scriptedCaller{resp: goodResponse()})

	// The failure to record the failure is absorbed; Process still returns
	// the underlying cause.
	if err := h.proc.Process(context.Background(), queue.CaseRow{ID: "case-1"}, ""); err == nil {
		t.Fatal("Expected the original failure returned")
	}
}

func TestProcessor_ReportSurvivesUploadFailure(t *testing.T) {
	q := newMemQueue(queue.CaseRow{
		ID:        "case-1",
		Status:    queue.StatusPending,
		Documents: map[queue.DocumentKind]string{queue.KindTranscriptInterview: "transcript.pdf"},
	})
	h := newHarness(t, q, &scriptedCaller{resp: goodResponse()})
	h.addEvidence(t, "transcript.pdf")
	h.proc.cfg.Artifacts = failingArtifacts{}

	rows, _ := q.ListPending(context.Background())
	if err := h.proc.Process(context.Background(), rows[0], ""); err == nil {
		t.Fatal("Expected failure when upload fails")
	}

	if status, _ := q.status("case-1"); status != queue.StatusError {
		t.Error("Expected ERROR after upload failure")
	}
	// The permanent local copy survives the failed publish.
	report := filepath.Join(h.outDir, time.Now().Format("2006-01-02"), "case-1.md")
	if _, err := os.Stat(report); err != nil {
		t.Errorf("Permanent report lost on upload failure: %v", err)
	}
}

type failingArtifacts struct{}

func (failingArtifacts) Upload(context.Context, string, artifact.Metadata) (string, error) {
	return "", fmt.Errorf("drive unavailable")
}

func TestCoordinator_ProcessesOnlyPendingRows(t *testing.T) {
	q := newMemQueue(
		queue.CaseRow{ID: "case-1", Status: queue.StatusPending,
			Documents: map[queue.DocumentKind]string{queue.KindTranscriptInterview: "transcript.pdf"}},
		queue.CaseRow{ID: "case-2", Status: queue.StatusProcessing},
		queue.CaseRow{ID: "case-3", Status: queue.StatusCompleted},
	)
	caller := &scriptedCaller{resp: goodResponse()}
	h := newHarness(t, q, caller)
	h.addEvidence(t, "transcript.pdf")

	coord := NewCoordinator(q, staticEnsurer("cachedContents/x"), h.proc, 0)
	summary, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Total != 1 || summary.Completed != 1 || summary.Failed != 0 {
		t.Errorf("Summary mismatch: %+v", summary)
	}
	if s, _ := q.status("case-2"); s != queue.StatusProcessing {
		t.Errorf("PROCESSING row must be untouched, got %s", s)
	}
	if s, _ := q.status("case-3"); s != queue.StatusCompleted {
		t.Errorf("COMPLETED row must be untouched, got %s", s)
	}
	if len(q.runs) != 1 {
		t.Errorf("Expected one ledger row, got %d", len(q.runs))
	}
}

func TestCoordinator_OneFailureDoesNotEndRun(t *testing.T) {
	q := newMemQueue(
		queue.CaseRow{ID: "case-1", Status: queue.StatusPending}, // no documents: fails
		queue.CaseRow{ID: "case-2", Status: queue.StatusPending,
			Documents: map[queue.DocumentKind]string{queue.KindTranscriptInterview: "transcript.pdf"}},
	)
	caller := &scriptedCaller{resp: goodResponse()}
	h := newHarness(t, q, caller)
	h.addEvidence(t, "transcript.pdf")

	coord := NewCoordinator(q, staticEnsurer(""), h.proc, 0)
	summary, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Completed != 1 || summary.Failed != 1 {
		t.Errorf("Expected 1 completed and 1 failed, got %+v", summary)
	}
	// Every processed case ends terminal.
	for _, id := range []string{"case-1", "case-2"} {
		if s, _ := q.status(id); !s.Terminal() {
			t.Errorf("Case %s left non-terminal: %s", id, s)
		}
	}
}

func TestCoordinator_CacheFailureAbortsRun(t *testing.T) {
	q := newMemQueue(queue.CaseRow{ID: "case-1", Status: queue.StatusPending})
	caller := &scriptedCaller{resp: goodResponse()}
	h := newHarness(t, q, caller)

	coord := NewCoordinator(q, failingEnsurer{}, h.proc, 0)
	if _, err := coord.Run(context.Background()); err == nil {
		t.Fatal("Expected run abort on cache failure")
	}
	if s, _ := q.status("case-1"); s != queue.StatusPending {
		t.Errorf("No case may start without the cache, got %s", s)
	}
	if caller.callCount() != 0 {
		t.Error("Model must not be called when the run aborts")
	}
}

func TestCoordinator_CancelledContextStopsBetweenCases(t *testing.T) {
	q := newMemQueue(
		queue.CaseRow{ID: "case-1", Status: queue.StatusPending},
		queue.CaseRow{ID: "case-2", Status: queue.StatusPending},
	)

	ctx, cancel := context.WithCancel(context.Background())
	proc := processorFunc(func(context.Context, queue.CaseRow, string) error {
		cancel()
		return nil
	})

	coord := NewCoordinator(q, staticEnsurer(""), proc, 0)
	summary, err := coord.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Completed != 1 {
		t.Errorf("Expected the run to stop after the first case, got %+v", summary)
	}
}

type processorFunc func(context.Context, queue.CaseRow, string) error

func (f processorFunc) Process(ctx context.Context, row queue.CaseRow, handle string) error {
	return f(ctx, row, handle)
}
