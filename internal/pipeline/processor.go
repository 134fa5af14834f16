// Package pipeline drives a run: the per-case state machine and the
// coordinator that walks the queue.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"caseflow/internal/artifact"
	"caseflow/internal/docs"
	"caseflow/internal/inference"
	"caseflow/internal/logging"
	"caseflow/internal/queue"
	"caseflow/internal/retry"
)

// lowOutputTokens is the floor below which a completed report is suspect.
// A genuine analysis of a full case file never comes in this short.
const lowOutputTokens = 1500

// ModelCaller is the slice of the assembler the processor needs.
type ModelCaller interface {
	Send(ctx context.Context, sess *inference.Session, parts []inference.GeminiPart) (*inference.StreamedResponse, error)
}

// SessionSource builds the per-case session.
type SessionSource interface {
	Initialize(ctx context.Context, caseID string, cachedContent string) (*inference.Session, error)
}

// ProcessorConfig wires the processor's collaborators.
type ProcessorConfig struct {
	Queue           queue.Queue
	Source          docs.Source
	Sessions        SessionSource
	Caller          ModelCaller
	Artifacts       artifact.Store
	Policy          retry.Policy
	ReportPromptRef string
	OutputDir       string
}

// Processor runs one case through its state machine. Every exit path leaves
// the row in a terminal state and the per-case temp dir removed; the
// generated report file is permanent on every path that produced one.
type Processor struct {
	cfg ProcessorConfig
}

// NewProcessor creates a case processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{cfg: cfg}
}

// Process runs one case to a terminal status. A non-nil return means the
// case ended in ERROR; the failure is already recorded, so the caller only
// counts it.
func (p *Processor) Process(ctx context.Context, row queue.CaseRow, cacheHandle string) error {
	startedAt := time.Now()
	logging.Run("Case %s: starting", row.ID)

	if err := p.cfg.Queue.MarkProcessing(ctx, row.ID); err != nil {
		logging.RunError("Case %s: failed to claim: %v", row.ID, err)
		return err
	}

	tempDir, err := os.MkdirTemp("", "caseflow-"+row.ID+"-")
	if err != nil {
		return p.fail(ctx, row.ID, fmt.Errorf("creating temp dir: %w", err))
	}
	defer os.RemoveAll(tempDir)

	sess, err := p.cfg.Sessions.Initialize(ctx, row.ID, cacheHandle)
	if err != nil {
		return p.fail(ctx, row.ID, err)
	}

	resolved := p.resolveDocuments(ctx, row, tempDir)
	if len(resolved) == 0 {
		return p.fail(ctx, row.ID, fmt.Errorf("no case documents could be resolved"))
	}

	promptText, err := p.cfg.Source.FetchText(ctx, p.cfg.ReportPromptRef)
	if err != nil {
		return p.fail(ctx, row.ID, err)
	}

	parts, err := buildParts(promptText, resolved)
	if err != nil {
		return p.fail(ctx, row.ID, err)
	}

	resp, err := retry.DoValue(ctx, p.cfg.Policy, "model call "+row.ID, inference.IsRetryable,
		func(ctx context.Context) (*inference.StreamedResponse, error) {
			return p.cfg.Caller.Send(ctx, sess, parts)
		})
	if err != nil {
		return p.fail(ctx, row.ID, err)
	}

	logging.Run("Case %s: model call done, tokens in=%d out=%d",
		row.ID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if resp.Usage.OutputTokens < lowOutputTokens {
		logging.RunWarn("Case %s: output only %d tokens; report may be truncated or degenerate",
			row.ID, resp.Usage.OutputTokens)
	}

	reportPath, err := p.writeReport(row.ID, resp.Text)
	if err != nil {
		return p.fail(ctx, row.ID, err)
	}

	link, err := p.cfg.Artifacts.Upload(ctx, reportPath, artifact.Metadata{
		CaseID: row.ID,
		Model:  resp.Model,
	})
	if err != nil {
		// The report file itself survives under OutputDir.
		return p.fail(ctx, row.ID, err)
	}

	result := queue.Result{
		ReportLink: link,
		TokensIn:   resp.Usage.InputTokens,
		TokensOut:  resp.Usage.OutputTokens,
		Model:      resp.Model,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if err := p.cfg.Queue.WriteResult(ctx, row.ID, result); err != nil {
		logging.RunError("Case %s: report generated but result write failed: %v", row.ID, err)
		return p.fail(ctx, row.ID, fmt.Errorf("recording result: %w", err))
	}

	logging.Run("Case %s: completed in %s, report at %s", row.ID, time.Since(startedAt).Round(time.Second), link)
	return nil
}

// resolveDocuments downloads the row's evidence into the temp dir in the
// fixed presentation order. Per-document failures degrade the case rather
// than ending it.
func (p *Processor) resolveDocuments(ctx context.Context, row queue.CaseRow, tempDir string) []resolvedDocument {
	var resolved []resolvedDocument
	for _, kind := range row.PresentDocuments() {
		local, err := p.cfg.Source.ResolveLocal(ctx, row.Documents[kind], tempDir)
		if err != nil {
			logging.DocsWarn("Case %s: skipping %s: %v", row.ID, kind, err)
			continue
		}
		resolved = append(resolved, resolvedDocument{Kind: kind, Path: local})
	}
	logging.Docs("Case %s: resolved %d of %d documents", row.ID, len(resolved), len(row.PresentDocuments()))
	return resolved
}

// writeReport persists the report into the permanent dated output tree.
func (p *Processor) writeReport(caseID, text string) (string, error) {
	dir := filepath.Join(p.cfg.OutputDir, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	path := filepath.Join(dir, caseID+".md")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("writing report: %w", err)
	}
	return path, nil
}

// fail records the terminal ERROR status. A failed status write is logged
// and absorbed so one broken row cannot take the run down.
func (p *Processor) fail(ctx context.Context, caseID string, cause error) error {
	logging.RunError("Case %s: failed: %v", caseID, cause)
	if err := p.cfg.Queue.SetStatus(ctx, caseID, queue.StatusError, queue.TruncateReason(cause.Error())); err != nil {
		logging.RunError("Case %s: could not record failure: %v", caseID, err)
	}
	return cause
}
