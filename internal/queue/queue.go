// Package queue defines the case work queue: the row model, the status
// lifecycle and the storage-agnostic interface the run coordinator drives.
package queue

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a case row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

// Terminal reports whether the status ends the case's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// DocumentKind identifies one of the fixed evidence slots a case row carries.
type DocumentKind string

const (
	KindTranscriptInterview DocumentKind = "TRANSCRIPT_INTERVIEW"
	KindDOEAbuse            DocumentKind = "DOE_ABUSE"
	KindDOEGMC              DocumentKind = "DOE_GMC"
	KindDAIR                DocumentKind = "DAIR"
	KindFAIR                DocumentKind = "FAIR"
	KindRapSheet            DocumentKind = "RAPSHEET"
	KindAISummary           DocumentKind = "AI_SUMMARY"
)

// KindOrder is the fixed presentation order of evidence slots. Documents are
// fetched and fed to the model in this order so reports stay comparable
// across cases.
var KindOrder = []DocumentKind{
	KindTranscriptInterview,
	KindDOEAbuse,
	KindDOEGMC,
	KindDAIR,
	KindFAIR,
	KindRapSheet,
	KindAISummary,
}

// Label is the human-readable name used when introducing the document to the
// model.
func (k DocumentKind) Label() string {
	switch k {
	case KindTranscriptInterview:
		return "Interview Transcript"
	case KindDOEAbuse:
		return "Declaration of Eligibility (Abuse)"
	case KindDOEGMC:
		return "Declaration of Eligibility (Good Moral Character)"
	case KindDAIR:
		return "Domestic Abuse Incident Report"
	case KindFAIR:
		return "Family Assessment Investigation Report"
	case KindRapSheet:
		return "Criminal History Record"
	case KindAISummary:
		return "Case Summary"
	default:
		return string(k)
	}
}

// CaseRow is one unit of work: a case identity, its current status and the
// links to whatever evidence documents exist for it. Absent documents carry
// an empty link; a case with zero links is still a valid row and fails
// during processing, not here.
type CaseRow struct {
	ID        string
	ClientID  string
	Name      string
	Status    Status
	ErrReason string
	Documents map[DocumentKind]string
	UpdatedAt time.Time
}

// PresentDocuments returns the evidence slots with links, in KindOrder.
func (r *CaseRow) PresentDocuments() []DocumentKind {
	var present []DocumentKind
	for _, kind := range KindOrder {
		if r.Documents[kind] != "" {
			present = append(present, kind)
		}
	}
	return present
}

// Result is everything written back to a completed row.
type Result struct {
	ReportLink string
	TokensIn   int
	TokensOut  int
	Model      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Queue is the storage-agnostic work queue contract. Implementations must
// make terminal status writes idempotent: re-marking a COMPLETED or ERROR
// row with the same terminal status is a no-op, never a second transition.
type Queue interface {
	// ListPending returns the PENDING rows in queue order. Called once per
	// run; rows added afterwards wait for the next run.
	ListPending(ctx context.Context) ([]CaseRow, error)

	// MarkProcessing transitions a row from PENDING to PROCESSING.
	MarkProcessing(ctx context.Context, id string) error

	// SetStatus writes a terminal or intermediate status. For StatusError
	// the reason is truncated to ReasonMaxLen before storage.
	SetStatus(ctx context.Context, id string, status Status, reason string) error

	// WriteResult stores the completion record and marks the row COMPLETED.
	WriteResult(ctx context.Context, id string, result Result) error

	// RequeueStale resets PROCESSING rows older than the threshold back to
	// PENDING and returns how many were reset. A zero threshold is a no-op.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// ReasonMaxLen bounds the stored error reason. Full detail lives in the
// logs; the queue only needs enough to triage.
const ReasonMaxLen = 80

// TruncateReason shortens an error reason to ReasonMaxLen, respecting rune
// boundaries.
func TruncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= ReasonMaxLen {
		return reason
	}
	runes := []rune(reason)
	return string(runes[:ReasonMaxLen-3]) + "..."
}

// ErrNotFound reports an operation against an unknown case id.
var ErrNotFound = errors.New("case not found")

// PersistenceError wraps a storage-level failure so callers can tell queue
// breakage apart from case-level failures.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "queue " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
