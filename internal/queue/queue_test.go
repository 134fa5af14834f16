package queue

import (
	"strings"
	"testing"
)

func TestStatus_Terminal(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusError.Terminal() {
		t.Error("COMPLETED and ERROR are terminal")
	}
	if StatusPending.Terminal() || StatusProcessing.Terminal() {
		t.Error("PENDING and PROCESSING are not terminal")
	}
}

func TestCaseRow_PresentDocuments(t *testing.T) {
	row := &CaseRow{
		ID: "case-7",
		Documents: map[DocumentKind]string{
			KindRapSheet:            "https://drive.example/rap",
			KindTranscriptInterview: "https://drive.example/transcript",
			KindDAIR:                "",
		},
	}

	got := row.PresentDocuments()
	want := []DocumentKind{KindTranscriptInterview, KindRapSheet}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Order mismatch at %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestCaseRow_PresentDocuments_Empty(t *testing.T) {
	row := &CaseRow{ID: "case-8"}
	if got := row.PresentDocuments(); len(got) != 0 {
		t.Errorf("Expected no documents, got %v", got)
	}
}

func TestTruncateReason(t *testing.T) {
	short := "timeout after 20m"
	if got := TruncateReason(short); got != short {
		t.Errorf("Short reason must pass through, got %q", got)
	}

	long := strings.Repeat("provider overloaded; ", 20)
	got := TruncateReason(long)
	if len([]rune(got)) != ReasonMaxLen {
		t.Errorf("Expected %d runes, got %d", ReasonMaxLen, len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("Truncated reason must end with ellipsis: %q", got)
	}

	// Truncation must not split a multi-byte rune.
	accented := strings.Repeat("relatório inválido ", 10)
	if got := TruncateReason(accented); !strings.HasSuffix(got, "...") {
		t.Errorf("Expected truncation, got %q", got)
	}
}

func TestDocumentKind_Label(t *testing.T) {
	if KindTranscriptInterview.Label() != "Interview Transcript" {
		t.Errorf("Unexpected label: %s", KindTranscriptInterview.Label())
	}
	if DocumentKind("CUSTOM").Label() != "CUSTOM" {
		t.Error("Unknown kinds fall back to their raw name")
	}
}
