package pipeline

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/queue"
)

func TestDocumentIntro(t *testing.T) {
	cases := []struct {
		name string
		docs []resolvedDocument
		want []string
	}{
		{
			name: "single document",
			docs: []resolvedDocument{{Kind: queue.KindRapSheet}},
			want: []string{"1 case documents", "1. Criminal History Record"},
		},
		{
			name: "multiple documents keep attachment order",
			docs: []resolvedDocument{
				{Kind: queue.KindTranscriptInterview},
				{Kind: queue.KindDOEAbuse},
				{Kind: queue.KindAISummary},
			},
			want: []string{
				"3 case documents",
				"1. Interview Transcript",
				"2. Declaration of Eligibility (Abuse)",
				"3. Case Summary",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intro := documentIntro(tc.docs)
			for _, fragment := range tc.want {
				assert.Contains(t, intro, fragment)
			}
		})
	}
}

func TestBuildParts(t *testing.T) {
	dir := t.TempDir()
	pdf := []byte("%PDF-1.4 transcript")
	path := filepath.Join(dir, "transcript.pdf")
	require.NoError(t, os.WriteFile(path, pdf, 0644))

	parts, err := buildParts("Analyze the case.", []resolvedDocument{
		{Kind: queue.KindTranscriptInterview, Path: path},
	})
	require.NoError(t, err)
	require.Len(t, parts, 2)

	text := parts[0].Text
	assert.Contains(t, text, "Interview Transcript")
	assert.Contains(t, text, "Analyze the case.")
	assert.Contains(t, text, "OUTPUT FORMAT REQUIREMENTS")
	// Roster first, analyst prompt second, formatting rules last.
	assert.Less(t, strings.Index(text, "Interview Transcript"), strings.Index(text, "Analyze the case."))
	assert.Less(t, strings.Index(text, "Analyze the case."), strings.Index(text, "OUTPUT FORMAT"))

	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "application/pdf", parts[1].InlineData.MimeType)
	decoded, err := base64.StdEncoding.DecodeString(parts[1].InlineData.Data)
	require.NoError(t, err)
	assert.Equal(t, pdf, decoded)
}

func TestBuildParts_UnreadableDocument(t *testing.T) {
	_, err := buildParts("Analyze.", []resolvedDocument{
		{Kind: queue.KindDAIR, Path: filepath.Join(t.TempDir(), "gone.pdf")},
	})
	require.Error(t, err)
}
