package pipeline

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"caseflow/internal/inference"
	"caseflow/internal/queue"
)

// formattingRules is appended to every report prompt. The analytical content
// of the prompt is maintained externally; the output shape is not.
const formattingRules = `
OUTPUT FORMAT REQUIREMENTS:
- Write the full report in Markdown.
- Use "## " section headings; never skip heading levels.
- Refer to documents by their listed titles, never by file names.
- Quote source passages verbatim inside blockquotes with the document title.
- Do not include any preamble before the first heading or any closing remarks
  after the final section.
`

// resolvedDocument is one evidence file ready to be sent to the model.
type resolvedDocument struct {
	Kind queue.DocumentKind
	Path string
}

// documentIntro enumerates the attached documents so the model can refer to
// them by title. Order matches the attachment order.
func documentIntro(docs []resolvedDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are given %d case documents, attached in this order:\n", len(docs))
	for i, doc := range docs {
		fmt.Fprintf(&b, "%d. %s\n", i+1, doc.Kind.Label())
	}
	return b.String()
}

// buildParts assembles the full multi-part prompt: the document roster, the
// externally maintained report prompt, the formatting rules, then the
// documents themselves inlined as base64 PDFs.
func buildParts(promptText string, docs []resolvedDocument) ([]inference.GeminiPart, error) {
	var text strings.Builder
	text.WriteString(documentIntro(docs))
	text.WriteString("\n")
	text.WriteString(strings.TrimSpace(promptText))
	text.WriteString("\n")
	text.WriteString(formattingRules)

	parts := []inference.GeminiPart{{Text: text.String()}}
	for _, doc := range docs {
		data, err := os.ReadFile(doc.Path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", doc.Path, err)
		}
		parts = append(parts, inference.GeminiPart{
			InlineData: &inference.GeminiBlob{
				MimeType: "application/pdf",
				Data:     base64.StdEncoding.EncodeToString(data),
			},
		})
	}
	return parts, nil
}
