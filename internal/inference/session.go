package inference

import (
	"context"
	"fmt"

	"caseflow/internal/logging"
)

// SessionState is the explicit lifecycle of a per-case session.
type SessionState int

const (
	StateUninitialized SessionState = iota
	StateReady
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// Session is the isolated request context for exactly one case. It carries
// no conversational history; nothing in it survives into the next case.
type Session struct {
	caseID            string
	state             SessionState
	systemInstruction string
	cachedContent     string
	safety            []GeminiSafetySetting
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// CaseID returns the case this session was built for.
func (s *Session) CaseID() string {
	return s.caseID
}

func (s *Session) request(parts []GeminiPart) *GenerateRequest {
	return &GenerateRequest{
		Parts:             parts,
		SystemInstruction: s.systemInstruction,
		CachedContent:     s.cachedContent,
		Safety:            s.safety,
	}
}

// InstructionFetcher fetches externally maintained prompt text.
type InstructionFetcher interface {
	FetchText(ctx context.Context, ref string) (string, error)
}

// defaultSafetySettings sets every content filter to the least restrictive
// level the provider allows. The source material is legal and clinical
// narrative about abuse and criminal conduct; default thresholds silently
// reject valid cases.
func defaultSafetySettings() []GeminiSafetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	settings := make([]GeminiSafetySetting, 0, len(categories))
	for _, cat := range categories {
		settings = append(settings, GeminiSafetySetting{
			Category:  cat,
			Threshold: "BLOCK_NONE",
		})
	}
	return settings
}

// SessionManager builds fresh, isolated sessions. One manager serves the
// whole run; every Initialize call produces an independent Session.
type SessionManager struct {
	fetcher         InstructionFetcher
	instructionsRef string
}

// NewSessionManager creates a session manager that fetches system
// instructions from the given document reference.
func NewSessionManager(fetcher InstructionFetcher, instructionsRef string) *SessionManager {
	return &SessionManager{
		fetcher:         fetcher,
		instructionsRef: instructionsRef,
	}
}

// Initialize builds a new session for one case. cachedContent, when
// non-empty, binds the shared context cache; the cache bundle then carries
// the system instruction, but it is still fetched here so a cacheless run
// behaves identically. Any failure is a SessionInitError, fatal for this
// case only.
func (m *SessionManager) Initialize(ctx context.Context, caseID string, cachedContent string) (*Session, error) {
	logging.Inference("Initializing session for case %s (cached=%t)", caseID, cachedContent != "")

	instructions, err := m.fetcher.FetchText(ctx, m.instructionsRef)
	if err != nil {
		return nil, &SessionInitError{CaseID: caseID, Err: fmt.Errorf("fetching system instructions: %w", err)}
	}
	if instructions == "" {
		return nil, &SessionInitError{CaseID: caseID, Err: fmt.Errorf("system instructions document is empty")}
	}

	return &Session{
		caseID:            caseID,
		state:             StateReady,
		systemInstruction: instructions,
		cachedContent:     cachedContent,
		safety:            defaultSafetySettings(),
	}, nil
}
