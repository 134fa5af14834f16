package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"caseflow/internal/logging"
)

// StreamSender is the slice of the client the assembler needs.
type StreamSender interface {
	StreamGenerate(ctx context.Context, req *GenerateRequest) (<-chan StreamChunk, <-chan error)
	Model() string
}

// Assembler reconstructs a complete model response from an incremental
// chunk stream under a hard wall-clock budget. The provider call runs on
// its own goroutine so the budget holds even when the transport's own
// timeout misbehaves; an overrunning worker is abandoned, not killed, and
// its eventual result is discarded.
type Assembler struct {
	client  StreamSender
	timeout time.Duration
}

// NewAssembler creates an assembler with the given wall-clock budget.
func NewAssembler(client StreamSender, timeout time.Duration) *Assembler {
	return &Assembler{client: client, timeout: timeout}
}

type assembleOutcome struct {
	resp *StreamedResponse
	err  error
}

// Send issues one model call for the session and assembles the streamed
// response. Partial output from a timed-out call is discarded so a retried
// call starts clean. An assembled response with no text fails with
// EmptyResponseError carrying the finish reason for diagnostics.
func (a *Assembler) Send(ctx context.Context, sess *Session, parts []GeminiPart) (*StreamedResponse, error) {
	if sess == nil || sess.State() != StateReady {
		state := StateUninitialized
		if sess != nil {
			state = sess.State()
		}
		return nil, fmt.Errorf("session not ready (state=%s)", state)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan assembleOutcome, 1)
	go func() {
		done <- a.assemble(callCtx, sess, parts)
	}()

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	start := time.Now()
	select {
	case out := <-done:
		return out.resp, out.err
	case <-timer.C:
		// Abandon the worker; cancel stops it from holding the connection.
		logging.InferenceWarn("Model call for case %s abandoned after %v (budget %s); partial output discarded",
			sess.CaseID(), time.Since(start), a.timeout)
		return nil, &TimeoutError{Budget: a.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Assembler) assemble(ctx context.Context, sess *Session, parts []GeminiPart) assembleOutcome {
	chunks, errs := a.client.StreamGenerate(ctx, sess.request(parts))

	var text strings.Builder
	finish := FinishUnknown
	var usage Usage
	chunkCount := 0

	// Finish reason and usage are extracted opportunistically: the provider
	// may populate them only on select chunks, and an intermediate chunk
	// without metadata is not an error.
	for chunk := range chunks {
		chunkCount++
		text.WriteString(chunk.Text)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}

	if err := <-errs; err != nil {
		return assembleOutcome{err: err}
	}

	assembled := text.String()
	logging.InferenceDebug("Assembled %d chunks for case %s: %d chars, finish=%s",
		chunkCount, sess.CaseID(), len(assembled), finish)

	if strings.TrimSpace(assembled) == "" {
		return assembleOutcome{err: &EmptyResponseError{FinishReason: finish}}
	}

	if usage.OutputTokens == 0 {
		// Provider omitted usage metadata; estimate from character count.
		usage.OutputTokens = len(assembled) / 4
	}

	return assembleOutcome{resp: &StreamedResponse{
		Text:         assembled,
		FinishReason: finish,
		Usage:        usage,
		Model:        a.client.Model(),
	}}
}
