package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"caseflow/internal/logging"
)

// GeminiClient talks to the Gemini REST API. It is a thin single-attempt
// transport: retry and timeout enforcement live in the backoff policy and
// the streaming assembler, so every failure here is classified, not retried.
type GeminiClient struct {
	apiKey          string
	baseURL         string
	model           string
	maxOutputTokens int
	temperature     float64
	httpClient      *http.Client

	// Minimum gap between consecutive calls. Cases run sequentially, so this
	// only smooths retries of the same call.
	rateLimitDelay time.Duration
	mu             sync.Mutex
	lastRequest    time.Time
}

// DefaultGeminiConfig returns sensible defaults for long report generation.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
		Model:           "gemini-2.5-flash",
		Timeout:         21 * time.Minute, // must exceed the assembler's call budget
		MaxOutputTokens: 65536,
		Temperature:     1.0,
	}
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(config GeminiConfig) *GeminiClient {
	model := strings.TrimSpace(config.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	baseURL := strings.TrimSpace(config.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	maxOutputTokens := config.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = 65536
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 21 * time.Minute
	}
	rateLimitDelay := config.RateLimitDelay
	if rateLimitDelay <= 0 {
		rateLimitDelay = 100 * time.Millisecond
	}

	return &GeminiClient{
		apiKey:          config.APIKey,
		baseURL:         baseURL,
		model:           model,
		maxOutputTokens: maxOutputTokens,
		temperature:     config.Temperature,
		rateLimitDelay:  rateLimitDelay,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Model returns the configured model identifier.
func (c *GeminiClient) Model() string {
	return c.model
}

func (c *GeminiClient) throttle() {
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < c.rateLimitDelay {
		time.Sleep(c.rateLimitDelay - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()
}

func (c *GeminiClient) buildRequest(req *GenerateRequest) GeminiRequest {
	body := GeminiRequest{
		Contents: []GeminiContent{
			{
				Role:  "user",
				Parts: req.Parts,
			},
		},
		GenerationConfig: GeminiGenerationConfig{
			Temperature:     c.temperature,
			MaxOutputTokens: c.maxOutputTokens,
		},
		SafetySettings: req.Safety,
	}
	if req.CachedContent != "" {
		// The cache bundle already carries the system instruction; the API
		// rejects requests that repeat it alongside cachedContent.
		body.CachedContent = req.CachedContent
	} else if req.SystemInstruction != "" {
		body.SystemInstruction = &GeminiContent{
			Parts: []GeminiPart{{Text: req.SystemInstruction}},
		}
	}
	return body
}

// StreamGenerate issues one streaming generateContent call and returns
// channels of incremental chunks. Both channels are closed when the stream
// ends; at most one error is sent. Cancelling ctx stops the stream.
func (c *GeminiClient) StreamGenerate(ctx context.Context, req *GenerateRequest) (<-chan StreamChunk, <-chan error) {
	chunkChan := make(chan StreamChunk, 100)
	errorChan := make(chan error, 1)

	logging.InferenceDebug("[Gemini] StreamGenerate: model=%s parts=%d cached=%t", c.model, len(req.Parts), req.CachedContent != "")

	go func() {
		defer close(chunkChan)
		defer close(errorChan)

		startTime := time.Now()

		if c.apiKey == "" {
			logging.InferenceError("[Gemini] StreamGenerate: API key not configured")
			errorChan <- &ProviderError{StatusCode: 401, Message: "API key not configured"}
			return
		}

		c.throttle()

		jsonData, err := json.Marshal(c.buildRequest(req))
		if err != nil {
			errorChan <- fmt.Errorf("failed to marshal request: %w", err)
			return
		}

		url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, c.model, c.apiKey)
		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			errorChan <- fmt.Errorf("failed to create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			logging.InferenceError("[Gemini] StreamGenerate: request failed after %v: %v", time.Since(startTime), err)
			errorChan <- fmt.Errorf("request failed: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			logging.InferenceError("[Gemini] StreamGenerate: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			errorChan <- &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}

			var chunk GeminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Malformed intermediate chunks are skipped, not fatal.
				continue
			}
			if chunk.Error != nil {
				errorChan <- &ProviderError{
					StatusCode: chunk.Error.Code,
					Status:     chunk.Error.Status,
					Message:    chunk.Error.Message,
				}
				return
			}

			out := StreamChunk{}
			if len(chunk.Candidates) > 0 {
				cand := chunk.Candidates[0]
				var text strings.Builder
				for _, part := range cand.Content.Parts {
					text.WriteString(part.Text)
				}
				out.Text = text.String()
				if cand.FinishReason != "" {
					out.FinishReason = normalizeFinishReason(cand.FinishReason)
				}
			}
			if chunk.UsageMetadata != nil {
				out.Usage = &Usage{
					InputTokens:  chunk.UsageMetadata.PromptTokenCount,
					OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
				}
			}
			if out.Text == "" && out.FinishReason == "" && out.Usage == nil {
				continue
			}

			select {
			case chunkChan <- out:
			case <-ctx.Done():
				errorChan <- ctx.Err()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			logging.InferenceError("[Gemini] StreamGenerate: stream error after %v: %v", time.Since(startTime), err)
			errorChan <- fmt.Errorf("stream error: %w", err)
			return
		}

		logging.Inference("[Gemini] StreamGenerate: stream ended after %v", time.Since(startTime))
	}()

	return chunkChan, errorChan
}
