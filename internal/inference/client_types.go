package inference

import "time"

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	MaxOutputTokens int
	Temperature     float64
	RateLimitDelay  time.Duration
}

// GeminiContent represents content in the request.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content. Exactly one field is set:
// prompt text, an inline document, or a reference to an uploaded file.
type GeminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *GeminiBlob     `json:"inlineData,omitempty"`
	FileData   *GeminiFileData `json:"fileData,omitempty"`
}

// GeminiBlob carries raw document bytes, base64-encoded.
type GeminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GeminiFileData references a file previously uploaded via the Files API.
type GeminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// GeminiSafetySetting adjusts a content filter threshold.
type GeminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GeminiGenerationConfig represents generation parameters.
type GeminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// GeminiRequest represents the Gemini API request.
type GeminiRequest struct {
	Contents          []GeminiContent        `json:"contents"`
	SystemInstruction *GeminiContent         `json:"systemInstruction,omitempty"`
	CachedContent     string                 `json:"cachedContent,omitempty"`
	GenerationConfig  GeminiGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []GeminiSafetySetting  `json:"safetySettings,omitempty"`
}

// GeminiUsageMetadata carries token accounting. The provider may populate it
// only on select streamed chunks.
type GeminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GeminiResponse represents one API response or streamed chunk.
type GeminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []GeminiResponsePart `json:"parts"`
			Role  string               `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	Error         *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// GeminiResponsePart represents a part of the response content.
type GeminiResponsePart struct {
	Text string `json:"text,omitempty"`
}

// GeminiFile is the Files API resource.
type GeminiFile struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	State    string `json:"state"`
}

// GeminiListFilesResponse is the Files API list response.
type GeminiListFilesResponse struct {
	Files []GeminiFile `json:"files"`
}

// GeminiCachedContent is the cachedContents API resource.
type GeminiCachedContent struct {
	Name              string          `json:"name,omitempty"`
	Model             string          `json:"model"`
	SystemInstruction *GeminiContent  `json:"systemInstruction,omitempty"`
	Contents          []GeminiContent `json:"contents,omitempty"`
	TTL               string          `json:"ttl,omitempty"`
	ExpireTime        string          `json:"expireTime,omitempty"`
}

// GeminiListCachedContentsResponse is the cachedContents list response.
type GeminiListCachedContentsResponse struct {
	CachedContents []GeminiCachedContent `json:"cachedContents"`
}

// FinishReason is the normalized terminal classification of a model call.
type FinishReason string

const (
	FinishComplete      FinishReason = "COMPLETE"
	FinishSafetyBlocked FinishReason = "SAFETY_BLOCKED"
	FinishLengthLimit   FinishReason = "LENGTH_LIMIT"
	FinishUnknown       FinishReason = "UNKNOWN"
)

// normalizeFinishReason maps provider finish reasons onto the local taxonomy.
func normalizeFinishReason(raw string) FinishReason {
	switch raw {
	case "STOP":
		return FinishComplete
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
		return FinishSafetyBlocked
	case "MAX_TOKENS":
		return FinishLengthLimit
	default:
		return FinishUnknown
	}
}

// Usage is best-effort token accounting for one model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one increment of a streamed response. FinishReason and
// Usage are zero-valued on chunks that do not carry them.
type StreamChunk struct {
	Text         string
	FinishReason FinishReason
	Usage        *Usage
}

// StreamedResponse is a fully assembled model response.
type StreamedResponse struct {
	Text         string
	FinishReason FinishReason
	Usage        Usage
	Model        string
}

// GenerateRequest is the transport-agnostic model call the assembler issues.
// When CachedContent is set the system instruction travels with the cache
// bundle and must not be repeated here.
type GenerateRequest struct {
	Parts             []GeminiPart
	SystemInstruction string
	CachedContent     string
	Safety            []GeminiSafetySetting
}

// CachedFile pairs an uploaded file URI with its media type for cache
// bundle registration.
type CachedFile struct {
	URI      string
	MimeType string
}
