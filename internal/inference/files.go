package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"caseflow/internal/logging"
)

// UploadFile uploads a file using the Files API Resumable Upload protocol
// and returns its URI for use in cache bundles and prompts.
func (c *GeminiClient) UploadFile(ctx context.Context, path string, mimeType string) (string, error) {
	if c.apiKey == "" {
		return "", &ProviderError{StatusCode: 401, Message: "API key not configured"}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	size := stat.Size()

	if mimeType == "" {
		mimeType = "application/pdf"
	}

	logging.InferenceDebug("[Gemini] UploadFile: path=%s size=%d mime=%s", path, size, mimeType)

	// Start resumable session. Upload endpoint lives under /upload/v1beta.
	uploadBase := strings.Replace(c.baseURL, "/v1beta", "/upload/v1beta", 1)
	url := fmt.Sprintf("%s/files?key=%s", uploadBase, c.apiKey)

	metadata := map[string]interface{}{
		"file": map[string]string{
			"displayName": filepath.Base(path),
		},
	}
	jsonMeta, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonMeta))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Upload-Protocol", "resumable")
	req.Header.Set("X-Goog-Upload-Command", "start")
	req.Header.Set("X-Goog-Upload-Header-Content-Length", fmt.Sprintf("%d", size))
	req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload start request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("upload start failed: %s", body)}
	}

	uploadURL := resp.Header.Get("X-Goog-Upload-URL")
	if uploadURL == "" {
		return "", fmt.Errorf("no upload URL returned in headers")
	}

	if _, err := f.Seek(0, 0); err != nil {
		return "", err
	}
	reqUpload, err := http.NewRequestWithContext(ctx, "POST", uploadURL, f)
	if err != nil {
		return "", err
	}
	reqUpload.ContentLength = size
	reqUpload.Header.Set("X-Goog-Upload-Offset", "0")
	reqUpload.Header.Set("X-Goog-Upload-Command", "upload, finalize")

	respUpload, err := c.httpClient.Do(reqUpload)
	if err != nil {
		return "", fmt.Errorf("upload data failed: %w", err)
	}
	defer respUpload.Body.Close()

	if respUpload.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(respUpload.Body)
		return "", &ProviderError{StatusCode: respUpload.StatusCode, Message: fmt.Sprintf("upload finalization failed: %s", body)}
	}

	var result struct {
		File GeminiFile `json:"file"`
	}
	if err := json.NewDecoder(respUpload.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if result.File.URI == "" {
		return "", fmt.Errorf("no file uri found in upload response")
	}

	logging.InferenceDebug("[Gemini] UploadFile success: uri=%s", result.File.URI)
	return result.File.URI, nil
}

// CreateCachedContent registers a cache bundle of previously uploaded files
// plus the shared system instruction, and returns the cache resource name.
func (c *GeminiClient) CreateCachedContent(ctx context.Context, files []CachedFile, systemInstruction string, ttl time.Duration) (string, error) {
	if c.apiKey == "" {
		return "", &ProviderError{StatusCode: 401, Message: "API key not configured"}
	}

	logging.InferenceDebug("[Gemini] CreateCachedContent: files=%d ttl=%s", len(files), ttl)

	url := fmt.Sprintf("%s/cachedContents?key=%s", c.baseURL, c.apiKey)

	modelName := c.model
	if !strings.HasPrefix(modelName, "models/") {
		modelName = "models/" + modelName
	}

	parts := make([]GeminiPart, 0, len(files))
	for _, file := range files {
		mime := file.MimeType
		if mime == "" {
			mime = "application/pdf"
		}
		parts = append(parts, GeminiPart{
			FileData: &GeminiFileData{
				FileURI:  file.URI,
				MimeType: mime,
			},
		})
	}

	cacheReq := GeminiCachedContent{
		Model: modelName,
		TTL:   fmt.Sprintf("%ds", int(ttl.Seconds())),
	}
	if len(parts) > 0 {
		cacheReq.Contents = []GeminiContent{{Role: "user", Parts: parts}}
	}
	if systemInstruction != "" {
		cacheReq.SystemInstruction = &GeminiContent{
			Parts: []GeminiPart{{Text: systemInstruction}},
		}
	}

	jsonData, err := json.Marshal(cacheReq)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create cache request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("create cache failed: %s", body)}
	}

	var result GeminiCachedContent
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse cache response: %w", err)
	}
	if result.Name == "" {
		return "", fmt.Errorf("no cache name in response")
	}

	logging.Inference("[Gemini] CreateCachedContent success: name=%s expires=%s", result.Name, result.ExpireTime)
	return result.Name, nil
}

// DeleteCachedContent deletes a context cache.
func (c *GeminiClient) DeleteCachedContent(ctx context.Context, cacheName string) error {
	if c.apiKey == "" {
		return &ProviderError{StatusCode: 401, Message: "API key not configured"}
	}

	url := fmt.Sprintf("%s/%s?key=%s", c.baseURL, cacheName, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, "DELETE", url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ProviderError{StatusCode: resp.StatusCode, Message: "delete cache failed"}
	}

	return nil
}
