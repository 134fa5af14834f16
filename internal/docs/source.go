// Package docs fetches externally maintained documents: the prompt texts
// read per case and the evidence files downloaded into a case's working
// directory.
package docs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"caseflow/internal/logging"
)

// Source resolves document references. A reference is either fetched as
// text (prompts, instructions) or materialized as a local file (evidence
// PDFs fed to the model).
type Source interface {
	// FetchText returns the document's full text. Re-fetched on every call
	// so external edits take effect without a restart.
	FetchText(ctx context.Context, ref string) (string, error)

	// ResolveLocal downloads the document into destDir and returns the
	// local path.
	ResolveLocal(ctx context.Context, ref string, destDir string) (string, error)
}

// DocumentResolutionError reports a reference that could not be fetched.
// Fatal for the case that needs the document, never for the run.
type DocumentResolutionError struct {
	Ref string
	Err error
}

func (e *DocumentResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve document %s: %v", e.Ref, e.Err)
}

func (e *DocumentResolutionError) Unwrap() error { return e.Err }

// DirSource serves references as paths relative to a base directory. Used
// for prompts kept in the repository and for offline runs.
type DirSource struct {
	Base string
}

func (d *DirSource) FetchText(_ context.Context, ref string) (string, error) {
	data, err := os.ReadFile(filepath.Join(d.Base, filepath.FromSlash(ref)))
	if err != nil {
		return "", &DocumentResolutionError{Ref: ref, Err: err}
	}
	return string(data), nil
}

func (d *DirSource) ResolveLocal(_ context.Context, ref string, destDir string) (string, error) {
	src := filepath.Join(d.Base, filepath.FromSlash(ref))
	data, err := os.ReadFile(src)
	if err != nil {
		return "", &DocumentResolutionError{Ref: ref, Err: err}
	}
	dest := filepath.Join(destDir, filepath.Base(src))
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", &DocumentResolutionError{Ref: ref, Err: err}
	}
	return dest, nil
}

// HTTPSource fetches documents over HTTP(S). Evidence links in the queue
// point at shared-drive exports, so every fetch is a plain GET.
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an HTTP source with the given per-request timeout.
func NewHTTPSource(timeout time.Duration) *HTTPSource {
	return &HTTPSource{client: &http.Client{Timeout: timeout}}
}

func (h *HTTPSource) get(ctx context.Context, ref string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, &DocumentResolutionError{Ref: ref, Err: err}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &DocumentResolutionError{Ref: ref, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &DocumentResolutionError{Ref: ref, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return resp, nil
}

func (h *HTTPSource) FetchText(ctx context.Context, ref string) (string, error) {
	resp, err := h.get(ctx, ref)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &DocumentResolutionError{Ref: ref, Err: err}
	}
	logging.Docs("Fetched %d bytes of text from %s", len(data), ref)
	return string(data), nil
}

func (h *HTTPSource) ResolveLocal(ctx context.Context, ref string, destDir string) (string, error) {
	resp, err := h.get(ctx, ref)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	dest := filepath.Join(destDir, localName(ref))
	out, err := os.Create(dest)
	if err != nil {
		return "", &DocumentResolutionError{Ref: ref, Err: err}
	}
	n, err := io.Copy(out, resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return "", &DocumentResolutionError{Ref: ref, Err: err}
	}
	logging.Docs("Downloaded %s (%d bytes) to %s", ref, n, dest)
	return dest, nil
}

// RoutedSource dispatches by reference shape: http(s) URLs go to the HTTP
// source, everything else is read relative to the local base directory.
// Queue rows typically carry drive URLs while prompts live in the workspace.
type RoutedSource struct {
	HTTP *HTTPSource
	Dir  *DirSource
}

// NewRoutedSource creates the default production source.
func NewRoutedSource(base string, timeout time.Duration) *RoutedSource {
	return &RoutedSource{
		HTTP: NewHTTPSource(timeout),
		Dir:  &DirSource{Base: base},
	}
}

func (r *RoutedSource) pick(ref string) Source {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return r.HTTP
	}
	return r.Dir
}

func (r *RoutedSource) FetchText(ctx context.Context, ref string) (string, error) {
	return r.pick(ref).FetchText(ctx, ref)
}

func (r *RoutedSource) ResolveLocal(ctx context.Context, ref string, destDir string) (string, error) {
	return r.pick(ref).ResolveLocal(ctx, ref, destDir)
}

// localName derives a safe filename from a URL, defaulting to document.pdf
// when the path carries none.
func localName(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return "document.pdf"
	}
	name := path.Base(u.Path)
	if name == "" || name == "/" || name == "." {
		return "document.pdf"
	}
	if !strings.Contains(name, ".") {
		name += ".pdf"
	}
	return name
}
