// Package cache manages the provider-side context cache holding the shared
// grounding documents. The bundle is uploaded and cached at most once per
// run; every case then references the same handle instead of re-sending the
// reference material.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"caseflow/internal/inference"
	"caseflow/internal/logging"
	"caseflow/internal/retry"
)

// Provider is the slice of the inference client the manager needs.
type Provider interface {
	UploadFile(ctx context.Context, path string, mimeType string) (string, error)
	CreateCachedContent(ctx context.Context, files []inference.CachedFile, systemInstruction string, ttl time.Duration) (string, error)
	DeleteCachedContent(ctx context.Context, name string) error
}

// CacheCreationError reports that the shared context cache could not be
// created after retries. Fatal for the whole run: starting case work without
// the grounding documents would produce reports missing their legal basis.
type CacheCreationError struct {
	Err error
}

func (e *CacheCreationError) Error() string {
	return fmt.Sprintf("context cache creation failed: %v", e.Err)
}

func (e *CacheCreationError) Unwrap() error { return e.Err }

// CachedContext is the live handle plus enough metadata to know when the
// provider will have dropped it.
type CachedContext struct {
	Handle    string
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the provider-side TTL has lapsed. A small margin
// keeps a case from binding a handle that dies mid-call. A cacheless context
// (empty handle) follows the same clock so the reference directory is
// re-checked once per TTL window.
func (c *CachedContext) Expired(now time.Time) bool {
	if c == nil {
		return true
	}
	return now.After(c.CreatedAt.Add(c.TTL - time.Minute))
}

// Manager creates and memoizes the run-wide context cache.
type Manager struct {
	provider        Provider
	fetcher         inference.InstructionFetcher
	instructionsRef string
	referenceDir    string
	ttl             time.Duration
	policy          retry.Policy

	group singleflight.Group

	mu      sync.Mutex
	current *CachedContext
}

// NewManager creates a cache manager over the given reference directory.
// The directory's PDFs become the cached bundle; the system instruction is
// fetched from instructionsRef and stored inside the cache so per-case
// requests can omit it.
func NewManager(provider Provider, fetcher inference.InstructionFetcher, instructionsRef, referenceDir string, ttl time.Duration, policy retry.Policy) *Manager {
	return &Manager{
		provider:        provider,
		fetcher:         fetcher,
		instructionsRef: instructionsRef,
		referenceDir:    referenceDir,
		ttl:             ttl,
		policy:          policy,
	}
}

// Ensure returns the cache handle, creating the cache on first call.
// Concurrent callers coalesce onto one creation; later calls reuse the
// memoized handle until its TTL lapses. An empty reference directory is not
// an error: the run proceeds cacheless and Ensure returns "".
func (m *Manager) Ensure(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.current != nil && !m.current.Expired(time.Now()) {
		handle := m.current.Handle
		m.mu.Unlock()
		return handle, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("context-cache", func() (interface{}, error) {
		// Re-check under the flight: a concurrent caller may have just
		// finished creating.
		m.mu.Lock()
		if m.current != nil && !m.current.Expired(time.Now()) {
			handle := m.current.Handle
			m.mu.Unlock()
			return handle, nil
		}
		m.mu.Unlock()

		cc, err := m.create(ctx)
		if err != nil {
			return "", err
		}

		m.mu.Lock()
		m.current = cc
		m.mu.Unlock()
		return cc.Handle, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) create(ctx context.Context) (*CachedContext, error) {
	paths, err := m.referenceFiles()
	if err != nil {
		return nil, &CacheCreationError{Err: err}
	}
	if len(paths) == 0 {
		logging.Cache("No reference documents under %s; running without a context cache", m.referenceDir)
		return &CachedContext{CreatedAt: time.Now(), TTL: m.ttl}, nil
	}

	instructions, err := m.fetcher.FetchText(ctx, m.instructionsRef)
	if err != nil {
		return nil, &CacheCreationError{Err: fmt.Errorf("fetching system instructions: %w", err)}
	}

	logging.Cache("Uploading %d reference documents from %s", len(paths), m.referenceDir)
	files := make([]inference.CachedFile, 0, len(paths))
	for _, path := range paths {
		uri, err := retry.DoValue(ctx, m.policy, "upload "+filepath.Base(path), inference.IsRetryable,
			func(ctx context.Context) (string, error) {
				return m.provider.UploadFile(ctx, path, "application/pdf")
			})
		if err != nil {
			return nil, &CacheCreationError{Err: fmt.Errorf("uploading %s: %w", filepath.Base(path), err)}
		}
		files = append(files, inference.CachedFile{URI: uri, MimeType: "application/pdf"})
	}

	handle, err := retry.DoValue(ctx, m.policy, "create context cache", inference.IsRetryable,
		func(ctx context.Context) (string, error) {
			return m.provider.CreateCachedContent(ctx, files, instructions, m.ttl)
		})
	if err != nil {
		return nil, &CacheCreationError{Err: err}
	}

	logging.Cache("Context cache %s created (ttl=%s, %d documents)", handle, m.ttl, len(files))
	return &CachedContext{Handle: handle, CreatedAt: time.Now(), TTL: m.ttl}, nil
}

// referenceFiles lists the PDFs of the reference directory in a stable order.
func (m *Manager) referenceFiles() ([]string, error) {
	entries, err := os.ReadDir(m.referenceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading reference dir %s: %w", m.referenceDir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".pdf") {
			paths = append(paths, filepath.Join(m.referenceDir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Release deletes the provider-side cache. Best-effort: the TTL reclaims it
// anyway, so a failed delete is only logged.
func (m *Manager) Release(ctx context.Context) {
	m.mu.Lock()
	current := m.current
	m.current = nil
	m.mu.Unlock()

	if current == nil || current.Handle == "" {
		return
	}
	if err := m.provider.DeleteCachedContent(ctx, current.Handle); err != nil {
		logging.CacheError("Failed to delete context cache %s: %v", current.Handle, err)
		return
	}
	logging.Cache("Context cache %s released", current.Handle)
}
