// Package handles manages transient local handles to in-memory media bytes.
//
// A handle is created once and must be released exactly once by whoever created
// it. Release is idempotent so teardown order between consumers never matters.
// Using a handle URL after it was released is a caller bug: the registry cannot
// observe consumer lifetimes and does not try to.
package handles

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// URLPrefix is the scheme prefix of every handle URL issued by a Registry.
const URLPrefix = "blob:hivault/"

// Handle is a snapshot of one live registry entry.
// Data is shared with the registry and must not be modified.
type Handle struct {
	URL         string
	Data        []byte
	ContentType string
	Context     string
	CreatedAt   time.Time
}

// Stats summarises live handles.
type Stats struct {
	Total     int            `json:"total" yaml:"total"`
	TotalSize int64          `json:"total_size" yaml:"total_size"`
	ByContext map[string]int `json:"by_context" yaml:"by_context"`
	OldestAge time.Duration  `json:"oldest_age" yaml:"oldest_age"`
}

// Registry issues and revokes handles.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Handle
	log     zerolog.Logger
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*Handle),
		log:     log.With().Str("component", "handles").Logger(),
		now:     time.Now,
	}
}

// Create registers data and returns a new handle URL.
// context is free-form and only used for diagnostics.
func (r *Registry) Create(data []byte, contentType, context string) string {
	url := URLPrefix + uuid.NewString()
	h := &Handle{
		URL:         url,
		Data:        data,
		ContentType: contentType,
		Context:     strings.TrimSpace(context),
		CreatedAt:   r.now(),
	}

	r.mu.Lock()
	r.entries[url] = h
	total := len(r.entries)
	r.mu.Unlock()

	r.log.Debug().Str("url", url).Str("context", h.Context).Int("total", total).Msg("handle created")
	return url
}

// Release revokes url. Unknown or already released urls are ignored.
func (r *Registry) Release(url string) {
	r.mu.Lock()
	h, ok := r.entries[url]
	if ok {
		delete(r.entries, url)
	}
	total := len(r.entries)
	r.mu.Unlock()

	if !ok {
		return
	}
	h.Data = nil
	r.log.Debug().Str("url", url).Str("context", h.Context).Int("total", total).Msg("handle released")
}

// Lookup returns the live handle for url.
func (r *Registry) Lookup(url string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[url]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stats reports counts, retained bytes and the age of the oldest handle.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stats := Stats{Total: len(r.entries), ByContext: map[string]int{}}
	for _, h := range r.entries {
		stats.TotalSize += int64(len(h.Data))
		ctx := h.Context
		if ctx == "" {
			ctx = "unknown"
		}
		stats.ByContext[ctx]++
		if age := now.Sub(h.CreatedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats
}

// RevokeAll releases every live handle and returns how many were released.
// Only call it on shutdown, when no consumer can still be rendering.
func (r *Registry) RevokeAll() int {
	r.mu.Lock()
	count := len(r.entries)
	for url, h := range r.entries {
		h.Data = nil
		delete(r.entries, url)
	}
	r.mu.Unlock()

	if count > 0 {
		r.log.Debug().Int("count", count).Msg("revoked all handles")
	}
	return count
}

// IsHandleURL reports whether url looks like a handle issued by a Registry.
func IsHandleURL(url string) bool {
	return strings.HasPrefix(url, URLPrefix)
}
