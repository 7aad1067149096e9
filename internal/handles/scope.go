package handles

import (
	"errors"
	"sync"
)

// ErrScopeClosed is returned when creating a handle in a closed scope.
var ErrScopeClosed = errors.New("handle scope is closed")

// Scope owns the handles of one consumer context (a view, a request, a command).
// Closing the scope releases everything it still owns.
type Scope struct {
	reg  *Registry
	name string

	mu     sync.Mutex
	urls   map[string]struct{}
	closed bool
}

// NewScope returns a scope whose handles are tagged with name.
func (r *Registry) NewScope(name string) *Scope {
	return &Scope{reg: r, name: name, urls: make(map[string]struct{})}
}

// Name is the diagnostic context given to handles of this scope.
func (s *Scope) Name() string { return s.name }

// Create registers data in the registry and records it as owned by the scope.
func (s *Scope) Create(data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrScopeClosed
	}
	url := s.reg.Create(data, contentType, s.name)
	s.urls[url] = struct{}{}
	return url, nil
}

// Adopt takes over release responsibility for url. If the scope is already
// closed the handle is released immediately.
func (s *Scope) Adopt(url string) {
	if url == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reg.Release(url)
		return
	}
	s.urls[url] = struct{}{}
	s.mu.Unlock()
}

// Release releases one owned handle. Releasing a url the scope does not own is a no-op.
func (s *Scope) Release(url string) {
	s.mu.Lock()
	_, ok := s.urls[url]
	delete(s.urls, url)
	s.mu.Unlock()
	if ok {
		s.reg.Release(url)
	}
}

// Len returns the number of handles the scope still owns.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

// Close releases all owned handles. It is safe to call more than once.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	urls := s.urls
	s.urls = map[string]struct{}{}
	s.mu.Unlock()

	for url := range urls {
		s.reg.Release(url)
	}
}
