// Package signing tracks expiry of uploaded references and re-signs them
// before they go stale.
package signing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	"hivault/internal/models"
)

// DefaultStaleBuffer is how long before expiry a reference counts as stale.
const DefaultStaleBuffer = 60 * time.Second

const defaultBatchConcurrency = 4

// Signer issues signed read urls for storage keys.
type Signer interface {
	SignRead(ctx context.Context, key string) (models.SignedRead, error)
}

// Tracker decides when uploaded references need re-signing and performs it.
type Tracker struct {
	signer Signer
	buffer time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStaleBuffer overrides DefaultStaleBuffer. Negative values are ignored.
func WithStaleBuffer(buffer time.Duration) Option {
	return func(t *Tracker) {
		if buffer >= 0 {
			t.buffer = buffer
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker returns a tracker backed by signer.
func NewTracker(signer Signer, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		signer: signer,
		buffer: DefaultStaleBuffer,
		now:    time.Now,
		log:    log.With().Str("component", "signing").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsFresh reports whether ref can be used as-is at now. A reference without
// expiry is always fresh; otherwise more than buffer must remain.
func IsFresh(ref models.UploadedReference, buffer time.Duration, now time.Time) bool {
	if !ref.Expires() {
		return true
	}
	return ref.ExpiresAt.Sub(now) > buffer
}

// StaleBuffer returns the configured buffer.
func (t *Tracker) StaleBuffer() time.Duration { return t.buffer }

// IsFresh applies the tracker's buffer and clock.
func (t *Tracker) IsFresh(ref models.UploadedReference) bool {
	return IsFresh(ref, t.buffer, t.now())
}

// Refresh re-signs key and returns the replacement reference. Failures are
// reported as ErrRefreshFailed and never panic.
func (t *Tracker) Refresh(ctx context.Context, key string) (models.UploadedReference, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return models.UploadedReference{}, models.NewOpError("refresh reference", models.ErrInvalidAssetReference, fmt.Errorf("key is required"))
	}
	if t.signer == nil {
		return models.UploadedReference{}, models.NewOpError("refresh reference", models.ErrRefreshFailed, fmt.Errorf("no signing service configured"))
	}

	signed, err := t.signer.SignRead(ctx, key)
	if err != nil {
		return models.UploadedReference{}, models.NewOpError("refresh reference", models.ErrRefreshFailed, err)
	}
	if strings.TrimSpace(signed.DownloadURL) == "" {
		return models.UploadedReference{}, models.NewOpError("refresh reference", models.ErrRefreshFailed, fmt.Errorf("empty download url"))
	}
	return signed.Reference(key, t.now()), nil
}

// Resolution is the outcome of ResolveURL.
type Resolution struct {
	URL string
	// Refreshed holds the new reference when a refresh succeeded.
	Refreshed *models.UploadedReference
	// Stale is set when URL is a past-due url used because refresh failed.
	Stale bool
}

// ResolveURL returns a usable url for ref, refreshing it when stale. When the
// refresh fails but a previous url exists, that url is returned with Stale
// set instead of an error.
func (t *Tracker) ResolveURL(ctx context.Context, ref models.UploadedReference) (Resolution, error) {
	if !ref.Known() {
		return Resolution{}, models.NewOpError("resolve reference", models.ErrInvalidAssetReference, fmt.Errorf("reference has no key or url"))
	}

	url := strings.TrimSpace(ref.URL)
	if t.IsFresh(ref) && url != "" {
		return Resolution{URL: url}, nil
	}

	if strings.TrimSpace(ref.Key) == "" {
		// Nothing to re-sign with.
		return Resolution{URL: url, Stale: true}, nil
	}

	refreshed, err := t.Refresh(ctx, ref.Key)
	if err == nil {
		return Resolution{URL: refreshed.URL, Refreshed: &refreshed}, nil
	}
	if url == "" {
		return Resolution{}, err
	}
	t.log.Warn().Err(err).Str("key", ref.Key).Msg("refresh failed, using stale url")
	return Resolution{URL: url, Stale: true}, nil
}

// ResolveReferenceURLs resolves many references concurrently. The result keeps
// input order and omits references that produced no url.
func (t *Tracker) ResolveReferenceURLs(ctx context.Context, refs []models.UploadedReference) []string {
	mapper := iter.Mapper[models.UploadedReference, string]{MaxGoroutines: defaultBatchConcurrency}
	urls := mapper.Map(refs, func(ref *models.UploadedReference) string {
		if !ref.Known() {
			return ""
		}
		res, err := t.ResolveURL(ctx, *ref)
		if err != nil {
			t.log.Debug().Err(err).Str("key", ref.Key).Msg("reference unresolved")
			return ""
		}
		return res.URL
	})

	out := make([]string, 0, len(urls))
	for _, url := range urls {
		if url != "" {
			out = append(out, url)
		}
	}
	return out
}
