// Package resolver turns asset ids into renderable urls through an ordered
// fallback chain: local copy, fresh remote reference, re-signed reference,
// download of the last known source, and finally a stale url.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"hivault/internal/api"
	"hivault/internal/handles"
	"hivault/internal/models"
	"hivault/internal/signing"
	"hivault/internal/store"
)

// Source says which fallback step produced an Outcome.
type Source string

const (
	SourceLocal      Source = "local"
	SourceRemote     Source = "remote"
	SourceSigned     Source = "signed"
	SourceDownloaded Source = "downloaded"
	SourceStale      Source = "stale"
)

// Outcome is a usable url for an asset. When NeedsCleanup is set, URL is a
// transient handle and the caller must release it exactly once.
type Outcome struct {
	URL          string `json:"url"`
	NeedsCleanup bool   `json:"needs_cleanup"`
	Source       Source `json:"source"`
}

// Options tune one resolution.
type Options struct {
	// MaxRetries is the number of attempts for each network step. Zero uses
	// the resolver default.
	MaxRetries int
	// DownloadMissingBlob enables fetching and caching the last known source.
	DownloadMissingBlob bool
	// HandleContext labels created handles for diagnostics.
	HandleContext string
}

// Config holds resolver defaults.
type Config struct {
	MaxRetries          int
	RetryDelay          time.Duration
	MaxRetryDelay       time.Duration
	DownloadMissingBlob bool
	MinBlobBytes        int
	PrecacheConcurrency int
}

// DefaultConfig returns the stock resolver settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		RetryDelay:          time.Second,
		MaxRetryDelay:       8 * time.Second,
		DownloadMissingBlob: true,
		MinBlobBytes:        100,
		PrecacheConcurrency: 4,
	}
}

// DefaultOptions returns per-call options derived from the config.
func (c Config) DefaultOptions() Options {
	return Options{MaxRetries: c.MaxRetries, DownloadMissingBlob: c.DownloadMissingBlob}
}

// Fetcher downloads bytes from a url.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (api.FetchResult, error)
}

// Uploader sends bytes to the media upload service.
type Uploader interface {
	UploadMedia(ctx context.Context, filename string, data []byte) (models.MediaUpload, error)
}

// Deps are the collaborators of a Resolver. Store and Handles are required.
type Deps struct {
	Store    store.AssetStore
	Handles  *handles.Registry
	Tracker  *signing.Tracker
	Fetcher  Fetcher
	Uploader Uploader
}

// Resolver resolves asset ids. It is safe for concurrent use; resolutions
// for the same id are serialized so at most one persists a record.
type Resolver struct {
	store    store.AssetStore
	handles  *handles.Registry
	tracker  *signing.Tracker
	fetcher  Fetcher
	uploader Uploader
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*idLock
}

type idLock struct {
	sem  *semaphore.Weighted
	refs int
}

// New builds a resolver.
func New(deps Deps, cfg Config, log zerolog.Logger) (*Resolver, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("asset store is required")
	}
	if deps.Handles == nil {
		return nil, fmt.Errorf("handle registry is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if cfg.PrecacheConcurrency <= 0 {
		cfg.PrecacheConcurrency = DefaultConfig().PrecacheConcurrency
	}
	return &Resolver{
		store:    deps.Store,
		handles:  deps.Handles,
		tracker:  deps.Tracker,
		fetcher:  deps.Fetcher,
		uploader: deps.Uploader,
		cfg:      cfg,
		log:      log.With().Str("component", "resolver").Logger(),
		inflight: make(map[string]*idLock),
	}, nil
}

// Config returns the effective configuration.
func (r *Resolver) Config() Config { return r.cfg }

// Resolve produces a usable url for assetID. Failures are returned as typed
// errors: ErrInvalidAssetReference for malformed ids, ErrResolutionExhausted
// when every step failed, or the context error when ctx was cancelled. No
// handle is left allocated when an error is returned.
func (r *Resolver) Resolve(ctx context.Context, assetID string, opts Options) (Outcome, error) {
	if err := models.ValidateAssetID(assetID); err != nil {
		return Outcome{}, err
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = r.cfg.MaxRetries
	}
	if opts.HandleContext == "" {
		opts.HandleContext = handleContext(assetID)
	}

	unlock, err := r.lock(ctx, assetID)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	return r.resolveLocked(ctx, assetID, opts)
}

// ResolveInScope resolves and hands any created handle to scope, so closing
// the scope releases it. A scope closed while the resolution was in flight
// releases the handle immediately.
func (r *Resolver) ResolveInScope(ctx context.Context, scope *handles.Scope, assetID string, opts Options) (Outcome, error) {
	out, err := r.Resolve(ctx, assetID, opts)
	if err != nil {
		return out, err
	}
	if out.NeedsCleanup {
		scope.Adopt(out.URL)
	}
	return out, nil
}

// Refresh re-resolves an asset whose displayed url stopped working.
func (r *Resolver) Refresh(ctx context.Context, assetID string) (Outcome, error) {
	return r.Resolve(ctx, assetID, Options{MaxRetries: 2, DownloadMissingBlob: true})
}

// Release returns a handle produced by Resolve.
func (r *Resolver) Release(handleURL string) {
	r.handles.Release(handleURL)
}

func (r *Resolver) resolveLocked(ctx context.Context, assetID string, opts Options) (Outcome, error) {
	log := r.log.With().Str("asset_id", assetID).Logger()
	var lastErr error

	// 1. Local copy.
	asset, err := r.store.GetAsset(ctx, assetID)
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err != nil {
		log.Warn().Err(err).Msg("local lookup failed")
		lastErr = err
	}
	if asset != nil {
		return r.handleOutcome(ctx, asset.Data, asset.ContentType, opts.HandleContext, SourceLocal)
	}

	src, err := r.store.GetAssetSource(ctx, assetID)
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if err != nil {
		log.Warn().Err(err).Msg("source lookup failed")
		lastErr = err
	}

	var staleURL string
	if src != nil && src.Reference.Known() {
		ref := src.Reference
		refURL := usableURL(ref.URL)

		// 2. Fresh reference.
		if refURL != "" && r.isFresh(ref) {
			return Outcome{URL: refURL, Source: SourceRemote}, nil
		}
		staleURL = refURL

		// 3. Re-sign a stale reference.
		if strings.TrimSpace(ref.Key) != "" && r.tracker != nil {
			refreshed, err := r.refreshWithRetry(ctx, ref.Key, opts.MaxRetries)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{}, ctxErr
			}
			if err == nil {
				if err := r.store.UpdateReference(ctx, assetID, refreshed); err != nil {
					log.Warn().Err(err).Msg("persist refreshed reference failed")
				}
				return Outcome{URL: refreshed.URL, Source: SourceSigned}, nil
			}
			log.Warn().Err(err).Msg("reference refresh failed")
			lastErr = err
		}
	}

	// 4. Download the last known source and cache it.
	if opts.DownloadMissingBlob && src != nil && r.fetcher != nil {
		if fetchURL := usableURL(src.FetchURL()); fetchURL != "" {
			fetched, err := r.downloadWithRetry(ctx, fetchURL, opts.MaxRetries)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Outcome{}, ctxErr
			}
			if err == nil {
				contentType := pickContentType(fetched.ContentType, src.ContentType)
				r.persistDownload(ctx, log, assetID, fetched.Data, contentType)
				return r.handleOutcome(ctx, fetched.Data, contentType, opts.HandleContext, SourceDownloaded)
			}
			log.Warn().Err(err).Str("url", fetchURL).Msg("download failed")
			lastErr = err
		}
	}

	// 5. Degraded: a stale url may still work for a while.
	if staleURL != "" {
		log.Warn().Msg("serving stale url")
		return Outcome{URL: staleURL, Source: SourceStale}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no local copy or source for %s", assetID)
	}
	return Outcome{}, models.NewOpError("resolve asset", models.ErrResolutionExhausted, lastErr)
}

func (r *Resolver) isFresh(ref models.UploadedReference) bool {
	if r.tracker != nil {
		return r.tracker.IsFresh(ref)
	}
	return signing.IsFresh(ref, signing.DefaultStaleBuffer, time.Now())
}

func (r *Resolver) persistDownload(ctx context.Context, log zerolog.Logger, assetID string, data []byte, contentType string) {
	asset := &models.Asset{
		ID:          assetID,
		Data:        data,
		ContentType: contentType,
		Timestamp:   time.Now().UTC(),
	}
	if err := r.store.PutAsset(ctx, asset); err != nil {
		// The bytes are still served from memory for this caller.
		log.Warn().Err(err).Msg("cache downloaded asset failed")
		return
	}
	log.Debug().Int64("bytes", asset.SizeBytes).Msg("cached downloaded asset")
}

// handleOutcome wraps data in a handle. The handle is released again if the
// caller went away meanwhile.
func (r *Resolver) handleOutcome(ctx context.Context, data []byte, contentType, handleCtx string, source Source) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	url := r.handles.Create(data, contentType, handleCtx)
	if err := ctx.Err(); err != nil {
		r.handles.Release(url)
		return Outcome{}, err
	}
	return Outcome{URL: url, NeedsCleanup: true, Source: source}, nil
}

// lock serializes work on one asset id. Waiters observe the winner's
// persisted result when they proceed.
func (r *Resolver) lock(ctx context.Context, assetID string) (func(), error) {
	r.mu.Lock()
	l, ok := r.inflight[assetID]
	if !ok {
		l = &idLock{sem: semaphore.NewWeighted(1)}
		r.inflight[assetID] = l
	}
	l.refs++
	r.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		r.unref(assetID, l)
		return nil, err
	}
	return func() {
		l.sem.Release(1)
		r.unref(assetID, l)
	}, nil
}

func (r *Resolver) unref(assetID string, l *idLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(r.inflight, assetID)
	}
}

// InFlight returns how many asset ids currently have a resolution running or waiting.
func (r *Resolver) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func handleContext(assetID string) string {
	if len(assetID) > 8 {
		assetID = assetID[:8]
	}
	return "asset:" + assetID
}

// usableURL drops empty urls, transient handle urls, which never survive
// a restart, and anything that is not an absolute url with a host.
func usableURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || handles.IsHandleURL(raw) || strings.HasPrefix(raw, "blob:") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return raw
}

func pickContentType(fetched, recorded string) string {
	fetched = strings.TrimSpace(fetched)
	if fetched != "" && !strings.HasPrefix(fetched, "application/octet-stream") {
		return fetched
	}
	if recorded = strings.TrimSpace(recorded); recorded != "" {
		return recorded
	}
	if fetched != "" {
		return fetched
	}
	return "application/octet-stream"
}

// IsUnavailable reports whether err means the asset could not be resolved
// and a placeholder should be shown.
func IsUnavailable(err error) bool {
	return errors.Is(err, models.ErrResolutionExhausted) || errors.Is(err, models.ErrInvalidAssetReference)
}
