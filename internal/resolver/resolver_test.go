package resolver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivault/internal/api"
	"hivault/internal/handles"
	"hivault/internal/models"
	"hivault/internal/signing"
	"hivault/internal/store"
)

var pngBody = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte("p"), 256)...)

type countingStore struct {
	store.AssetStore
	puts atomic.Int32
}

func (c *countingStore) PutAsset(ctx context.Context, asset *models.Asset) error {
	c.puts.Add(1)
	return c.AssetStore.PutAsset(ctx, asset)
}

type fakeFetcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, url string) (api.FetchResult, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (api.FetchResult, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, url)
	}
	return api.FetchResult{Data: pngBody, ContentType: "image/png"}, nil
}

type fakeSigner struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSigner) SignRead(_ context.Context, key string) (models.SignedRead, error) {
	f.calls.Add(1)
	if f.err != nil {
		return models.SignedRead{}, f.err
	}
	return models.SignedRead{DownloadURL: "https://cdn.example/" + key + "?sig=new", ExpiresIn: 3600}, nil
}

type fakeUploader struct {
	upload models.MediaUpload
	err    error
}

func (f *fakeUploader) UploadMedia(_ context.Context, _ string, _ []byte) (models.MediaUpload, error) {
	return f.upload, f.err
}

type fixture struct {
	store    *countingStore
	raw      *store.Store
	handles  *handles.Registry
	fetcher  *fakeFetcher
	signer   *fakeSigner
	uploader *fakeUploader
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	raw, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	f := &fixture{
		store:    &countingStore{AssetStore: raw},
		raw:      raw,
		handles:  handles.NewRegistry(zerolog.Nop()),
		fetcher:  &fakeFetcher{},
		signer:   &fakeSigner{},
		uploader: &fakeUploader{},
	}
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond

	f.resolver, err = New(Deps{
		Store:    f.store,
		Handles:  f.handles,
		Tracker:  signing.NewTracker(f.signer, zerolog.Nop()),
		Fetcher:  f.fetcher,
		Uploader: f.uploader,
	}, cfg, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func (f *fixture) putSource(t *testing.T, src models.AssetSource) {
	t.Helper()
	require.NoError(t, f.raw.PutAssetSource(context.Background(), &src))
}

func past() *time.Time {
	ts := time.Now().Add(-time.Minute)
	return &ts
}

func TestNewRequiresStoreAndHandles(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig(), zerolog.Nop())
	require.Error(t, err)

	raw, err := store.OpenMemory()
	require.NoError(t, err)
	defer raw.Close()
	_, err = New(Deps{Store: raw}, DefaultConfig(), zerolog.Nop())
	require.Error(t, err)
}

func TestResolveLocalAsset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.raw.PutAsset(ctx, &models.Asset{ID: "local1", Data: pngBody, ContentType: "image/png"}))

	out, err := f.resolver.Resolve(ctx, "local1", f.resolver.Config().DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, out.Source)
	assert.True(t, out.NeedsCleanup)
	assert.True(t, handles.IsHandleURL(out.URL))

	h, ok := f.handles.Lookup(out.URL)
	require.True(t, ok)
	assert.Equal(t, pngBody, h.Data)
	assert.Equal(t, "asset:local1", h.Context)

	f.resolver.Release(out.URL)
	assert.Zero(t, f.handles.Len())
	assert.Zero(t, f.fetcher.calls.Load())
}

func TestResolveDownloadsAndCachesMissingBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putSource(t, models.AssetSource{AssetID: "a1", SourceURL: "https://origin.example/a1.png"})

	out, err := f.resolver.Resolve(ctx, "a1", Options{DownloadMissingBlob: true})
	require.NoError(t, err)
	assert.Equal(t, SourceDownloaded, out.Source)
	assert.True(t, out.NeedsCleanup)
	f.resolver.Release(out.URL)

	stored, err := f.raw.GetAsset(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, pngBody, stored.Data)
	assert.Equal(t, "image/png", stored.ContentType)

	again, err := f.resolver.Resolve(ctx, "a1", Options{DownloadMissingBlob: true})
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, again.Source)
	f.resolver.Release(again.URL)

	assert.Equal(t, int32(1), f.fetcher.calls.Load())
	assert.Zero(t, f.handles.Len())
}

func TestResolveFreshReferenceSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(time.Hour)
	f.putSource(t, models.AssetSource{AssetID: "r1", Reference: models.UploadedReference{Key: "k/r1", URL: "https://cdn.example/r1", ExpiresAt: &future}})

	out, err := f.resolver.Resolve(context.Background(), "r1", Options{DownloadMissingBlob: true})
	require.NoError(t, err)
	assert.Equal(t, Outcome{URL: "https://cdn.example/r1", Source: SourceRemote}, out)
	assert.Zero(t, f.signer.calls.Load())
	assert.Zero(t, f.fetcher.calls.Load())
}

func TestResolveExpiredReferenceRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putSource(t, models.AssetSource{AssetID: "a2", Reference: models.UploadedReference{Key: "uploads/a2", URL: "https://cdn.example/a2?sig=old", ExpiresAt: past()}})

	out, err := f.resolver.Resolve(ctx, "a2", Options{})
	require.NoError(t, err)
	assert.Equal(t, SourceSigned, out.Source)
	assert.Equal(t, "https://cdn.example/uploads/a2?sig=new", out.URL)
	assert.False(t, out.NeedsCleanup)
	assert.Equal(t, int32(1), f.signer.calls.Load())

	src, err := f.raw.GetAssetSource(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/uploads/a2?sig=new", src.Reference.URL)
	assert.Equal(t, "uploads/a2", src.Reference.Key)
	require.NotNil(t, src.Reference.ExpiresAt)
	assert.True(t, src.Reference.ExpiresAt.After(time.Now().Add(time.Minute)))

	again, err := f.resolver.Resolve(ctx, "a2", Options{})
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, again.Source)
	assert.Equal(t, int32(1), f.signer.calls.Load())
}

func TestResolveFallsBackToStaleURL(t *testing.T) {
	f := newFixture(t)
	f.signer.err = errors.New("signing down")
	f.putSource(t, models.AssetSource{AssetID: "s1", Reference: models.UploadedReference{Key: "k/s1", URL: "https://cdn.example/s1?sig=old", ExpiresAt: past()}})

	out, err := f.resolver.Resolve(context.Background(), "s1", Options{MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, Outcome{URL: "https://cdn.example/s1?sig=old", Source: SourceStale}, out)
	assert.Equal(t, int32(3), f.signer.calls.Load())
}

func TestResolveExhausted(t *testing.T) {
	f := newFixture(t)

	_, err := f.resolver.Resolve(context.Background(), "nothing", Options{DownloadMissingBlob: true})
	require.ErrorIs(t, err, models.ErrResolutionExhausted)
	assert.True(t, IsUnavailable(err))
	assert.Zero(t, f.handles.Len())
}

func TestResolveInvalidID(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"", "  ", "has space", "../etc"} {
		_, err := f.resolver.Resolve(context.Background(), id, Options{})
		require.ErrorIs(t, err, models.ErrInvalidAssetReference, "id %q", id)
	}
	assert.Zero(t, f.fetcher.calls.Load())
}

func TestResolveRejectsTinyDownloads(t *testing.T) {
	f := newFixture(t)
	f.fetcher.fn = func(context.Context, string) (api.FetchResult, error) {
		return api.FetchResult{Data: []byte("oops"), ContentType: "text/plain"}, nil
	}
	f.putSource(t, models.AssetSource{AssetID: "tiny", SourceURL: "https://origin.example/tiny"})

	_, err := f.resolver.Resolve(context.Background(), "tiny", Options{MaxRetries: 3, DownloadMissingBlob: true})
	require.ErrorIs(t, err, models.ErrResolutionExhausted)
	assert.Equal(t, int32(3), f.fetcher.calls.Load())
	assert.Zero(t, f.store.puts.Load())
}

func TestResolveDoesNotRetryPermanentFetchErrors(t *testing.T) {
	f := newFixture(t)
	f.fetcher.fn = func(context.Context, string) (api.FetchResult, error) {
		return api.FetchResult{}, &api.APIError{Status: http.StatusNotFound}
	}
	f.putSource(t, models.AssetSource{AssetID: "gone", SourceURL: "https://origin.example/gone"})

	_, err := f.resolver.Resolve(context.Background(), "gone", Options{MaxRetries: 3, DownloadMissingBlob: true})
	require.ErrorIs(t, err, models.ErrResolutionExhausted)
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
}

func TestResolveIgnoresHandleURLsAsSources(t *testing.T) {
	f := newFixture(t)
	f.putSource(t, models.AssetSource{AssetID: "h1", SourceURL: handles.URLPrefix + "dead"})

	_, err := f.resolver.Resolve(context.Background(), "h1", Options{DownloadMissingBlob: true})
	require.ErrorIs(t, err, models.ErrResolutionExhausted)
	assert.Zero(t, f.fetcher.calls.Load())
}

func TestResolveSkipsMalformedURLs(t *testing.T) {
	f := newFixture(t)
	future := time.Now().Add(time.Hour)
	f.putSource(t, models.AssetSource{
		AssetID:   "m1",
		Reference: models.UploadedReference{URL: "not a url", ExpiresAt: &future},
		SourceURL: "cdn.example/m1.png",
	})

	_, err := f.resolver.Resolve(context.Background(), "m1", Options{DownloadMissingBlob: true})
	require.ErrorIs(t, err, models.ErrResolutionExhausted)
	assert.Zero(t, f.fetcher.calls.Load())
}

func TestUsableURL(t *testing.T) {
	cases := map[string]string{
		"":                              "",
		"   ":                           "",
		"blob:https://app.example/1":    "",
		handles.URLPrefix + "abc":       "",
		"not a url":                     "",
		"cdn.example/a.png":             "",
		"https://":                      "",
		"http://[::1":                   "",
		" https://cdn.example/a.png ":   "https://cdn.example/a.png",
		"http://127.0.0.1:8080/a?sig=1": "http://127.0.0.1:8080/a?sig=1",
	}
	for raw, want := range cases {
		assert.Equal(t, want, usableURL(raw), "url %q", raw)
	}
}

func TestConcurrentResolvesPersistOnce(t *testing.T) {
	f := newFixture(t)
	f.putSource(t, models.AssetSource{AssetID: "dup", SourceURL: "https://origin.example/dup.png"})

	const callers = 8
	var wg sync.WaitGroup
	urls := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.resolver.Resolve(context.Background(), "dup", Options{DownloadMissingBlob: true})
			urls[i], errs[i] = out.URL, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, int32(1), f.store.puts.Load())
	assert.Equal(t, int32(1), f.fetcher.calls.Load())
	assert.Equal(t, callers, f.handles.Len())
	assert.Zero(t, f.resolver.InFlight())

	for _, url := range urls {
		f.resolver.Release(url)
	}
	assert.Zero(t, f.handles.Len())
}

func TestCancelDuringDownloadLeavesNoHandle(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fetcher.fn = func(context.Context, string) (api.FetchResult, error) {
		// The consumer goes away while the transfer completes.
		cancel()
		return api.FetchResult{Data: pngBody, ContentType: "image/png"}, nil
	}
	f.putSource(t, models.AssetSource{AssetID: "c1", SourceURL: "https://origin.example/c1"})

	_, err := f.resolver.Resolve(ctx, "c1", Options{DownloadMissingBlob: true})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.handles.Len())
	assert.Zero(t, f.store.puts.Load())
	assert.Zero(t, f.resolver.InFlight())
}

func TestResolveInClosedScopeReleasesHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.raw.PutAsset(ctx, &models.Asset{ID: "view1", Data: pngBody}))

	scope := f.handles.NewScope("gallery")
	out, err := f.resolver.ResolveInScope(ctx, scope, "view1", Options{})
	require.NoError(t, err)
	assert.True(t, out.NeedsCleanup)
	assert.Equal(t, 1, scope.Len())
	scope.Close()
	assert.Zero(t, f.handles.Len())

	closed := f.handles.NewScope("gone")
	closed.Close()
	_, err = f.resolver.ResolveInScope(ctx, closed, "view1", Options{})
	require.NoError(t, err)
	assert.Zero(t, f.handles.Len())
}

func TestRefreshDownloadsWithTwoAttempts(t *testing.T) {
	f := newFixture(t)
	f.fetcher.fn = func(context.Context, string) (api.FetchResult, error) {
		return api.FetchResult{}, errors.New("connection reset")
	}
	f.putSource(t, models.AssetSource{AssetID: "rf", SourceURL: "https://origin.example/rf"})

	_, err := f.resolver.Refresh(context.Background(), "rf")
	require.ErrorIs(t, err, models.ErrResolutionExhausted)
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
}

func TestPrecache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.raw.PutAsset(ctx, &models.Asset{ID: "have", Data: pngBody}))
	f.putSource(t, models.AssetSource{AssetID: "fetch", SourceURL: "https://origin.example/fetch"})
	f.putSource(t, models.AssetSource{AssetID: "signed", Reference: models.UploadedReference{Key: "k/signed", ExpiresAt: past()}})

	report, err := f.resolver.Precache(ctx, []string{"have", "fetch", "signed", "orphan", "bad id", "fetch"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "signed"}, report.Cached)
	assert.Equal(t, []string{"have"}, report.AlreadyLocal)
	assert.Contains(t, report.Failed, "orphan")
	assert.Contains(t, report.Failed, "bad id")
	assert.Zero(t, f.handles.Len())

	for _, id := range []string{"fetch", "signed"} {
		asset, err := f.raw.GetAsset(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, asset, id)
	}
	assert.Equal(t, int32(1), f.signer.calls.Load())
}

func TestIngestPersistsAssetAndSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.uploader.upload = models.MediaUpload{ID: "media42", URL: "https://media.example/media42", ContentType: "image/png", Duplicate: true}

	res, err := f.resolver.Ingest(ctx, IngestRequest{Filename: "/tmp/cat.png", Data: pngBody, ConversationID: "conv-1", Prompt: "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "media42", res.AssetID)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(len(pngBody)), res.SizeBytes)

	asset, err := f.raw.GetAsset(ctx, "media42")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, "image/png", asset.ContentType)
	assert.Equal(t, "conv-1", asset.ConversationID)
	assert.Equal(t, "a cat", asset.Prompt)

	src, err := f.raw.GetAssetSource(ctx, "media42")
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, "https://media.example/media42", src.SourceURL)
}

func TestIngestUploadRejected(t *testing.T) {
	f := newFixture(t)
	f.uploader.err = &api.APIError{Status: http.StatusRequestEntityTooLarge, Message: "File too large"}

	_, err := f.resolver.Ingest(context.Background(), IngestRequest{Filename: "x.bin", Data: pngBody})
	require.Error(t, err)
	assert.True(t, api.IsPermanent(err))
	assert.Zero(t, f.store.puts.Load())

	_, err = f.resolver.Ingest(context.Background(), IngestRequest{Filename: "x.bin"})
	require.Error(t, err)
}
